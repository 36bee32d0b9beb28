package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether s counts against the one-active-job-per-user rule.
func (s JobStatus) Active() bool {
	return s == StatusPending || s == StatusRunning
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo encodes PENDING -> RUNNING -> {COMPLETED | FAILED} plus PENDING -> FAILED
// for dispatch failures.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Predecessors lists the statuses a job must be in to move to s.
func (s JobStatus) Predecessors() []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{StatusPending, StatusRunning, StatusCompleted, StatusFailed} {
		if from.CanTransitionTo(s) {
			out = append(out, from)
		}
	}
	return out
}

type Job struct {
	ID               uuid.UUID  `json:"id"`
	OwnerID          string     `json:"owner_id"`
	Filename         string     `json:"filename"`
	ImportType       string     `json:"import_type"`
	Strategy         string     `json:"strategy"`
	Status           JobStatus  `json:"status"`
	TotalRecords     int64      `json:"total_records"`
	ProcessedRecords int64      `json:"processed_records"`
	ErrorRecords     int64      `json:"error_records"`
	Error            *string    `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// JobCounts are the final tallies frozen on completion.
type JobCounts struct {
	Total     int64
	Processed int64
	Errors    int64
}

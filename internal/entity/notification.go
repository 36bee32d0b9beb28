package entity

import (
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is a point-in-time snapshot of a job. It is never persisted.
type Notification struct {
	JobID            uuid.UUID `json:"job_id"`
	UserID           string    `json:"user_id"`
	Status           JobStatus `json:"status"`
	Filename         string    `json:"filename"`
	TotalRecords     int64     `json:"total_records"`
	ProcessedRecords int64     `json:"processed_records"`
	ErrorRecords     int64     `json:"error_records"`
	Message          string    `json:"message"`
	Severity         Severity  `json:"severity"`
	Timestamp        time.Time `json:"timestamp"`
}

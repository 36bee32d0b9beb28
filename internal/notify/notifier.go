// Package notify fans job snapshots out to the per-job and per-user
// destinations. Delivery is best effort.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"import-worker-service/internal/entity"
)

// Publisher delivers one notification to one destination key.
type Publisher interface {
	Publish(ctx context.Context, key string, n entity.Notification) error
}

type Notifier struct {
	pub Publisher
	log *zap.Logger
	now func() time.Time
}

func New(pub Publisher, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{pub: pub, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func JobKey(jobID string) string       { return "jobs." + jobID }
func UserJobsKey(userID string) string { return "users." + userID + ".jobs" }
func ProgressKey(userID string) string { return "users." + userID + ".progress" }

// Destinations lists where a snapshot of job goes. The progress queue only
// receives snapshots of running jobs.
func Destinations(job entity.Job) []string {
	keys := []string{JobKey(job.ID.String()), UserJobsKey(job.OwnerID)}
	if job.Status == entity.StatusRunning {
		keys = append(keys, ProgressKey(job.OwnerID))
	}
	return keys
}

// Notify publishes a snapshot of job to every destination. An empty message
// is replaced with one derived from the job. Failures are logged only.
func (n *Notifier) Notify(ctx context.Context, job entity.Job, message string) {
	snap := n.Snapshot(job, message)
	for _, key := range Destinations(job) {
		if err := n.pub.Publish(ctx, key, snap); err != nil {
			n.log.Warn("publish notification",
				zap.String("job_id", job.ID.String()),
				zap.String("destination", key),
				zap.Error(err),
			)
		}
	}
}

func (n *Notifier) Snapshot(job entity.Job, message string) entity.Notification {
	if message == "" {
		message = DefaultMessage(job)
	}
	return entity.Notification{
		JobID:            job.ID,
		UserID:           job.OwnerID,
		Status:           job.Status,
		Filename:         job.Filename,
		TotalRecords:     job.TotalRecords,
		ProcessedRecords: job.ProcessedRecords,
		ErrorRecords:     job.ErrorRecords,
		Message:          message,
		Severity:         SeverityFor(job),
		Timestamp:        n.now(),
	}
}

// SeverityFor maps a job to the severity shown to the user. A completed job
// that rejected rows is a warning.
func SeverityFor(job entity.Job) entity.Severity {
	switch job.Status {
	case entity.StatusCompleted:
		if job.ErrorRecords > 0 {
			return entity.SeverityWarning
		}
		return entity.SeveritySuccess
	case entity.StatusFailed:
		return entity.SeverityError
	default:
		return entity.SeverityInfo
	}
}

func DefaultMessage(job entity.Job) string {
	switch job.Status {
	case entity.StatusPending:
		return fmt.Sprintf("Import of %s queued", job.Filename)
	case entity.StatusRunning:
		return fmt.Sprintf("Importing %s: %d processed, %d rejected", job.Filename, job.ProcessedRecords, job.ErrorRecords)
	case entity.StatusCompleted:
		if job.ErrorRecords > 0 {
			return fmt.Sprintf("Imported %d of %d records from %s, %d rejected",
				job.ProcessedRecords, job.TotalRecords, job.Filename, job.ErrorRecords)
		}
		return fmt.Sprintf("Imported %d records from %s", job.ProcessedRecords, job.Filename)
	case entity.StatusFailed:
		if job.Error != nil {
			return fmt.Sprintf("Import of %s failed: %s", job.Filename, *job.Error)
		}
		return fmt.Sprintf("Import of %s failed", job.Filename)
	}
	return ""
}

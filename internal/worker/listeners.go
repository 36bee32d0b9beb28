package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"import-worker-service/internal/batch"
	"import-worker-service/internal/entity"
	"import-worker-service/internal/ingest"
)

// JobStore is the part of the job repository the worker writes through.
type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status entity.JobStatus, errMsg *string) error
	UpdateProgress(ctx context.Context, id uuid.UUID, processedDelta, errorDelta int64) error
	Complete(ctx context.Context, id uuid.UUID, counts entity.JobCounts) error
}

type Notifier interface {
	Notify(ctx context.Context, job entity.Job, message string)
}

// ProgressListener mirrors one batch run onto its import job. Chunk and step
// hooks push write/skip deltas so the job shows progress while RUNNING; the
// job hook freezes the final counts or the failure summary.
type ProgressListener struct {
	jobID    uuid.UUID
	store    JobStore
	notifier Notifier
	log      *zap.Logger

	mu       sync.Mutex
	reported map[*batch.StepExecution]batch.ChunkStats
}

func NewProgressListener(jobID uuid.UUID, store JobStore, notifier Notifier, log *zap.Logger) *ProgressListener {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProgressListener{
		jobID:    jobID,
		store:    store,
		notifier: notifier,
		log:      log.With(zap.String("job_id", jobID.String())),
		reported: map[*batch.StepExecution]batch.ChunkStats{},
	}
}

// BeforeJob marks the job RUNNING. A failure here aborts the launch.
func (l *ProgressListener) BeforeJob(ctx context.Context, exec *batch.JobExecution) error {
	if err := l.store.UpdateStatus(ctx, l.jobID, entity.StatusRunning, nil); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	l.publish(ctx, "")
	return nil
}

func (l *ProgressListener) BeforeStep(ctx context.Context, se *batch.StepExecution) {}

func (l *ProgressListener) AfterChunk(ctx context.Context, se *batch.StepExecution, stats batch.ChunkStats) {
	l.mu.Lock()
	r := l.reported[se]
	r.Written += stats.Written
	r.Skipped += stats.Skipped
	l.reported[se] = r
	l.mu.Unlock()

	l.push(ctx, se.StepName, stats.Written, stats.Skipped)
}

// AfterStep pushes whatever the step counted that no chunk reported, so the
// job totals always equal the step's write and skip counts.
func (l *ProgressListener) AfterStep(ctx context.Context, se *batch.StepExecution) {
	l.mu.Lock()
	r := l.reported[se]
	delete(l.reported, se)
	l.mu.Unlock()

	l.push(ctx, se.StepName, se.WriteCount()-r.Written, se.SkipCount()-r.Skipped)
}

func (l *ProgressListener) push(ctx context.Context, step string, written, skipped int64) {
	if written == 0 && skipped == 0 {
		return
	}
	if err := l.store.UpdateProgress(ctx, l.jobID, written, skipped); err != nil {
		// прогресс не критичен, итог запишет AfterJob
		l.log.Warn("update progress", zap.String("step", step), zap.Error(err))
		return
	}
	l.publish(ctx, "")
}

// AfterJob writes the terminal status. It is the last store write of a run;
// its error reaches the caller of Launcher.Run.
func (l *ProgressListener) AfterJob(ctx context.Context, exec *batch.JobExecution) error {
	if exec.Status == batch.StatusCompleted {
		t := exec.Totals()
		counts := entity.JobCounts{Total: t.Read, Processed: t.Write, Errors: t.Skip}
		if err := l.store.Complete(ctx, l.jobID, counts); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		l.publish(ctx, "")
		return nil
	}

	summary := Summarize(exec)
	if err := l.store.UpdateStatus(ctx, l.jobID, entity.StatusFailed, &summary); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	l.publish(ctx, summary)
	return nil
}

func (l *ProgressListener) publish(ctx context.Context, message string) {
	job, err := l.store.GetByID(ctx, l.jobID)
	if err != nil {
		l.log.Warn("load job for notification", zap.Error(err))
		return
	}
	l.notifier.Notify(ctx, *job, message)
}

// Summarize turns the first failure of exec into the message stored on the
// job, e.g. `Schema error in step "validate": missing columns: NAME`.
func Summarize(exec *batch.JobExecution) string {
	failures := exec.Failures()
	if len(failures) == 0 {
		return "import failed"
	}
	step := "unknown"
	if se, ok := exec.FailedStep(); ok {
		step = se.StepName
	}
	err := failures[0]
	return fmt.Sprintf("%s in step %q: %s", classify(err), step, err.Error())
}

func classify(err error) string {
	var (
		header *ingest.HeaderError
		infra  *ingest.InfrastructureError
		panicE *batch.PanicError
	)
	switch {
	case errors.As(err, &header):
		return "Schema error"
	case errors.Is(err, ingest.ErrUnsupportedFormat), errors.Is(err, ingest.ErrInvalidDelimiter):
		return "File error"
	case ingest.IsDataError(err):
		return "Validation error"
	case errors.As(err, &infra):
		return "Read error"
	case errors.As(err, &panicE):
		return "Internal error"
	default:
		return "Processing error"
	}
}

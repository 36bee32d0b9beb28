package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"import-worker-service/internal/batch"
	"import-worker-service/internal/entity"
	"import-worker-service/internal/repository"
)

// ErrJobInProgress is returned for a redelivered message whose job is RUNNING
// and was updated recently, i.e. another worker still holds it. The message
// must not be acknowledged.
var ErrJobInProgress = errors.New("job is running on another worker")

const defaultAbandonAfter = 10 * time.Minute

type FileDeleter interface {
	Delete(ctx context.Context, handle string) error
}

// Processor runs the import for one message. A nil error means the message
// is done with and may be acknowledged, including when the job ended FAILED.
type Processor struct {
	jobs       JobStore
	factory    *JobFactory
	launcher   *batch.Launcher
	notifier   Notifier
	files      FileDeleter
	deleteFile bool

	// abandonAfter is how long a RUNNING job may go without an update before
	// a redelivery treats its worker as gone.
	abandonAfter time.Duration
	now          func() time.Time
	log          *zap.Logger
}

type ProcessorOption func(*Processor)

// WithAbandonAfter sets when a redelivered RUNNING job counts as interrupted.
// Zero treats every redelivered RUNNING job as interrupted.
func WithAbandonAfter(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.abandonAfter = max(d, 0) }
}

// WithFileCleanup deletes the stored upload once its job is terminal.
func WithFileCleanup(files FileDeleter) ProcessorOption {
	return func(p *Processor) {
		p.files = files
		p.deleteFile = files != nil
	}
}

func NewProcessor(jobs JobStore, factory *JobFactory, launcher *batch.Launcher, notifier Notifier, log *zap.Logger, opts ...ProcessorOption) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Processor{
		jobs:         jobs,
		factory:      factory,
		launcher:     launcher,
		notifier:     notifier,
		abandonAfter: defaultAbandonAfter,
		now:          time.Now,
		log:          log,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Processor) Process(ctx context.Context, msg entity.JobMessage) error {
	start := time.Now()
	log := p.log.With(zap.String("job_id", msg.JobID.String()), zap.String("filename", msg.Filename))

	job, err := p.jobs.GetByID(ctx, msg.JobID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("message for unknown job dropped")
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case job.Status.Terminal():
		// повторная доставка уже завершённой задачи
		log.Info("job already finished", zap.String("status", string(job.Status)))
		p.cleanup(ctx, msg, log)
		return nil
	case job.Status == entity.StatusRunning:
		if idle := p.now().Sub(job.UpdatedAt); idle < p.abandonAfter {
			log.Info("redelivered job still running", zap.Duration("idle", idle))
			return ErrJobInProgress
		}
		return p.fail(ctx, job, "import interrupted: job stopped updating while running", log)
	}

	params := ParamsFor(msg)
	bj, err := p.factory.Build(params)
	if err != nil {
		return p.launchFailed(ctx, job, err, log)
	}
	bj.Listen(NewProgressListener(job.ID, p.jobs, p.notifier, log))

	log.Info("import started", zap.String("import_type", msg.ImportType), zap.String("strategy", msg.Strategy))
	exec, err := p.launcher.Run(ctx, bj, params)
	if err != nil {
		if exec == nil {
			return p.launchFailed(ctx, job, err, log)
		}
		// BeforeJob или AfterJob не смогли записать статус
		if errors.Is(err, repository.ErrStatusConflict) {
			log.Warn("job changed status during run", zap.Error(err))
			return nil
		}
		return err
	}

	log.Info("import finished",
		zap.String("status", string(exec.Status)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	p.cleanup(ctx, msg, log)
	return nil
}

// launchFailed handles errors raised before any step ran. Structural ones end
// the job; anything else goes back to the channel.
func (p *Processor) launchFailed(ctx context.Context, job *entity.Job, err error, log *zap.Logger) error {
	if errors.Is(err, batch.ErrInvalidParameters) || errors.Is(err, batch.ErrJobAlreadyRunning) {
		return p.fail(ctx, job, "launch failed: "+err.Error(), log)
	}
	return err
}

func (p *Processor) fail(ctx context.Context, job *entity.Job, reason string, log *zap.Logger) error {
	log.Warn("job failed before import", zap.String("reason", reason))
	if err := p.jobs.UpdateStatus(ctx, job.ID, entity.StatusFailed, &reason); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil
		}
		return err
	}
	failed := *job
	failed.Status = entity.StatusFailed
	failed.Error = &reason
	p.notifier.Notify(ctx, failed, reason)
	return nil
}

func (p *Processor) cleanup(ctx context.Context, msg entity.JobMessage, log *zap.Logger) {
	if !p.deleteFile {
		return
	}
	if err := p.files.Delete(ctx, msg.FileHandle); err != nil {
		log.Warn("delete stored file", zap.String("handle", msg.FileHandle), zap.Error(err))
	}
}

package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrJobAlreadyRunning = errors.New("job instance already running")
	ErrInvalidParameters = errors.New("invalid job parameters")
)

// PanicError is what a panicking step is converted into.
type PanicError struct {
	Step  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("step %q panicked: %v", e.Step, e.Value)
}

// Launcher runs jobs and refuses to start a second execution of a job
// instance (same name and params) while one is in flight.
type Launcher struct {
	log *zap.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

func NewLauncher(log *zap.Logger) *Launcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Launcher{log: log, running: map[string]struct{}{}}
}

// Run executes job synchronously. Step failures do not produce an error: they
// are recorded on the returned execution, whose Status is FAILED. An error is
// returned for launch failures and for failing job listeners.
func (l *Launcher) Run(ctx context.Context, job *Job, params Params) (*JobExecution, error) {
	if job.validate != nil {
		if err := job.validate(params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
	}

	key := instanceKey(job.name, params)
	l.mu.Lock()
	if _, busy := l.running[key]; busy {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobAlreadyRunning, key)
	}
	l.running[key] = struct{}{}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.running, key)
		l.mu.Unlock()
	}()

	exec := NewJobExecution(job.name, params)
	exec.StartTime = time.Now()
	exec.Status = StatusStarted
	log := l.log.With(zap.String("job", job.name), zap.String("instance", key))

	for _, jl := range job.jobLs {
		if err := jl.BeforeJob(ctx, exec); err != nil {
			exec.AddFailure(err)
			exec.Status = StatusFailed
			exec.EndTime = time.Now()
			return exec, fmt.Errorf("before job %s: %w", job.name, err)
		}
	}

	for _, step := range job.steps {
		se := exec.NewStepExecution(step.Name())
		se.chunkers = job.chunkLs
		l.runStep(ctx, job, step, se, log)
		if se.Status() == StatusFailed {
			exec.AddFailure(se.Failure())
			break
		}
	}

	exec.EndTime = time.Now()
	exec.Status = StatusCompleted
	if len(exec.Failures()) > 0 {
		exec.Status = StatusFailed
	}
	totals := exec.Totals()
	log.Info("job finished",
		zap.String("status", string(exec.Status)),
		zap.Int64("read", totals.Read),
		zap.Int64("write", totals.Write),
		zap.Int64("skip", totals.Skip),
		zap.Int64("filter", totals.Filter),
		zap.Duration("duration", exec.EndTime.Sub(exec.StartTime)),
	)

	var errs error
	for _, jl := range job.jobLs {
		errs = multierr.Append(errs, jl.AfterJob(ctx, exec))
	}
	return exec, errs
}

func (l *Launcher) runStep(ctx context.Context, job *Job, step Step, se *StepExecution, log *zap.Logger) {
	se.StartTime = time.Now()
	se.setStatus(StatusStarted)
	for _, sl := range job.stepLs {
		sl.BeforeStep(ctx, se)
	}

	err := execute(ctx, step, se)
	se.EndTime = time.Now()
	if err != nil {
		se.Fail(err)
		fields := []zap.Field{zap.String("step", se.StepName), zap.Error(err)}
		var pe *PanicError
		if errors.As(err, &pe) {
			fields = append(fields, zap.ByteString("stack", pe.Stack))
		}
		log.Warn("step failed", fields...)
	} else {
		se.setStatus(StatusCompleted)
	}

	for _, sl := range job.stepLs {
		sl.AfterStep(ctx, se)
	}
}

func execute(ctx context.Context, step Step, se *StepExecution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Step: step.Name(), Value: r, Stack: debug.Stack()}
		}
	}()
	return step.Execute(ctx, se)
}

func instanceKey(name string, params Params) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(";")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(params[k])
	}
	return b.String()
}

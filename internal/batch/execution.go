package batch

import (
	"sync"
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusStarting  Status = "STARTING"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Params are the launch parameters of one job execution.
type Params map[string]string

func (p Params) Get(key string) string { return p[key] }

// JobExecution is the runtime record of one job run.
type JobExecution struct {
	JobName   string
	Params    Params
	Status    Status
	StartTime time.Time
	EndTime   time.Time

	mu       sync.Mutex
	steps    []*StepExecution
	failures []error
}

func NewJobExecution(name string, params Params) *JobExecution {
	return &JobExecution{JobName: name, Params: params, Status: StatusStarting}
}

func (e *JobExecution) StepExecutions() []*StepExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*StepExecution(nil), e.steps...)
}

func (e *JobExecution) Failures() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.failures...)
}

func (e *JobExecution) AddFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, err)
}

// FailedStep returns the first step that ended FAILED, if any.
func (e *JobExecution) FailedStep() (*StepExecution, bool) {
	for _, se := range e.StepExecutions() {
		if se.Status() == StatusFailed {
			return se, true
		}
	}
	return nil, false
}

// Totals sums step counters.
func (e *JobExecution) Totals() Counters {
	var c Counters
	for _, se := range e.StepExecutions() {
		sc := se.Counters()
		c.Read += sc.Read
		c.Write += sc.Write
		c.Skip += sc.Skip
		c.Filter += sc.Filter
		c.Commit += sc.Commit
	}
	return c
}

func (e *JobExecution) NewStepExecution(name string) *StepExecution {
	se := &StepExecution{StepName: name, Job: e}
	se.status.Store(StatusStarting)
	e.mu.Lock()
	e.steps = append(e.steps, se)
	e.mu.Unlock()
	return se
}

type Counters struct {
	Read   int64
	Write  int64
	Skip   int64
	Filter int64
	Commit int64
}

// StepExecution counters are safe for concurrent use; readers and writers of a
// chunk step may run on different goroutines.
type StepExecution struct {
	StepName  string
	Job       *JobExecution
	StartTime time.Time
	EndTime   time.Time

	status atomic.Value
	read   atomic.Int64
	write  atomic.Int64
	skip   atomic.Int64
	filter atomic.Int64
	commit atomic.Int64

	mu       sync.Mutex
	failure  error
	chunkers []ChunkListener
}

func (s *StepExecution) Status() Status { return s.status.Load().(Status) }

func (s *StepExecution) setStatus(st Status) { s.status.Store(st) }

func (s *StepExecution) AddRead(n int64)   { s.read.Add(n) }
func (s *StepExecution) AddWrite(n int64)  { s.write.Add(n) }
func (s *StepExecution) AddSkip(n int64)   { s.skip.Add(n) }
func (s *StepExecution) AddFilter(n int64) { s.filter.Add(n) }

func (s *StepExecution) ReadCount() int64   { return s.read.Load() }
func (s *StepExecution) WriteCount() int64  { return s.write.Load() }
func (s *StepExecution) SkipCount() int64   { return s.skip.Load() }
func (s *StepExecution) FilterCount() int64 { return s.filter.Load() }

func (s *StepExecution) Counters() Counters {
	return Counters{
		Read:   s.read.Load(),
		Write:  s.write.Load(),
		Skip:   s.skip.Load(),
		Filter: s.filter.Load(),
		Commit: s.commit.Load(),
	}
}

func (s *StepExecution) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Fail marks the step FAILED with err.
func (s *StepExecution) Fail(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
	s.setStatus(StatusFailed)
}

func (s *StepExecution) chunkListeners() []ChunkListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkers
}

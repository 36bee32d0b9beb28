package batch

import "context"

type Step interface {
	Name() string
	Execute(ctx context.Context, se *StepExecution) error
}

// JobListener hooks run around the whole job. A BeforeJob error aborts the
// launch; an AfterJob error is returned from Launcher.Run.
type JobListener interface {
	BeforeJob(ctx context.Context, exec *JobExecution) error
	AfterJob(ctx context.Context, exec *JobExecution) error
}

type StepListener interface {
	BeforeStep(ctx context.Context, se *StepExecution)
	AfterStep(ctx context.Context, se *StepExecution)
}

// ChunkStats are the deltas of one committed chunk.
type ChunkStats struct {
	Written int64
	Skipped int64
}

type ChunkListener interface {
	AfterChunk(ctx context.Context, se *StepExecution, stats ChunkStats)
}

// Job is an ordered list of steps. Steps run sequentially; the first failing
// step stops the job.
type Job struct {
	name     string
	steps    []Step
	validate func(Params) error
	jobLs    []JobListener
	stepLs   []StepListener
	chunkLs  []ChunkListener
}

func NewJob(name string, steps ...Step) *Job {
	return &Job{name: name, steps: steps}
}

func (j *Job) Name() string { return j.name }

// Listen registers l under every listener interface it implements.
func (j *Job) Listen(listeners ...any) *Job {
	for _, l := range listeners {
		if jl, ok := l.(JobListener); ok {
			j.jobLs = append(j.jobLs, jl)
		}
		if sl, ok := l.(StepListener); ok {
			j.stepLs = append(j.stepLs, sl)
		}
		if cl, ok := l.(ChunkListener); ok {
			j.chunkLs = append(j.chunkLs, cl)
		}
	}
	return j
}

// ValidateParams installs a parameter check run before anything else.
func (j *Job) ValidateParams(fn func(Params) error) *Job {
	j.validate = fn
	return j
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"import-worker-service/internal/batch"
	"import-worker-service/internal/entity"
	"import-worker-service/internal/ingest"
)

const (
	JobName      = "institution-import"
	StepValidate = "validate"
	StepImport   = "import"

	ParamJobID      = "job_id"
	ParamFileHandle = "file_handle"
	ParamFilename   = "filename"
	ParamOwner      = "owner"
	ParamImportType = "import_type"
	ParamStrategy   = "strategy"
)

type FileOpener interface {
	Open(ctx context.Context, handle string) (io.ReadCloser, error)
}

// RecordWriter persists one chunk of mapped records for a job.
type RecordWriter interface {
	Write(ctx context.Context, jobID uuid.UUID, records []entity.Record) error
}

type Settings struct {
	Delimiter rune
	Mode      ingest.ValidationMode
	SkipLimit int64
	ChunkSize int
	// StrategyWorkers bounds the parallel strategies; 0 means GOMAXPROCS.
	StrategyWorkers int
}

// ParamsFor returns the identifying launch parameters of a message.
func ParamsFor(msg entity.JobMessage) batch.Params {
	return batch.Params{
		ParamJobID:      msg.JobID.String(),
		ParamFileHandle: msg.FileHandle,
		ParamFilename:   msg.Filename,
		ParamOwner:      msg.SubmittedBy,
		ParamImportType: msg.ImportType,
		ParamStrategy:   msg.Strategy,
	}
}

func validateParams(p batch.Params) error {
	if _, err := uuid.Parse(p.Get(ParamJobID)); err != nil {
		return fmt.Errorf("job_id: %w", err)
	}
	if p.Get(ParamFileHandle) == "" {
		return errors.New("file_handle is required")
	}
	if p.Get(ParamFilename) == "" {
		return errors.New("filename is required")
	}
	return nil
}

// JobFactory builds the batch job that imports one submitted file.
type JobFactory struct {
	files    FileOpener
	records  RecordWriter
	settings Settings
	log      *zap.Logger
}

func NewJobFactory(files FileOpener, records RecordWriter, settings Settings, log *zap.Logger) *JobFactory {
	if log == nil {
		log = zap.NewNop()
	}
	if settings.Mode == "" {
		settings.Mode = ingest.ModeAggregate
	}
	return &JobFactory{files: files, records: records, settings: settings, log: log}
}

// Build returns a job of up to two steps: a full validation pass in
// aggregate mode, then the chunked import. Unknown import types and
// strategies are reported as batch.ErrInvalidParameters.
func (f *JobFactory) Build(params batch.Params) (*batch.Job, error) {
	if err := validateParams(params); err != nil {
		return nil, fmt.Errorf("%w: %v", batch.ErrInvalidParameters, err)
	}
	jobID := uuid.MustParse(params.Get(ParamJobID))

	schema, err := ingest.Lookup(params.Get(ParamImportType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", batch.ErrInvalidParameters, err)
	}
	log := f.log.With(zap.String("job_id", jobID.String()))
	strategy, err := ingest.NewStrategy(params.Get(ParamStrategy), f.settings.StrategyWorkers, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", batch.ErrInvalidParameters, err)
	}

	coord := ingest.NewCoordinator(schema, ingest.Config{
		Delimiter: f.settings.Delimiter,
		Mode:      f.settings.Mode,
		SkipLimit: f.settings.SkipLimit,
		Strategy:  strategy,
	}, log)

	src := source{files: f.files, handle: params.Get(ParamFileHandle), filename: params.Get(ParamFilename)}

	var steps []batch.Step
	if f.settings.Mode == ingest.ModeAggregate {
		steps = append(steps, batch.NewTaskletStep(StepValidate, func(ctx context.Context, se *batch.StepExecution) error {
			rc, err := src.open(ctx)
			if err != nil {
				return err
			}
			_, err = coord.Validate(ctx, src.filename, rc)
			return err
		}))
	}
	steps = append(steps, batch.NewChunkStep[entity.Record](StepImport,
		&importReader{coord: coord, src: src},
		recordWriter{jobID: jobID, w: f.records},
		f.settings.ChunkSize,
	))

	return batch.NewJob(JobName, steps...).ValidateParams(validateParams), nil
}

type source struct {
	files    FileOpener
	handle   string
	filename string
}

func (s source) open(ctx context.Context) (io.ReadCloser, error) {
	rc, err := s.files.Open(ctx, s.handle)
	if err != nil {
		return nil, &ingest.InfrastructureError{Op: "open", Filename: s.filename, Err: err}
	}
	return rc, nil
}

// importReader feeds coordinator output to a chunk step. Rows read and
// skipped go straight to the step counters; dedup drops are counted as
// filtered when the reader closes.
type importReader struct {
	coord *ingest.Coordinator
	src   source
	imp   *ingest.Import
}

func (r *importReader) Open(ctx context.Context, se *batch.StepExecution) (iter.Seq2[entity.Record, error], error) {
	rc, err := r.src.open(ctx)
	if err != nil {
		return nil, err
	}
	imp, err := r.coord.Open(ctx, r.src.filename, rc)
	if err != nil {
		return nil, err
	}
	imp.Observe(stepObserver{se: se})
	r.imp = imp
	return imp.Records(), nil
}

func (r *importReader) Close(ctx context.Context, se *batch.StepExecution) error {
	if r.imp == nil {
		return nil
	}
	c := r.imp.Counts()
	se.AddFilter(c.Valid - c.Emitted)
	return r.imp.Close()
}

type stepObserver struct {
	se *batch.StepExecution
}

func (o stepObserver) RowRead(int)                              { o.se.AddRead(1) }
func (o stepObserver) RowSkipped(int, []ingest.ValidationError) { o.se.AddSkip(1) }

type recordWriter struct {
	jobID uuid.UUID
	w     RecordWriter
}

func (w recordWriter) Write(ctx context.Context, records []entity.Record) error {
	return w.w.Write(ctx, w.jobID, records)
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"import-worker-service/internal/entity"
)

type ValidationMode string

const (
	// ModeAggregate expects a Validate pass before import; Records stops at the
	// first invalid row.
	ModeAggregate ValidationMode = "aggregate"
	// ModeSkip drops invalid rows and counts them until SkipLimit is exceeded.
	ModeSkip ValidationMode = "skip"
)

func ParseValidationMode(s string) (ValidationMode, error) {
	switch ValidationMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAggregate:
		return ModeAggregate, nil
	case ModeSkip:
		return ModeSkip, nil
	}
	return "", fmt.Errorf("unknown validation mode %q", s)
}

type Config struct {
	Delimiter rune
	Mode      ValidationMode
	// SkipLimit bounds skipped rows in ModeSkip; 0 means unbounded.
	SkipLimit int64
	Strategy  Strategy
	// Rules overrides DefaultRuleChain(schema).
	Rules *RuleChain
}

// Observer is told about every row the coordinator reads. Calls may come from
// a goroutine other than the consumer's.
type Observer interface {
	RowRead(line int)
	RowSkipped(line int, errs []ValidationError)
}

type noopObserver struct{}

func (noopObserver) RowRead(int)                       {}
func (noopObserver) RowSkipped(int, []ValidationError) {}

type Counts struct {
	Read    int64
	Valid   int64
	Skipped int64
	Emitted int64
}

// Coordinator turns a file into a lazy, validated record sequence for one schema.
type Coordinator struct {
	schema Schema
	rules  RuleChain
	cfg    Config
	log    *zap.Logger
}

func NewCoordinator(schema Schema, cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Delimiter == 0 {
		cfg.Delimiter = DefaultDelimiter
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAggregate
	}
	if cfg.Strategy == nil {
		cfg.Strategy = Identity
	}
	rules := DefaultRuleChain(schema)
	if cfg.Rules != nil {
		rules = *cfg.Rules
	}
	return &Coordinator{schema: schema, rules: rules, cfg: cfg, log: log.With(zap.String("schema", schema.Name))}
}

func (c *Coordinator) Schema() Schema { return c.schema }

// Import is one opened file. The header has been validated; rows have not
// been read yet.
type Import struct {
	Filename string

	c        *Coordinator
	ctx      context.Context
	header   Header
	reader   *Reader
	factory  *RecordFactory
	observer Observer
	logOnce  sync.Once

	read    atomic.Int64
	valid   atomic.Int64
	skipped atomic.Int64
	emitted atomic.Int64
}

// Open reads and validates the header. Schema errors are returned before any
// data row is read and the stream is closed.
func (c *Coordinator) Open(ctx context.Context, filename string, rc io.ReadCloser) (*Import, error) {
	reader, err := OpenReader(filename, rc, c.cfg.Delimiter)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	first, err := reader.Next()
	if errors.Is(err, io.EOF) {
		return nil, &HeaderError{Kind: HeaderEmpty}
	}
	if err != nil {
		_ = reader.Close()
		return nil, &InfrastructureError{Op: "read header", Filename: filename, Err: err}
	}
	header, err := ValidateHeader(first.Fields, c.schema)
	if err != nil {
		_ = reader.Close()
		c.log.Info("header rejected", zap.String("file", filename), zap.Error(err))
		return nil, err
	}
	return &Import{
		Filename: filename,
		c:        c,
		ctx:      ctx,
		header:   header,
		reader:   reader,
		factory:  NewRecordFactory(c.schema, header),
		observer: noopObserver{},
	}, nil
}

func (i *Import) Header() Header { return i.header }

// Observe must be called before Records is ranged over.
func (i *Import) Observe(o Observer) {
	if o != nil {
		i.observer = o
	}
}

func (i *Import) Counts() Counts {
	return Counts{
		Read:    i.read.Load(),
		Valid:   i.valid.Load(),
		Skipped: i.skipped.Load(),
		Emitted: i.emitted.Load(),
	}
}

// Close releases the stream if Records was never drained.
func (i *Import) Close() error { return i.reader.Close() }

// Records is the validated, mapped and strategy-transformed record sequence.
// The sequence is single-pass.
func (i *Import) Records() iter.Seq2[entity.Record, error] {
	return func(yield func(entity.Record, error) bool) {
		defer i.logTally()
		for rec, err := range i.c.cfg.Strategy(i.validated()) {
			if err != nil {
				yield(rec, err)
				return
			}
			i.emitted.Add(1)
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (i *Import) validated() iter.Seq2[entity.Record, error] {
	return func(yield func(entity.Record, error) bool) {
		for row, err := range i.reader.Rows() {
			if err != nil {
				yield(entity.Record{}, &InfrastructureError{Op: "read", Filename: i.Filename, Err: err})
				return
			}
			if err := i.ctx.Err(); err != nil {
				yield(entity.Record{}, err)
				return
			}
			if blankRow(row.Fields) {
				continue
			}
			i.read.Add(1)
			i.observer.RowRead(row.Line)

			errs, err := i.c.rules.Apply(i.rowContext(row))
			if err != nil {
				yield(entity.Record{}, err)
				return
			}
			if len(errs) > 0 {
				agg := &AggregatedValidationError{Filename: i.Filename, Errors: errs}
				if i.c.cfg.Mode != ModeSkip {
					yield(entity.Record{}, agg)
					return
				}
				n := i.skipped.Add(1)
				i.observer.RowSkipped(row.Line, errs)
				i.c.log.Debug("row skipped", zap.String("file", i.Filename), zap.Int("line", row.Line), zap.Error(agg))
				if limit := i.c.cfg.SkipLimit; limit > 0 && n > limit {
					yield(entity.Record{}, fmt.Errorf("%w: %d invalid rows, limit %d: %w", ErrSkipLimitExceeded, n, limit, agg))
					return
				}
				continue
			}
			i.valid.Add(1)
			if !yield(i.factory.Map(row.Fields, row.Line), nil) {
				return
			}
		}
	}
}

func (i *Import) rowContext(row Row) RowContext {
	return RowContext{Header: i.header, Values: row.Fields, Line: row.Line, Filename: i.Filename}
}

func (i *Import) logTally() {
	i.logOnce.Do(func() {
		n := i.Counts()
		i.c.log.Info("import sequence finished",
			zap.String("file", i.Filename),
			zap.Int64("read", n.Read),
			zap.Int64("processed", n.Emitted),
			zap.Int64("errors", n.Skipped),
			zap.Int64("filtered", n.Valid-n.Emitted),
		)
	})
}

// Validate scans the whole file and returns every row defect in one
// *AggregatedValidationError. A fatal rule still stops the scan.
func (c *Coordinator) Validate(ctx context.Context, filename string, rc io.ReadCloser) (Counts, error) {
	imp, err := c.Open(ctx, filename, rc)
	if err != nil {
		return Counts{}, err
	}
	defer imp.Close()

	var all []ValidationError
	for row, err := range imp.reader.Rows() {
		if err != nil {
			return imp.Counts(), &InfrastructureError{Op: "read", Filename: filename, Err: err}
		}
		if err := ctx.Err(); err != nil {
			return imp.Counts(), err
		}
		if blankRow(row.Fields) {
			continue
		}
		imp.read.Add(1)
		errs, err := c.rules.Apply(imp.rowContext(row))
		if err != nil {
			return imp.Counts(), err
		}
		if len(errs) > 0 {
			imp.skipped.Add(1)
			all = append(all, errs...)
			continue
		}
		imp.valid.Add(1)
	}

	counts := imp.Counts()
	c.log.Info("validation pass finished",
		zap.String("file", filename),
		zap.Int64("read", counts.Read),
		zap.Int64("invalid", counts.Skipped),
		zap.Int("errors", len(all)),
	)
	if len(all) > 0 {
		return counts, &AggregatedValidationError{Filename: filename, Errors: all}
	}
	return counts, nil
}

func blankRow(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

package batch

import (
	"context"
	"iter"

	"go.uber.org/multierr"
)

// TaskletStep runs a single function.
type TaskletStep struct {
	name string
	fn   func(ctx context.Context, se *StepExecution) error
}

func NewTaskletStep(name string, fn func(ctx context.Context, se *StepExecution) error) *TaskletStep {
	return &TaskletStep{name: name, fn: fn}
}

func (s *TaskletStep) Name() string { return s.name }

func (s *TaskletStep) Execute(ctx context.Context, se *StepExecution) error {
	return s.fn(ctx, se)
}

// ItemReader opens the item sequence of one step execution. Close is called
// once the step is done with the sequence, whatever the outcome.
type ItemReader[T any] interface {
	Open(ctx context.Context, se *StepExecution) (iter.Seq2[T, error], error)
	Close(ctx context.Context, se *StepExecution) error
}

// ItemWriter must not retain the slice.
type ItemWriter[T any] interface {
	Write(ctx context.Context, items []T) error
}

const DefaultChunkSize = 500

// ChunkStep reads items, groups them into chunks and hands every chunk to the
// writer. Chunk listeners are told about each committed chunk.
type ChunkStep[T any] struct {
	name   string
	reader ItemReader[T]
	writer ItemWriter[T]
	size   int
}

func NewChunkStep[T any](name string, reader ItemReader[T], writer ItemWriter[T], size int) *ChunkStep[T] {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &ChunkStep[T]{name: name, reader: reader, writer: writer, size: size}
}

func (s *ChunkStep[T]) Name() string { return s.name }

func (s *ChunkStep[T]) Execute(ctx context.Context, se *StepExecution) (err error) {
	seq, err := s.reader.Open(ctx, se)
	if err != nil {
		return multierr.Append(err, s.reader.Close(ctx, se))
	}
	defer func() {
		err = multierr.Append(err, s.reader.Close(ctx, se))
	}()

	chunk := make([]T, 0, s.size)
	var reportedSkips int64

	commit := func() error {
		written := int64(len(chunk))
		if written > 0 {
			if err := s.writer.Write(ctx, chunk); err != nil {
				return err
			}
			se.AddWrite(written)
			se.commit.Add(1)
			chunk = make([]T, 0, s.size)
		}
		skipped := se.SkipCount() - reportedSkips
		if written == 0 && skipped == 0 {
			return nil
		}
		reportedSkips += skipped
		for _, l := range se.chunkListeners() {
			l.AfterChunk(ctx, se, ChunkStats{Written: written, Skipped: skipped})
		}
		return nil
	}

	for item, err := range seq {
		if err != nil {
			return err
		}
		chunk = append(chunk, item)
		if len(chunk) >= s.size {
			if err := commit(); err != nil {
				return err
			}
		}
	}
	return commit()
}

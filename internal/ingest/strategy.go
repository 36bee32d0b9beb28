package ingest

import (
	"context"
	"fmt"
	"iter"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"import-worker-service/internal/entity"
)

// Strategy transforms the record sequence of one import.
type Strategy func(iter.Seq2[entity.Record, error]) iter.Seq2[entity.Record, error]

const (
	StrategyIdentity      = "identity"
	StrategyParallel      = "parallel"
	StrategyDedup         = "dedup"
	StrategyDedupParallel = "dedup-parallel"
)

func StrategyNames() []string {
	return []string{StrategyIdentity, StrategyParallel, StrategyDedup, StrategyDedupParallel}
}

// NewStrategy resolves a strategy by name. workers <= 0 means GOMAXPROCS.
func NewStrategy(name string, workers int, log *zap.Logger) (Strategy, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	switch name {
	case "", StrategyIdentity:
		return Identity, nil
	case StrategyParallel:
		return Parallel(workers), nil
	case StrategyDedup:
		return Dedup(log), nil
	case StrategyDedupParallel:
		return DedupParallel(workers, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

func Identity(seq iter.Seq2[entity.Record, error]) iter.Seq2[entity.Record, error] {
	return seq
}

// Dedup keeps the first record per key. Records without a key are dropped
// with a warning.
func Dedup(log *zap.Logger) Strategy {
	return func(seq iter.Seq2[entity.Record, error]) iter.Seq2[entity.Record, error] {
		return func(yield func(entity.Record, error) bool) {
			seen := newKeySet(log)
			for rec, err := range seq {
				if err != nil {
					yield(rec, err)
					return
				}
				if !seen.admit(rec) {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

// Parallel hands records to a bounded set of workers; output order is not
// preserved.
func Parallel(workers int) Strategy {
	return func(seq iter.Seq2[entity.Record, error]) iter.Seq2[entity.Record, error] {
		return fanOut(seq, workers, nil)
	}
}

// DedupParallel is Dedup evaluated inside the workers against a shared
// concurrent set; the first worker to claim a key wins.
func DedupParallel(workers int, log *zap.Logger) Strategy {
	return func(seq iter.Seq2[entity.Record, error]) iter.Seq2[entity.Record, error] {
		return func(yield func(entity.Record, error) bool) {
			seen := newKeySet(log)
			fanOut(seq, workers, seen.admit)(yield)
		}
	}
}

func fanOut(seq iter.Seq2[entity.Record, error], workers int, admit func(entity.Record) bool) iter.Seq2[entity.Record, error] {
	if workers <= 0 {
		workers = 1
	}
	return func(yield func(entity.Record, error) bool) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)

		in := make(chan entity.Record)
		out := make(chan entity.Record)

		g.Go(func() error {
			defer close(in)
			for rec, err := range seq {
				if err != nil {
					return err
				}
				select {
				case in <- rec:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})

		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			g.Go(func() error {
				defer wg.Done()
				for rec := range in {
					if admit != nil && !admit(rec) {
						continue
					}
					select {
					case out <- rec:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				return nil
			})
		}
		go func() {
			wg.Wait()
			close(out)
		}()

		for rec := range out {
			if !yield(rec, nil) {
				cancel()
				for range out {
				}
				_ = g.Wait()
				return
			}
		}
		if err := g.Wait(); err != nil {
			yield(entity.Record{}, err)
		}
	}
}

// keySet is scoped to one run of a strategy.
type keySet struct {
	keys sync.Map
	log  *zap.Logger
}

func newKeySet(log *zap.Logger) *keySet {
	if log == nil {
		log = zap.NewNop()
	}
	return &keySet{log: log}
}

func (s *keySet) admit(rec entity.Record) bool {
	code, ok := rec.Code()
	if !ok {
		s.log.Warn("dropping record without key", zap.Int("line", rec.Line()))
		return false
	}
	_, loaded := s.keys.LoadOrStore(code, struct{}{})
	return !loaded
}

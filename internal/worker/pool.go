package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"import-worker-service/internal/entity"
	"import-worker-service/internal/service"
)

// Handler processes one message; nil means it can be acknowledged.
type Handler interface {
	Process(ctx context.Context, msg entity.JobMessage) error
}

type Pool struct {
	queue      service.Queue
	handler    Handler
	workers    int
	claimWait  time.Duration
	heartbeat  time.Duration
	errBackoff time.Duration
	log        *zap.Logger
}

func NewPool(queue service.Queue, handler Handler, workers int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		queue:      queue,
		handler:    handler,
		workers:    workers,
		claimWait:  5 * time.Second,
		heartbeat:  time.Minute,
		errBackoff: time.Second,
		log:        log,
	}
}

// WithClaimWait sets how long one Claim call blocks.
func (p *Pool) WithClaimWait(d time.Duration) *Pool {
	if d > 0 {
		p.claimWait = d
	}
	return p
}

// WithHeartbeat sets how often a claim is renewed while its import runs. It
// must be well below the channel's visibility timeout.
func (p *Pool) WithHeartbeat(d time.Duration) *Pool {
	if d > 0 {
		p.heartbeat = d
	}
	return p
}

// Run claims until ctx is cancelled, then waits for in-flight imports. Those
// run on a context that is not cancelled with ctx so a shutdown does not turn
// them into failures.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("worker pool started", zap.Int("workers", p.workers))

	deliveries := make(chan service.Delivery)
	work := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	// N воркеров
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for d := range deliveries {
				p.handle(work, n, d)
			}
		}(i + 1)
	}

	defer func() {
		close(deliveries)
		wg.Wait()
		p.log.Info("worker pool stopped")
	}()

	// Listener: atomically claim from the channel
	for {
		if ctx.Err() != nil {
			return
		}
		d, err := p.queue.Claim(ctx, p.claimWait)
		switch {
		case err == nil:
		case errors.Is(err, service.ErrNoMessage), ctx.Err() != nil:
			continue
		case errors.Is(err, service.ErrMalformedMessage):
			p.log.Warn("malformed message dropped", zap.Error(err))
			continue
		default:
			p.log.Error("claim failed", zap.Error(err))
			select {
			case <-time.After(p.errBackoff):
			case <-ctx.Done():
			}
			continue
		}

		select {
		case deliveries <- d:
		case <-ctx.Done():
			// не подтверждено: reaper или сам канал вернут сообщение
			return
		}
	}
}

func (p *Pool) handle(ctx context.Context, n int, d service.Delivery) {
	log := p.log.With(zap.Int("worker", n), zap.String("job_id", d.Message.JobID.String()))

	stop := p.keepClaim(ctx, d, log)
	err := p.handler.Process(ctx, d.Message)
	stop()
	if errors.Is(err, ErrJobInProgress) {
		log.Info("job is running on another worker, message left for redelivery")
		return
	}
	if err != nil {
		// без ACK: сообщение будет доставлено повторно
		log.Error("process message", zap.Error(err))
		return
	}
	if err := p.queue.Ack(ctx, d); err != nil {
		log.Error("ack message", zap.Error(err))
	}
}

// keepClaim renews the claim on d every heartbeat until stop is called.
func (p *Pool) keepClaim(ctx context.Context, d service.Delivery, log *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(p.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := p.queue.Extend(ctx, d); err != nil && ctx.Err() == nil {
					log.Warn("extend claim", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// RunReaper periodically returns messages claimed longer than olderThan ago
// to the channel. It blocks until ctx is cancelled.
func RunReaper(ctx context.Context, r service.Reaper, every, olderThan time.Duration, max int64, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			moved, err := r.RequeueStale(ctx, olderThan, max)
			if err != nil {
				log.Error("requeue stale messages", zap.Error(err))
				continue
			}
			if moved > 0 {
				log.Info("requeued stale messages", zap.Int64("moved", moved))
			}
		}
	}
}

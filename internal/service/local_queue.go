package service

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"import-worker-service/internal/entity"
)

// LocalQueue is an in-process channel for the single-binary mode. Messages do
// not survive a restart and an unacked message is not redelivered.
type LocalQueue struct {
	ch      chan entity.JobMessage
	seq     atomic.Uint64
	mu      sync.Mutex
	pending map[string]entity.JobMessage
}

func NewLocalQueue(capacity int) *LocalQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &LocalQueue{
		ch:      make(chan entity.JobMessage, capacity),
		pending: make(map[string]entity.JobMessage),
	}
}

func (q *LocalQueue) Publish(ctx context.Context, msg entity.JobMessage) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *LocalQueue) Claim(ctx context.Context, wait time.Duration) (Delivery, error) {
	if wait <= 0 {
		wait = time.Second
	}
	t := time.NewTimer(wait)
	defer t.Stop()

	select {
	case msg := <-q.ch:
		handle := strconv.FormatUint(q.seq.Add(1), 10)
		q.mu.Lock()
		q.pending[handle] = msg
		q.mu.Unlock()
		return Delivery{Message: msg, Handle: handle}, nil
	case <-t.C:
		return Delivery{}, ErrNoMessage
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (q *LocalQueue) Ack(ctx context.Context, d Delivery) error {
	q.mu.Lock()
	delete(q.pending, d.Handle)
	q.mu.Unlock()
	return nil
}

// Extend is a no-op: an unacked local message is never redelivered.
func (q *LocalQueue) Extend(ctx context.Context, d Delivery) error { return nil }

// Unacked reports claimed messages that were never acknowledged.
func (q *LocalQueue) Unacked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Len reports messages waiting to be claimed.
func (q *LocalQueue) Len() int { return len(q.ch) }

// Package pipeline implements the admission path: two bounded queues and the
// decision worker pool that drains the inbound one.
//
// Both queues are bounded by design. The ingress layer must be able to
// reject with backpressure when the system cannot keep up instead of growing
// memory without limit.
package pipeline

import (
	"context"
	"errors"

	"signal-relay/pkg/types"
)

// ErrBackpressure is returned by TryPut when the queue is at capacity.
var ErrBackpressure = errors.New("queue at capacity")

// Queue is a bounded FIFO of signals backed by a buffered channel.
type Queue struct {
	name string
	ch   chan types.Signal
}

// NewQueue creates a bounded queue.
func NewQueue(name string, capacity int) *Queue {
	return &Queue{name: name, ch: make(chan types.Signal, capacity)}
}

// TryPut enqueues without blocking; ErrBackpressure when full.
func (q *Queue) TryPut(sig types.Signal) error {
	select {
	case q.ch <- sig:
		return nil
	default:
		return ErrBackpressure
	}
}

// Put enqueues, blocking until space frees up or ctx is cancelled.
func (q *Queue) Put(ctx context.Context, sig types.Signal) error {
	select {
	case q.ch <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take dequeues, blocking until an item arrives or ctx is cancelled.
func (q *Queue) Take(ctx context.Context) (types.Signal, error) {
	select {
	case sig := <-q.ch:
		return sig, nil
	case <-ctx.Done():
		return types.Signal{}, ctx.Err()
	}
}

// TryTake dequeues without blocking; false when empty. Used by the drain
// loop at shutdown.
func (q *Queue) TryTake() (types.Signal, bool) {
	select {
	case sig := <-q.ch:
		return sig, true
	default:
		return types.Signal{}, false
	}
}

// Len returns the number of queued signals.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Name returns the queue's display name.
func (q *Queue) Name() string { return q.name }

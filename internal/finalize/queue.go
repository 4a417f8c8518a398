// Package finalize is the asynchronous pipeline that turns a confirmed
// upload into a durable song asset: it fetches the object, validates the
// content, extracts metadata, and commits the result in one transaction.
package finalize

import (
	"context"
	"errors"
)

// Job is one finalize request. Delivery is at-least-once; the worker's
// idempotency check absorbs duplicates.
type Job struct {
	SessionID string
}

// ErrQueueFull is returned when the queue cannot accept more jobs.
var ErrQueueFull = errors.New("finalize queue full")

// MemoryQueue is an in-process, channel-backed job queue. The external task
// runner is an interface boundary: swapping in a broker-backed queue is a
// constructor change in main.
type MemoryQueue struct {
	jobs chan Job
}

// NewMemoryQueue creates a queue holding up to size undelivered jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{jobs: make(chan Job, size)}
}

// Enqueue hands a session to the pipeline. Never blocks: a full queue is
// reported to the caller instead of stalling the request path.
func (q *MemoryQueue) Enqueue(ctx context.Context, sessionID string) error {
	select {
	case q.jobs <- Job{SessionID: sessionID}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Jobs exposes the delivery channel consumed by the worker pool.
func (q *MemoryQueue) Jobs() <-chan Job {
	return q.jobs
}

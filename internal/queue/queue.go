// Package queue defines the hand-off between the keyword feeder and the
// search worker pool.
package queue

import (
	"context"
	"errors"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

// ErrClosed is returned by Dequeue once the queue has been closed and
// drained.
var ErrClosed = errors.New("queue closed")

// Task is one keyword search assignment for a worker.
type Task struct {
	Platform  crawl.Platform
	KeywordID string
}

// Queue moves tasks from the feeder to the worker pool. Enqueue blocks
// while the queue is full, which is the backpressure that stops the feeder
// from leasing more keywords than the pool can absorb.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
	Close()
}

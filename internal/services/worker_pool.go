package services

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// WorkerPool bounds the fan-out of per-record store calls
type WorkerPool struct {
	maxWorkers     int
	activeWorkers  int32
	processedTasks int64
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &WorkerPool{maxWorkers: maxWorkers}
}

// Each calls fn for every index in [0, n) with at most maxWorkers calls in
// flight. The first error cancels the context handed to the remaining calls
// and is returned once all of them have finished.
func (wp *WorkerPool) Each(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(wp.maxWorkers)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			atomic.AddInt32(&wp.activeWorkers, 1)
			defer atomic.AddInt32(&wp.activeWorkers, -1)
			defer atomic.AddInt64(&wp.processedTasks, 1)

			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	return g.Wait()
}

// GetStats returns worker pool statistics
func (wp *WorkerPool) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"active_workers":  atomic.LoadInt32(&wp.activeWorkers),
		"processed_tasks": atomic.LoadInt64(&wp.processedTasks),
		"max_workers":     wp.maxWorkers,
	}
}

// Package dispatcher manages worker fan-out over the check queue.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/worker"
)

// DefaultPoolSize is the worker count used when none is configured.
const DefaultPoolSize = 16

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   monitor.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher over prebuilt workers.
func New(queue monitor.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// NewPool builds size workers sharing queue, checker and tracker.
func NewPool(
	size int,
	queue monitor.Queue,
	checker worker.Checker,
	tracker worker.Tracker,
	logger *zap.Logger,
) *Dispatcher {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*worker.Worker, 0, size)
	for i := 0; i < size; i++ {
		workers = append(workers, worker.New(i, queue, checker, tracker, logger))
	}
	return New(queue, workers)
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes and every
// in-flight check has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

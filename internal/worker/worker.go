// Package worker implements the check execution loop fed by the scheduler queue.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/runner"
)

// Checker runs a single resource check.
type Checker interface {
	Check(ctx context.Context, resourceID string) (runner.Result, error)
}

// Tracker is notified when a queued resource starts and finishes running.
type Tracker interface {
	Started(resourceID string)
	Complete(resourceID string)
}

// Worker consumes queue items and runs checks.
type Worker struct {
	id      int
	queue   monitor.Queue
	checker Checker
	tracker Tracker
	logger  *zap.Logger
}

// New constructs a Worker. tracker may be nil.
func New(id int, queue monitor.Queue, checker Checker, tracker Tracker, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		checker: checker,
		tracker: tracker,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, monitor.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued resource", zap.String("resource_id", item.ResourceID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item monitor.QueueItem) {
	if w.tracker != nil {
		w.tracker.Started(item.ResourceID)
		defer w.tracker.Complete(item.ResourceID)
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("check panicked",
				zap.String("resource_id", item.ResourceID),
				zap.Error(fmt.Errorf("panic: %v", r)),
			)
		}
	}()

	result, err := w.checker.Check(ctx, item.ResourceID)
	if err != nil {
		// The runner already logged the failure with its status.
		return
	}
	if result.Skipped {
		w.logger.Debug("check skipped",
			zap.String("resource_id", item.ResourceID),
			zap.String("reason", result.SkipReason),
		)
	}
}

package hookrelay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrWorkPending tells a BaseWorker to run its function again without waiting
// for the next tick, e.g. after a consumer received a full batch.
var ErrWorkPending = errors.New("more work pending")

// Worker is a long-running unit managed by a Dispatcher.
type Worker interface {
	// Start blocks until ctx is done or Stop is called.
	Start(ctx context.Context)
	Stop()
	Name() string
}

// BaseWorker runs a function on a fixed interval and waits for the current run on Stop.
type BaseWorker struct {
	name     string
	interval time.Duration
	logger   *zap.Logger
	workFunc func(ctx context.Context) error

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

var _ Worker = (*BaseWorker)(nil)

func NewBaseWorker(name string, interval time.Duration, logger *zap.Logger, workFunc func(ctx context.Context) error) *BaseWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &BaseWorker{
		name:     name,
		interval: interval,
		logger:   logger.With(zap.String("worker", name)),
		workFunc: workFunc,
		stopChan: make(chan struct{}),
	}
}

func (w *BaseWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("Worker already started")
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("Worker starting", zap.Duration("interval", w.interval))
	defer w.logger.Info("Worker finished")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Context cancelled, worker stopping")
			return
		case <-w.stopChan:
			w.logger.Info("Stop signal received, worker stopping")
			return
		case <-ticker.C:
			for w.runOnce(ctx) {
			}
		}
	}
}

// runOnce executes workFunc and reports whether it should run again immediately.
func (w *BaseWorker) runOnce(ctx context.Context) bool {
	// Stop may have been called between the tick and now.
	select {
	case <-w.stopChan:
		return false
	case <-ctx.Done():
		return false
	default:
	}

	w.wg.Add(1)
	defer w.wg.Done()

	err := w.workFunc(ctx)
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrWorkPending):
		return true
	default:
		w.logger.Error("Worker function failed", zap.Error(err))
		return false
	}
}

// Stop signals the loop to exit and waits for an in-progress run. Safe to call more than once.
func (w *BaseWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.RLock()
		defer w.mu.RUnlock()
		if !w.started {
			return
		}
		close(w.stopChan)
		w.wg.Wait()
	})
}

func (w *BaseWorker) Name() string {
	return w.name
}

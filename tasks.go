package abuse_guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// taskRunner runs fire-and-forget side effects (alerts, error reports) on a
// fixed set of workers. Submitting never blocks: a full queue drops the task.
type taskRunner struct {
	mu      sync.RWMutex
	closed  bool
	queue   chan task
	wg      sync.WaitGroup
	timeout time.Duration
	logger  *zap.Logger
}

func newTaskRunner(workers, size int, timeout time.Duration, logger *zap.Logger) *taskRunner {
	r := &taskRunner{
		queue:   make(chan task, size),
		timeout: timeout,
		logger:  logger,
	}

	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.work()
	}

	return r
}

func (r *taskRunner) submit(name string, fn func(ctx context.Context) error) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	select {
	case r.queue <- task{name: name, fn: fn}:
		return true
	default:
		r.logger.Warn("background queue full, dropping task", zap.String("task", name))
		return false
	}
}

func (r *taskRunner) work() {
	defer r.wg.Done()

	for t := range r.queue {
		if err := r.run(t); err != nil {
			r.logger.Warn("background task failed", zap.String("task", t.name), zap.Error(err))
		}
	}
}

func (r *taskRunner) run(t task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in task %v: %v", t.name, p)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	return t.fn(ctx)
}

// close stops accepting tasks and waits for queued ones to finish.
func (r *taskRunner) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}

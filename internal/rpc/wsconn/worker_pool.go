package wsconn

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/jsonrpc2/internal/monitoring"
)

// task is one unit of concurrent dispatch work: decode one frame Item,
// invoke its handler, and hand the serialized response to the connection's
// write side.
type task func()

// workerPool bounds how many calls a single connection dispatches
// concurrently: a fixed worker count draining a bounded queue, so one slow
// method never blocks the read loop while a burst of calls cannot spawn an
// unbounded number of goroutines either.
type workerPool struct {
	workerCount  int
	taskQueue    chan task
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

func newWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *workerPool {
	return &workerPool{
		workerCount: workerCount,
		taskQueue:   make(chan task, queueSize),
		logger:      logger,
	}
}

func (wp *workerPool) start(ctx context.Context) {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx)
	}
}

func (wp *workerPool) worker(ctx context.Context) {
	defer wp.wg.Done()
	for {
		select {
		case t, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			monitoring.WorkerQueueDepth.Set(float64(len(wp.taskQueue)))
			wp.run(t)
		case <-ctx.Done():
			return
		}
	}
}

func (wp *workerPool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("wsconn worker panic recovered")
		}
	}()
	t()
}

// submit enqueues t, or runs it synchronously in the caller's goroutine if
// the queue is full. A call cannot be silently dropped without violating
// the one-response-per-request invariant, so the overflow fallback is
// synchronous execution rather than discard.
func (wp *workerPool) submit(t task) {
	select {
	case wp.taskQueue <- t:
		monitoring.WorkerQueueDepth.Set(float64(len(wp.taskQueue)))
	default:
		atomic.AddInt64(&wp.droppedTasks, 1)
		wp.run(t)
	}
}

func (wp *workerPool) stop() {
	close(wp.taskQueue)
	wp.wg.Wait()
}

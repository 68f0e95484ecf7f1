// Package workers provides a bounded worker pool for pipeline fan-out.
package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of work executed on a pool worker.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute runs the function.
func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// ErrPoolStopped is returned when submitting to a stopped pool.
var ErrPoolStopped = errors.New("worker pool is stopped")

// ErrQueueFull is returned when the task queue is at capacity.
var ErrQueueFull = errors.New("task queue is full")

type job struct {
	task Task
	done chan error
}

// Pool executes tasks on a fixed number of workers. The ingestion pipeline
// uses one worker per instrument so per-instrument work stays sequential
// while instruments proceed in parallel.
type Pool struct {
	logger  *zap.Logger
	workers int

	queue   chan job
	wg      sync.WaitGroup
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates and starts a pool with the given worker count and
// queue capacity.
func NewPool(logger *zap.Logger, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:  logger,
		workers: workers,
		queue:   make(chan job, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.running.Store(true)

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("worker_id", id))

	for {
		select {
		case <-p.ctx.Done():
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			err := p.execute(j.task, log)
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			j.done <- err
		}
	}
}

func (p *Pool) execute(task Task, log *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker recovered from panic", zap.Any("panic", r))
			err = errors.New("task panicked")
		}
	}()
	return task.Execute(p.ctx)
}

// Submit enqueues a task and returns a channel delivering its result.
func (p *Pool) Submit(task Task) (<-chan error, error) {
	if !p.running.Load() {
		return nil, ErrPoolStopped
	}

	done := make(chan error, 1)
	select {
	case p.queue <- job{task: task, done: done}:
		p.submitted.Add(1)
		return done, nil
	default:
		return nil, ErrQueueFull
	}
}

// SubmitFunc enqueues a function as a task.
func (p *Pool) SubmitFunc(fn func(ctx context.Context) error) (<-chan error, error) {
	return p.Submit(TaskFunc(fn))
}

// Stop cancels in-flight tasks and waits for the workers to exit.
func (p *Pool) Stop() {
	if !p.running.Swap(false) {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// Stats returns submitted/completed/failed counters.
func (p *Pool) Stats() (submitted, completed, failed int64) {
	return p.submitted.Load(), p.completed.Load(), p.failed.Load()
}

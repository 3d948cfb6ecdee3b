// Package executor runs tasks on a bounded set of worker goroutines without
// ever rejecting a submission for lack of capacity.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrExecutorClosed = errors.New("executor is closed")

// Task is a unit of work. The context is canceled when a shutdown deadline
// expires before the task finishes.
type Task func(ctx context.Context) error

type Config struct {
	MaxConcurrency int
	// ErrorHook receives every error returned or panic raised by a task.
	ErrorHook func(err error)
	Logger    *zerolog.Logger
}

type Stats struct {
	Running int
	Queued  int
	// Completed counts every finished task. Failed is the subset that
	// returned an error or panicked.
	Completed uint64
	Failed    uint64
}

// Executor keeps zero idle workers. A worker goroutine is started on
// admission only while fewer than MaxConcurrency are live; otherwise the task
// waits in an unbounded FIFO queue that live workers drain before exiting.
type Executor struct {
	cfg    Config
	logger zerolog.Logger

	// admitMu serializes admission so tasks enter in submission order.
	admitMu sync.Mutex

	mu     sync.Mutex
	queue  []Task
	live   int
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	completed atomic.Uint64
	failed    atomic.Uint64
}

func New(cfg Config) *Executor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:    cfg,
		logger: logger.With().Str("component", "executor").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit admits task for execution. It never blocks on task completion and
// only fails once Shutdown has been called.
func (e *Executor) Submit(task Task) error {
	if task == nil {
		return errors.New("task is required")
	}

	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	if e.live < e.cfg.MaxConcurrency {
		e.live++
		e.wg.Add(1)
		go e.worker(task)
		return nil
	}
	e.queue = append(e.queue, task)
	return nil
}

func (e *Executor) worker(first Task) {
	defer e.wg.Done()

	next := first
	for next != nil {
		e.run(next)
		next = e.dequeue()
	}
}

// dequeue hands the worker the next queued task, or retires the worker when
// the queue is empty.
func (e *Executor) dequeue() Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		e.live--
		return nil
	}
	task := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return task
}

func (e *Executor) run(task Task) {
	defer e.completed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			e.report(fmt.Errorf("task panicked: %v", r))
		}
	}()
	if err := task(e.ctx); err != nil {
		e.report(err)
	}
}

func (e *Executor) report(err error) {
	e.failed.Add(1)
	if e.cfg.ErrorHook != nil {
		e.cfg.ErrorHook(err)
		return
	}
	e.logger.Warn().Err(err).Msg("executor task failed")
}

// Shutdown stops admission and waits for every admitted task, including
// queued ones. When ctx expires first, running tasks see their context
// canceled and ctx.Err() is returned.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.admitMu.Lock()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.admitMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}
}

func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Running:   e.live,
		Queued:    len(e.queue),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
	}
}

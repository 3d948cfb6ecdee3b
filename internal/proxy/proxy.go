// Package proxy serializes access to a single remote unit.
//
// Ordinary calls go through a FIFO queue drained by one goroutine, so no two
// operations ever run concurrently against the same unit. Ping is an
// out-of-band channel that is answered even while a long operation holds the
// queue.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrCreationFailed  = errors.New("remote unit creation failed")
	ErrNotCreated      = errors.New("remote unit is not created")
	ErrPingError       = errors.New("remote unit ping failed")
	ErrPingTimeout     = errors.New("remote unit ping timed out")
	ErrOperationFailed = errors.New("remote unit operation failed")
	ErrTerminated      = errors.New("proxy is terminated")
)

// Unit is the capability set a concrete remote unit implements. Ping must be
// safe to call concurrently with an operation in progress.
type Unit interface {
	Create(ctx context.Context) error
	Ping(ctx context.Context) (bool, error)
	Terminate(ctx context.Context) error
}

type Operation[U Unit] func(ctx context.Context, unit U) (any, error)

// ActivityListener is told when a proxy goes from idle to busy and back.
type ActivityListener interface {
	ActivityStarted(proxyID string)
	ActivityFinished(proxyID string)
}

type Options struct {
	ID       string
	Listener ActivityListener
	// ErrorHandler receives failures of async and one-way operations. When
	// nil they are logged.
	ErrorHandler     func(err error)
	TerminateTimeout time.Duration
	Logger           *zerolog.Logger
}

type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Queued    int
}

type result struct {
	value any
	err   error
}

type call[U Unit] struct {
	op     Operation[U]
	ctx    context.Context
	done   chan result
	oneWay bool
}

type Proxy[U Unit] struct {
	id     string
	unit   U
	opts   Options
	logger zerolog.Logger

	createOnce sync.Once
	createErr  error
	created    atomic.Bool

	mu      sync.Mutex
	pending []*call[U]
	closing bool
	wake    chan struct{}
	drained chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	terminateOnce sync.Once

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

func New[U Unit](unit U, opts Options) *Proxy[U] {
	if strings.TrimSpace(opts.ID) == "" {
		opts.ID = "proxy-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = 10 * time.Second
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Proxy[U]{
		id:      opts.ID,
		unit:    unit,
		opts:    opts,
		logger:  logger.With().Str("component", "proxy").Str("proxy_id", opts.ID).Logger(),
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *Proxy[U]) ID() string {
	return p.id
}

// Unit returns the wrapped unit. Callers must not use it to bypass the queue
// for anything other than read-only inspection.
func (p *Proxy[U]) Unit() U {
	return p.unit
}

// Create builds the remote unit. Only the first call does any work; later
// calls return its outcome.
func (p *Proxy[U]) Create(ctx context.Context) error {
	p.createOnce.Do(func() {
		if err := p.unit.Create(ctx); err != nil {
			p.createErr = fmt.Errorf("%w: %w", ErrCreationFailed, err)
			p.logger.Error().Err(err).Msg("remote unit creation failed")
			return
		}
		p.created.Store(true)
		go p.drain()
	})
	return p.createErr
}

func (p *Proxy[U]) CallAsync(op Operation[U]) error {
	return p.enqueue(&call[U]{op: op, ctx: context.Background()})
}

// CallOneWay queues op and forgets it. Failures still reach the error
// handler.
func (p *Proxy[U]) CallOneWay(op Operation[U]) error {
	return p.enqueue(&call[U]{op: op, ctx: context.Background(), oneWay: true})
}

// CallSync queues op behind every earlier call and blocks until it finishes.
// If ctx ends first the caller gets ctx.Err() and the operation is skipped
// when it has not started yet.
func (p *Proxy[U]) CallSync(ctx context.Context, op Operation[U]) (any, error) {
	c := &call[U]{op: op, ctx: ctx, done: make(chan result, 1)}
	if err := p.enqueue(c); err != nil {
		return nil, err
	}
	select {
	case res := <-c.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call is CallSync with a typed result.
func Call[U Unit, R any](ctx context.Context, p *Proxy[U], fn func(ctx context.Context, unit U) (R, error)) (R, error) {
	return Result[R](p.CallSync(ctx, func(ctx context.Context, unit U) (any, error) {
		return fn(ctx, unit)
	}))
}

// Result types the outcome of CallSync. A nil value maps to the zero R; a
// value of another type is an operation failure.
func Result[R any](out any, err error) (R, error) {
	var zero R
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	typed, ok := out.(R)
	if !ok {
		return zero, fmt.Errorf("%w: result is %T, want %T", ErrOperationFailed, out, zero)
	}
	return typed, nil
}

func (p *Proxy[U]) enqueue(c *call[U]) error {
	if c.op == nil {
		return errors.New("operation is required")
	}
	if !p.created.Load() {
		return ErrNotCreated
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return ErrTerminated
	}
	p.pending = append(p.pending, c)
	p.mu.Unlock()

	p.submitted.Add(1)
	p.signal()
	return nil
}

func (p *Proxy[U]) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Ping checks the unit outside the call queue. A unit that does not answer
// before ctx ends yields ErrPingTimeout.
func (p *Proxy[U]) Ping(ctx context.Context) (bool, error) {
	if !p.created.Load() {
		return false, ErrNotCreated
	}

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("ping panicked: %v", r)}
			}
		}()
		alive, err := p.unit.Ping(ctx)
		done <- result{value: alive, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return false, fmt.Errorf("%w: %w", ErrPingTimeout, res.err)
			}
			return false, fmt.Errorf("%w: %w", ErrPingError, res.err)
		}
		alive, _ := res.value.(bool)
		return alive, nil
	case <-ctx.Done():
		return false, fmt.Errorf("%w: %w", ErrPingTimeout, ctx.Err())
	}
}

// Terminate shuts the unit down. With immediate set the running operation's
// context is canceled and queued calls fail with ErrTerminated; otherwise the
// queue drains first. Only the first call has any effect.
func (p *Proxy[U]) Terminate(ctx context.Context, immediate bool) error {
	var err error
	p.terminateOnce.Do(func() {
		err = p.terminate(ctx, immediate)
	})
	return err
}

func (p *Proxy[U]) terminate(ctx context.Context, immediate bool) error {
	p.mu.Lock()
	p.closing = true
	var abandoned []*call[U]
	if immediate {
		abandoned = p.pending
		p.pending = nil
	}
	p.mu.Unlock()

	if !p.created.Load() {
		p.cancel()
		return nil
	}

	if immediate {
		p.cancel()
		for _, c := range abandoned {
			if c.done != nil {
				c.done <- result{err: ErrTerminated}
			}
		}
		if len(abandoned) > 0 {
			p.logger.Debug().Int("abandoned", len(abandoned)).Msg("proxy abandoned queued operations")
		}
		p.signal()
	} else {
		p.signal()
		select {
		case <-p.drained:
		case <-ctx.Done():
			p.cancel()
			return ctx.Err()
		}
		p.cancel()
	}

	termCtx, cancel := context.WithTimeout(ctx, p.opts.TerminateTimeout)
	defer cancel()
	if err := p.unit.Terminate(termCtx); err != nil {
		return fmt.Errorf("terminate remote unit: %w", err)
	}
	return nil
}

func (p *Proxy[U]) Stats() Stats {
	p.mu.Lock()
	queued := len(p.pending)
	p.mu.Unlock()
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Queued:    queued,
	}
}

func (p *Proxy[U]) drain() {
	defer close(p.drained)

	busy := false
	for {
		next, exit := p.next()
		if next == nil {
			if busy {
				busy = false
				if p.opts.Listener != nil {
					p.opts.Listener.ActivityFinished(p.id)
				}
			}
			if exit {
				return
			}
			<-p.wake
			continue
		}
		if !busy {
			busy = true
			if p.opts.Listener != nil {
				p.opts.Listener.ActivityStarted(p.id)
			}
		}
		p.execute(next)
	}
}

func (p *Proxy[U]) next() (*call[U], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) > 0 {
		c := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		return c, false
	}
	return nil, p.closing
}

func (p *Proxy[U]) execute(c *call[U]) {
	if err := c.ctx.Err(); err != nil {
		p.finish(c, result{err: err})
		return
	}

	ctx, cancel := context.WithCancel(p.ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	res := p.invoke(ctx, c.op)
	p.finish(c, res)
}

func (p *Proxy[U]) invoke(ctx context.Context, op Operation[U]) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res = result{err: fmt.Errorf("%w: panic: %v", ErrOperationFailed, r)}
		}
	}()
	value, err := op(ctx, p.unit)
	if err != nil {
		return result{err: fmt.Errorf("%w: %w", ErrOperationFailed, err)}
	}
	return result{value: value}
}

func (p *Proxy[U]) finish(c *call[U], res result) {
	p.completed.Add(1)
	if res.err != nil {
		p.failed.Add(1)
	}
	if c.done != nil {
		c.done <- res
		return
	}
	if res.err == nil {
		return
	}
	if p.opts.ErrorHandler != nil {
		p.opts.ErrorHandler(res.err)
		return
	}
	p.logger.Warn().Err(res.err).Bool("one_way", c.oneWay).Msg("async operation failed")
}

// Package pinger health-checks one target on a private goroutine and reports
// the first failure to a listener.
package pinger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyStarted = errors.New("pinger already started")
	ErrStopped        = errors.New("pinger is stopped")
)

type State int32

const (
	StateIdle State = iota
	StateWaiting
	StateProbing
	StateFailedFalse
	StateFailedError
	StateFailedTimeout
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateProbing:
		return "probing"
	case StateFailedFalse:
		return "failed_false"
	case StateFailedError:
		return "failed_error"
	case StateFailedTimeout:
		return "failed_timeout"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Target interface {
	Ping(ctx context.Context) (bool, error)
}

// Listener receives at most one call over a pinger's lifetime.
type Listener interface {
	OnPingFalse(name string)
	OnPingError(name string, err error)
	OnPingTimeout(name string)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are ignored.
type ListenerFuncs struct {
	False   func(name string)
	Error   func(name string, err error)
	Timeout func(name string)
}

func (f ListenerFuncs) OnPingFalse(name string) {
	if f.False != nil {
		f.False(name)
	}
}

func (f ListenerFuncs) OnPingError(name string, err error) {
	if f.Error != nil {
		f.Error(name, err)
	}
}

func (f ListenerFuncs) OnPingTimeout(name string) {
	if f.Timeout != nil {
		f.Timeout(name)
	}
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zerolog.Logger
}

type Pinger struct {
	name     string
	target   Target
	listener Listener
	cfg      Config
	logger   zerolog.Logger

	state   atomic.Int32
	failure atomic.Int32
	pending atomic.Bool
	started atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func New(name string, target Target, listener Listener, cfg Config) *Pinger {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Pinger{
		name:     name,
		target:   target,
		listener: listener,
		cfg:      cfg,
		logger:   logger.With().Str("component", "pinger").Str("target", name).Logger(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *Pinger) Name() string {
	return p.name
}

func (p *Pinger) State() State {
	return State(p.state.Load())
}

// Failure returns the failed state the pinger ended in, or StateIdle when no
// failure was reported.
func (p *Pinger) Failure() State {
	return State(p.failure.Load())
}

// Pending reports whether a ping is outstanding.
func (p *Pinger) Pending() bool {
	return p.pending.Load()
}

func (p *Pinger) Start() error {
	if p.isStopped() {
		return ErrStopped
	}
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	p.state.Store(int32(StateWaiting))
	go p.run()
	return nil
}

// Stop ends the loop. A ping in flight is abandoned and its outcome never
// reaches the listener. With wait set Stop returns only after the loop has
// exited, so it must not be called with wait from inside a listener callback.
func (p *Pinger) Stop(wait bool) {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	if !p.started.Load() {
		p.state.Store(int32(StateStopped))
		return
	}
	if wait {
		<-p.done
	}
}

func (p *Pinger) isStopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Pinger) run() {
	defer close(p.done)
	defer p.state.Store(int32(StateStopped))

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
		if p.isStopped() {
			return
		}
		if !p.round() {
			return
		}
		p.state.Store(int32(StateWaiting))
		ticker.Reset(p.cfg.Interval)
	}
}

type outcome struct {
	alive bool
	err   error
}

// round runs one ping and reports whether the loop should continue.
func (p *Pinger) round() bool {
	p.state.Store(int32(StateProbing))
	p.pending.Store(true)
	defer p.pending.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	results := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- outcome{err: fmt.Errorf("ping panicked: %v", r)}
			}
		}()
		alive, err := p.target.Ping(ctx)
		results <- outcome{alive: alive, err: err}
	}()

	var res outcome
	timedOut := false
	select {
	case <-p.stopCh:
		return false
	case res = <-results:
	case <-ctx.Done():
		timedOut = true
	}

	// A stop that raced with the outcome wins.
	if p.isStopped() {
		return false
	}

	switch {
	case timedOut || errors.Is(res.err, context.DeadlineExceeded):
		p.fail(StateFailedTimeout)
		p.logger.Warn().Dur("timeout", p.cfg.Timeout).Msg("ping timed out")
		p.notify(func() { p.listener.OnPingTimeout(p.name) })
		return false
	case res.err != nil:
		p.fail(StateFailedError)
		p.logger.Warn().Err(res.err).Msg("ping failed")
		p.notify(func() { p.listener.OnPingError(p.name, res.err) })
		return false
	case !res.alive:
		p.fail(StateFailedFalse)
		p.logger.Warn().Msg("ping returned false")
		p.notify(func() { p.listener.OnPingFalse(p.name) })
		return false
	}
	return true
}

func (p *Pinger) fail(state State) {
	p.failure.Store(int32(state))
	p.state.Store(int32(state))
}

func (p *Pinger) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("ping listener panicked")
		}
	}()
	fn()
}

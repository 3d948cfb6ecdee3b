package pinger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedTarget struct {
	mu    sync.Mutex
	alive bool
	err   error
	hang  bool
	calls int
}

func (s *scriptedTarget) Ping(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.calls++
	alive, err, hang := s.alive, s.err, s.hang
	s.mu.Unlock()

	if hang {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return alive, err
}

func (s *scriptedTarget) set(fn func(*scriptedTarget)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *scriptedTarget) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingListener struct {
	falses   atomic.Int32
	errs     atomic.Int32
	timeouts atomic.Int32
	lastErr  atomic.Value
}

func (r *recordingListener) OnPingFalse(string) { r.falses.Add(1) }
func (r *recordingListener) OnPingError(_ string, err error) {
	r.lastErr.Store(err)
	r.errs.Add(1)
}
func (r *recordingListener) OnPingTimeout(string) { r.timeouts.Add(1) }

func (r *recordingListener) total() int32 {
	return r.falses.Load() + r.errs.Load() + r.timeouts.Load()
}

func TestHealthyTargetNeverNotifies(t *testing.T) {
	target := &scriptedTarget{alive: true}
	listener := &recordingListener{}
	p := New("node-a", target, listener, Config{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond})
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return target.Calls() >= 5 }, time.Second, 5*time.Millisecond)
	p.Stop(true)

	assert.Equal(t, int32(0), listener.total())
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, StateIdle, p.Failure())
}

func TestFalseResultNotifiesExactlyOnce(t *testing.T) {
	target := &scriptedTarget{alive: false}
	listener := &recordingListener{}
	p := New("node-a", target, listener, Config{Interval: 5 * time.Millisecond, Timeout: 50 * time.Millisecond})
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return p.State() == StateStopped }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), listener.falses.Load())
	assert.Equal(t, int32(1), listener.total())
	assert.Equal(t, 1, target.Calls(), "no further rounds after a failure")
	assert.Equal(t, StateFailedFalse, p.Failure())
}

func TestErrorNotifiesOnceAndCarriesCause(t *testing.T) {
	cause := errors.New("connection reset")
	target := &scriptedTarget{alive: true}
	listener := &recordingListener{}
	p := New("node-a", target, listener, Config{Interval: 5 * time.Millisecond, Timeout: 50 * time.Millisecond})
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return target.Calls() >= 2 }, time.Second, time.Millisecond)
	target.set(func(s *scriptedTarget) { s.err = cause })

	require.Eventually(t, func() bool { return listener.errs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), listener.total())
	assert.ErrorIs(t, listener.lastErr.Load().(error), cause)
	assert.Equal(t, StateFailedError, p.Failure())
}

func TestHangingTargetTimesOutOnce(t *testing.T) {
	target := &scriptedTarget{hang: true}
	listener := &recordingListener{}
	p := New("node-a", target, listener, Config{Interval: 5 * time.Millisecond, Timeout: 40 * time.Millisecond})
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return listener.timeouts.Load() == 1 }, time.Second, 5*time.Millisecond)
	p.Stop(true)
	assert.Equal(t, int32(1), listener.total())
	assert.Equal(t, StateFailedTimeout, p.Failure())
}

func TestStopSuppressesOutstandingTimeout(t *testing.T) {
	target := &scriptedTarget{hang: true}
	listener := &recordingListener{}
	p := New("node-a", target, listener, Config{Interval: 10 * time.Millisecond, Timeout: 500 * time.Millisecond})
	require.NoError(t, p.Start())

	require.Eventually(t, p.Pending, time.Second, time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	p.Stop(true)

	// Wait past the point where the ping would have timed out.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(0), listener.timeouts.Load())
	assert.Equal(t, int32(0), listener.errs.Load())
	assert.Equal(t, int32(0), listener.falses.Load())
	assert.Equal(t, StateStopped, p.State())
}

func TestStartAndStopAreGuarded(t *testing.T) {
	p := New("node-a", &scriptedTarget{alive: true}, nil, Config{Interval: time.Hour})
	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), ErrAlreadyStarted)

	p.Stop(true)
	p.Stop(true)
	p.Stop(false)
	assert.ErrorIs(t, p.Start(), ErrStopped)

	idle := New("node-b", &scriptedTarget{alive: true}, nil, Config{})
	idle.Stop(true)
	assert.Equal(t, StateStopped, idle.State())
}

func TestStopFromListenerDoesNotDeadlock(t *testing.T) {
	var p *Pinger
	fired := make(chan struct{})
	listener := ListenerFuncs{False: func(string) {
		p.Stop(false)
		close(fired)
	}}
	p = New("node-a", &scriptedTarget{alive: false}, listener, Config{Interval: 5 * time.Millisecond})
	require.NoError(t, p.Start())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}
	p.Stop(true)
}

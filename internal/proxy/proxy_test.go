package proxy

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

type fakeUnit struct {
	createErr error
	pingErr   error
	pingHang  bool

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	order       []int

	creates    atomic.Int32
	terminates atomic.Int32
}

func (f *fakeUnit) Create(context.Context) error {
	f.creates.Add(1)
	return f.createErr
}

func (f *fakeUnit) Ping(ctx context.Context) (bool, error) {
	if f.pingHang {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if f.pingErr != nil {
		return false, f.pingErr
	}
	return true, nil
}

func (f *fakeUnit) Terminate(context.Context) error {
	f.terminates.Add(1)
	return nil
}

func (f *fakeUnit) record(i int, hold time.Duration) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.order = append(f.order, i)
	f.mu.Unlock()

	time.Sleep(hold)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

type countingListener struct {
	started  atomic.Int32
	finished atomic.Int32
}

func (l *countingListener) ActivityStarted(string)  { l.started.Add(1) }
func (l *countingListener) ActivityFinished(string) { l.finished.Add(1) }

func newCreated(t *testing.T, unit *fakeUnit, opts Options) *Proxy[*fakeUnit] {
	t.Helper()
	p := New(unit, opts)
	require.NoError(t, p.Create(context.Background()))
	t.Cleanup(func() {
		_ = p.Terminate(context.Background(), true)
	})
	return p
}

func TestCallsNeverOverlapAndKeepSubmissionOrder(t *testing.T) {
	unit := &fakeUnit{}
	p := newCreated(t, unit, Options{})

	const total = 30
	for i := 0; i < total; i++ {
		i := i
		if i%3 == 0 {
			_, err := p.CallSync(context.Background(), func(_ context.Context, u *fakeUnit) (any, error) {
				u.record(i, time.Millisecond)
				return nil, nil
			})
			require.NoError(t, err)
			continue
		}
		require.NoError(t, p.CallAsync(func(_ context.Context, u *fakeUnit) (any, error) {
			u.record(i, time.Millisecond)
			return nil, nil
		}))
	}

	// Concurrent async submitters must still never overlap on the unit.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.CallAsync(func(_ context.Context, u *fakeUnit) (any, error) {
				u.record(-1, time.Millisecond)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		unit.mu.Lock()
		defer unit.mu.Unlock()
		return len(unit.order) == total+10
	}, 2*time.Second, 5*time.Millisecond)

	unit.mu.Lock()
	defer unit.mu.Unlock()
	assert.Equal(t, 1, unit.maxInFlight)
	for i, got := range unit.order[:total] {
		assert.Equal(t, i, got)
	}
}

func TestPingAnswersDuringLongCall(t *testing.T) {
	unit := &fakeUnit{}
	p := newCreated(t, unit, Options{})

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = p.CallSync(context.Background(), func(ctx context.Context, _ *fakeUnit) (any, error) {
			close(started)
			select {
			case <-release:
			case <-time.After(20 * time.Second):
			}
			return nil, nil
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	begin := time.Now()
	alive, err := p.Ping(ctx)
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
}

func TestPingClassifiesFailures(t *testing.T) {
	errUnit := &fakeUnit{pingErr: errors.New("connection refused")}
	p := newCreated(t, errUnit, Options{})
	_, err := p.Ping(context.Background())
	assert.ErrorIs(t, err, ErrPingError)

	hangUnit := &fakeUnit{pingHang: true}
	hp := newCreated(t, hangUnit, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = hp.Ping(ctx)
	assert.ErrorIs(t, err, ErrPingTimeout)
}

func TestActivityListenerFiresOncePerBusyEpisode(t *testing.T) {
	listener := &countingListener{}
	unit := &fakeUnit{}
	p := newCreated(t, unit, Options{Listener: listener})

	gate := make(chan struct{})
	require.NoError(t, p.CallAsync(func(context.Context, *fakeUnit) (any, error) {
		<-gate
		return nil, nil
	}))
	for i := 0; i < 5; i++ {
		require.NoError(t, p.CallAsync(func(context.Context, *fakeUnit) (any, error) { return nil, nil }))
	}
	close(gate)

	require.Eventually(t, func() bool { return listener.finished.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), listener.started.Load())

	_, err := p.CallSync(context.Background(), func(context.Context, *fakeUnit) (any, error) { return nil, nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return listener.finished.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), listener.started.Load())
}

func TestOperationFailureStaysWithCaller(t *testing.T) {
	var handled atomic.Int32
	unit := &fakeUnit{}
	p := newCreated(t, unit, Options{ErrorHandler: func(error) { handled.Add(1) }})

	boom := errors.New("boom")
	_, err := p.CallSync(context.Background(), func(context.Context, *fakeUnit) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.ErrorIs(t, err, boom)

	require.NoError(t, p.CallAsync(func(context.Context, *fakeUnit) (any, error) { panic("async panic") }))
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)

	got, err := Call(context.Background(), p, func(context.Context, *fakeUnit) (string, error) {
		return "still serving", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "still serving", got)
}

func TestResultTypesCallOutcome(t *testing.T) {
	p := newCreated(t, &fakeUnit{}, Options{})

	_, err := Result[string](p.CallSync(context.Background(), func(context.Context, *fakeUnit) (any, error) {
		return 42, nil
	}))
	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.Contains(t, err.Error(), "result is int, want string")

	empty, err := Result[string](p.CallSync(context.Background(), func(context.Context, *fakeUnit) (any, error) {
		return nil, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, "", empty)

	type payload struct{ N int }
	got, err := Call(context.Background(), p, func(context.Context, *fakeUnit) (*payload, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, got)

	boom := errors.New("boom")
	_, err = Call(context.Background(), p, func(context.Context, *fakeUnit) (*payload, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestCreateFailureLeavesProxyUnusable(t *testing.T) {
	unit := &fakeUnit{createErr: errors.New("no capacity")}
	p := New(unit, Options{})

	err := p.Create(context.Background())
	assert.ErrorIs(t, err, ErrCreationFailed)
	assert.ErrorIs(t, p.Create(context.Background()), ErrCreationFailed)
	assert.Equal(t, int32(1), unit.creates.Load())

	assert.ErrorIs(t, p.CallAsync(func(context.Context, *fakeUnit) (any, error) { return nil, nil }), ErrNotCreated)
	_, err = p.Ping(context.Background())
	assert.ErrorIs(t, err, ErrNotCreated)
}

func TestGracefulTerminateDrainsQueue(t *testing.T) {
	unit := &fakeUnit{}
	p := New(unit, Options{})
	require.NoError(t, p.Create(context.Background()))

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.CallAsync(func(context.Context, *fakeUnit) (any, error) {
			time.Sleep(2 * time.Millisecond)
			ran.Add(1)
			return nil, nil
		}))
	}

	require.NoError(t, p.Terminate(context.Background(), false))
	assert.Equal(t, int32(5), ran.Load())
	assert.Equal(t, int32(1), unit.terminates.Load())

	require.NoError(t, p.Terminate(context.Background(), false))
	assert.Equal(t, int32(1), unit.terminates.Load())
	assert.ErrorIs(t, p.CallAsync(func(context.Context, *fakeUnit) (any, error) { return nil, nil }), ErrTerminated)
}

func TestImmediateTerminateAbandonsQueuedCalls(t *testing.T) {
	unit := &fakeUnit{}
	p := New(unit, Options{})
	require.NoError(t, p.Create(context.Background()))

	started := make(chan struct{})
	canceled := make(chan struct{})
	require.NoError(t, p.CallAsync(func(ctx context.Context, _ *fakeUnit) (any, error) {
		close(started)
		<-ctx.Done()
		close(canceled)
		return nil, ctx.Err()
	}))
	<-started

	queued := make(chan error, 1)
	go func() {
		_, err := p.CallSync(context.Background(), func(context.Context, *fakeUnit) (any, error) {
			return "never", nil
		})
		queued <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Queued == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Terminate(context.Background(), true))

	select {
	case err := <-queued:
		assert.ErrorIs(t, err, ErrTerminated)
	case <-time.After(time.Second):
		t.Fatal("queued call was not abandoned")
	}
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("in-flight call context was not canceled")
	}
	assert.Equal(t, int32(1), unit.terminates.Load())
}

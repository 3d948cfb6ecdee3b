package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
)

type nodeHealth struct {
	mu          sync.Mutex
	alive       bool
	hang        bool
	pingErr     error
	createErr   error
	createDelay time.Duration
}

func (h *nodeHealth) set(fn func(*nodeHealth)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

type fakeUnit struct {
	health     *nodeHealth
	terminated atomic.Bool
}

func (u *fakeUnit) Create(context.Context) error {
	u.health.mu.Lock()
	delay, err := u.health.createDelay, u.health.createErr
	u.health.mu.Unlock()
	time.Sleep(delay)
	return err
}

func (u *fakeUnit) Ping(ctx context.Context) (bool, error) {
	u.health.mu.Lock()
	alive, hang, err := u.health.alive, u.health.hang, u.health.pingErr
	u.health.mu.Unlock()
	if hang {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return alive, err
}

func (u *fakeUnit) Terminate(context.Context) error {
	u.terminated.Store(true)
	return nil
}

type fakeInfra struct {
	mu              sync.Mutex
	next            int
	health          map[string]*nodeHealth
	acquireErr      error
	acquired        int
	released        []string
	releasedForever []string
}

func newFakeInfra() *fakeInfra {
	return &fakeInfra{health: make(map[string]*nodeHealth)}
}

func (f *fakeInfra) healthFor(url string) *nodeHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthLocked(url)
}

func (f *fakeInfra) healthLocked(url string) *nodeHealth {
	h, ok := f.health[url]
	if !ok {
		h = &nodeHealth{alive: true}
		f.health[url] = h
	}
	return h
}

func (f *fakeInfra) AcquireNode(_ context.Context, params AcquireParams) (UnitHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return UnitHandle{}, f.acquireErr
	}

	url := params.URL
	if url == "" {
		f.next++
		url = fmt.Sprintf("node-%d", f.next)
	}
	f.acquired++
	return UnitHandle{
		URL:      url,
		HostName: "host-" + url,
		Group:    params.Group,
		Ref:      url,
		Unit:     &fakeUnit{health: f.healthLocked(url)},
	}, nil
}

func (f *fakeInfra) ReleaseNode(_ context.Context, handle UnitHandle, forever bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, handle.URL)
	if forever {
		f.releasedForever = append(f.releasedForever, handle.URL)
	}
	return nil
}

func (f *fakeInfra) Released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

type mockRegistry struct {
	mock.Mock
}

func (r *mockRegistry) OnNodeSourceEvent(ctx context.Context, event Event) error {
	return r.Called(ctx, event).Error(0)
}

func (r *mockRegistry) OnDownNode(ctx context.Context, sourceID, url string) error {
	return r.Called(ctx, sourceID, url).Error(0)
}

func (r *mockRegistry) Unregister(ctx context.Context, sourceID string) error {
	return r.Called(ctx, sourceID).Error(0)
}

type countingPolicy struct {
	activations   atomic.Int32
	deactivations atomic.Int32
}

func (p *countingPolicy) Activate(context.Context, *Manager) error {
	p.activations.Add(1)
	return nil
}

func (p *countingPolicy) Deactivate(context.Context) error {
	p.deactivations.Add(1)
	return nil
}

// newTestManager builds a manager with fast pings and stops it when the test
// ends.
func newTestManager(t *testing.T, infra Infrastructure, registry Registry, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	t.Helper()
	if cfg.SourceID == "" {
		cfg.SourceID = "test"
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Millisecond
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 60 * time.Millisecond
	}
	m := NewManager(infra, registry, cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = m.Shutdown(ctx)
		_ = m.RemoveAll(ctx, false)
	})
	return m
}

func urlsOf(records []*NodeRecord) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.URL())
	}
	return out
}

package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Policy decides when a node source acquires nodes.
type Policy interface {
	Activate(ctx context.Context, m *Manager) error
	Deactivate(ctx context.Context) error
}

// StaticPolicy acquires a fixed set of nodes once, at activation.
type StaticPolicy struct {
	Count int
	Group string
	// All hands over every node of a BulkAcquirer infrastructure instead of
	// Count of them.
	All bool
}

func (p StaticPolicy) Activate(ctx context.Context, m *Manager) error {
	var (
		records []*NodeRecord
		err     error
	)
	if p.All {
		records, err = m.AcquireAllNodes(ctx)
	} else {
		if p.Count <= 0 {
			return nil
		}
		records, err = m.AddNodes(ctx, AcquireParams{Count: p.Count, Group: p.Group})
	}
	if err == nil {
		return nil
	}
	if len(records) == 0 {
		return err
	}
	m.logger.Warn().Err(err).Int("acquired", len(records)).Msg("static policy acquired a partial node set")
	return nil
}

func (StaticPolicy) Deactivate(context.Context) error { return nil }

type ReconcileConfig struct {
	TargetFree    int
	Interval      time.Duration
	DownRetention time.Duration
	Group         string
	Labels        map[string]string
	Logger        *zerolog.Logger
}

// ReconcilePolicy keeps TargetFree nodes free by acquiring more on every
// tick, and removes nodes that stayed down longer than DownRetention.
type ReconcilePolicy struct {
	cfg    ReconcileConfig
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReconcilePolicy(cfg ReconcileConfig) *ReconcilePolicy {
	if cfg.TargetFree < 0 {
		cfg.TargetFree = 0
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.DownRetention <= 0 {
		cfg.DownRetention = 5 * time.Minute
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &ReconcilePolicy{
		cfg:    cfg,
		logger: logger.With().Str("component", "reconcile_policy").Logger(),
	}
}

func (p *ReconcilePolicy) Activate(ctx context.Context, m *Manager) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("reconcile policy already active")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(loopCtx, m, p.done)
	return nil
}

func (p *ReconcilePolicy) Deactivate(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ReconcilePolicy) run(ctx context.Context, m *Manager, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info().
		Int("target_free", p.cfg.TargetFree).
		Dur("reconcile", p.cfg.Interval).
		Dur("down_retention", p.cfg.DownRetention).
		Msg("reconcile policy started")

	p.reconcileLogged(ctx, m)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reconcileLogged(ctx, m)
		}
	}
}

func (p *ReconcilePolicy) reconcileLogged(ctx context.Context, m *Manager) {
	if err := p.Reconcile(ctx, m); err != nil && !errors.Is(err, ErrShutdownInProgress) {
		p.logger.Warn().Err(err).Msg("reconcile failed")
	}
}

// Reconcile runs one round against m.
func (p *ReconcilePolicy) Reconcile(ctx context.Context, m *Manager) error {
	now := time.Now().UTC()
	for _, rec := range m.GetDownNodes() {
		if now.Sub(rec.StateChangedAt()) <= p.cfg.DownRetention {
			continue
		}
		p.logger.Info().Str("node_url", rec.URL()).Msg("reaping node past down retention")
		if err := m.RemoveNode(ctx, rec.URL(), false); err != nil && !errors.Is(err, ErrNodeNotFound) {
			p.logger.Warn().Err(err).Str("node_url", rec.URL()).Msg("reap down node failed")
		}
	}

	if m.ShuttingDown() {
		return nil
	}
	needed := p.cfg.TargetFree - m.GetCounts().Free
	if needed <= 0 {
		return nil
	}

	records, err := m.AddNodes(ctx, AcquireParams{
		Count:  needed,
		Group:  p.cfg.Group,
		Labels: p.cfg.Labels,
	})
	for _, rec := range records {
		p.logger.Info().Str("node_url", rec.URL()).Msg("reconcile added node")
	}
	return err
}

package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/VenkatGGG/nodepool/internal/executor"
	"github.com/VenkatGGG/nodepool/internal/pinger"
	"github.com/VenkatGGG/nodepool/internal/proxy"
)

type ManagerConfig struct {
	SourceID        string
	PingInterval    time.Duration
	PingTimeout     time.Duration
	MaxConcurrency  int
	RemovedCapacity int
	CreateTimeout   time.Duration
	NotifyTimeout   time.Duration
}

type ManagerOption func(*Manager)

func WithLogger(logger *zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = *logger
		}
	}
}

func WithEvaluator(evaluator Evaluator) ManagerOption {
	return func(m *Manager) {
		if evaluator != nil {
			m.evaluator = evaluator
		}
	}
}

func WithPolicy(policy Policy) ManagerOption {
	return func(m *Manager) {
		m.policy = policy
	}
}

// Manager is one node source: it acquires nodes from an infrastructure,
// watches them with a pinger each and hands them out to consumers.
type Manager struct {
	infra     Infrastructure
	registry  Registry
	cfg       ManagerConfig
	logger    zerolog.Logger
	evaluator Evaluator
	policy    Policy
	exec      *executor.Executor
	now       func() time.Time

	mu           sync.Mutex
	active       map[string]*NodeRecord
	down         map[string]*NodeRecord
	removed      *removedSet
	seq          uint64
	started      bool
	shuttingDown bool

	finalizeOnce sync.Once
	finalizeErr  error
	done         chan struct{}
}

func NewManager(infra Infrastructure, registry Registry, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	if strings.TrimSpace(cfg.SourceID) == "" {
		cfg.SourceID = "default"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.RemovedCapacity <= 0 {
		cfg.RemovedCapacity = 128
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = time.Minute
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	if registry == nil {
		registry = NewInMemoryRegistry()
	}

	m := &Manager{
		infra:     infra,
		registry:  registry,
		cfg:       cfg,
		logger:    log.Logger,
		evaluator: acceptAll,
		now:       func() time.Time { return time.Now().UTC() },
		active:    make(map[string]*NodeRecord),
		down:      make(map[string]*NodeRecord),
		removed:   newRemovedSet(cfg.RemovedCapacity),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "pool").Str("source", cfg.SourceID).Logger()
	m.exec = executor.New(executor.Config{
		MaxConcurrency: cfg.MaxConcurrency,
		Logger:         &m.logger,
	})
	return m
}

func (m *Manager) SourceID() string {
	return m.cfg.SourceID
}

// Start activates the acquisition policy, if any. It is safe to call more
// than once.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShutdownInProgress
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().
		Dur("ping_interval", m.cfg.PingInterval).
		Dur("ping_timeout", m.cfg.PingTimeout).
		Int("max_concurrency", m.cfg.MaxConcurrency).
		Msg("node source started")
	if m.policy == nil {
		return nil
	}
	if err := m.policy.Activate(ctx, m); err != nil {
		return fmt.Errorf("activate policy: %w", err)
	}
	return nil
}

// AddNodes acquires params.Count nodes in parallel. It returns the nodes that
// joined the pool along with every acquisition failure. It must not be called
// from an executor task.
func (m *Manager) AddNodes(ctx context.Context, params AcquireParams) ([]*NodeRecord, error) {
	if m.ShuttingDown() {
		return nil, ErrShutdownInProgress
	}
	count := params.Count
	if count <= 0 || strings.TrimSpace(params.URL) != "" {
		count = 1
	}

	acquirers := make([]func(context.Context) (UnitHandle, error), count)
	for i := range acquirers {
		acquirers[i] = func(ctx context.Context) (UnitHandle, error) {
			return m.infra.AcquireNode(ctx, params)
		}
	}
	return m.acquireParallel(ctx, acquirers)
}

// AcquireNode adds the node at url. A url that is still in the down set is
// treated as a restarted node: the stale record is dropped and the node is
// acquired again.
func (m *Manager) AcquireNode(ctx context.Context, url string) (*NodeRecord, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("url is required")
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, ErrShutdownInProgress
	}
	if _, ok := m.active[url]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, url)
	}
	stale, restarted := m.down[url]
	if restarted {
		delete(m.down, url)
	}
	m.mu.Unlock()

	if restarted {
		m.logger.Info().Str("node_url", url).Msg("down node acquired again, dropping stale record")
		ev := newEvent(EventNodeRemoved, m.cfg.SourceID, url, stale.State(), m.now())
		ev.Reason = "restarted"
		m.emit(ctx, ev)
	}

	return m.acquire(ctx, m.reserveSeq(1), func(ctx context.Context) (UnitHandle, error) {
		return m.infra.AcquireNode(ctx, AcquireParams{Count: 1, URL: url})
	})
}

// AcquireAllNodes adds every node the infrastructure can hand over. The
// infrastructure must implement BulkAcquirer.
func (m *Manager) AcquireAllNodes(ctx context.Context) ([]*NodeRecord, error) {
	if m.ShuttingDown() {
		return nil, ErrShutdownInProgress
	}
	bulk, ok := m.infra.(BulkAcquirer)
	if !ok {
		return nil, ErrUnsupported
	}

	handles, bulkErr := bulk.AcquireAll(ctx)
	acquirers := make([]func(context.Context) (UnitHandle, error), len(handles))
	for i, handle := range handles {
		handle := handle
		acquirers[i] = func(context.Context) (UnitHandle, error) {
			return handle, nil
		}
	}
	records, err := m.acquireParallel(ctx, acquirers)
	return records, errors.Join(bulkErr, err)
}

type acquisition struct {
	record *NodeRecord
	err    error
}

// acquireParallel runs acquirers on the executor. Sequence numbers are
// reserved up front so records rank in acquirer order, whatever order the
// acquisitions finish in.
func (m *Manager) acquireParallel(ctx context.Context, acquirers []func(context.Context) (UnitHandle, error)) ([]*NodeRecord, error) {
	results := make(chan acquisition, len(acquirers))
	first := m.reserveSeq(len(acquirers))
	for i, acquireFn := range acquirers {
		acquireFn := acquireFn
		seq := first + uint64(i)
		err := m.exec.Submit(func(context.Context) error {
			record, err := m.acquire(ctx, seq, acquireFn)
			results <- acquisition{record: record, err: err}
			return nil
		})
		if errors.Is(err, executor.ErrExecutorClosed) {
			err = ErrShutdownInProgress
		}
		if err != nil {
			results <- acquisition{err: err}
		}
	}

	var (
		records []*NodeRecord
		errs    []error
	)
	for range acquirers {
		res := <-results
		if res.err != nil {
			errs = append(errs, res.err)
			continue
		}
		records = append(records, res.record)
	}
	sortBySeq(records)
	return records, errors.Join(errs...)
}

// reserveSeq hands out n consecutive sequence numbers and returns the first.
func (m *Manager) reserveSeq(n int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := m.seq + 1
	m.seq += uint64(n)
	return first
}

func (m *Manager) acquire(ctx context.Context, seq uint64, acquireFn func(context.Context) (UnitHandle, error)) (*NodeRecord, error) {
	handle, err := acquireFn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire node: %w", err)
	}
	if handle.Unit == nil || strings.TrimSpace(handle.URL) == "" {
		m.release(ctx, handle, false)
		return nil, errors.New("infrastructure returned an incomplete node handle")
	}
	if m.isActive(handle.URL) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, handle.URL)
	}

	p := proxy.New[proxy.Unit](handle.Unit, proxy.Options{ID: handle.URL, Logger: &m.logger})
	createCtx, cancel := context.WithTimeout(ctx, m.cfg.CreateTimeout)
	err = p.Create(createCtx)
	cancel()
	if err != nil {
		m.release(ctx, handle, false)
		return nil, fmt.Errorf("create node %s: %w", handle.URL, err)
	}

	pg := pinger.New(handle.URL, p, m.pingListener(), pinger.Config{
		Interval: m.cfg.PingInterval,
		Timeout:  m.cfg.PingTimeout,
		Logger:   &m.logger,
	})
	rec, err := m.register(handle, seq, p, pg)
	if err != nil {
		_ = p.Terminate(ctx, true)
		if errors.Is(err, ErrShutdownInProgress) {
			m.release(ctx, handle, false)
		}
		return nil, err
	}

	// A removal that raced with registration has already stopped the pinger.
	if err := pg.Start(); err != nil && !errors.Is(err, pinger.ErrStopped) {
		m.logger.Error().Err(err).Str("node_url", rec.URL()).Msg("start pinger failed")
	}
	m.logger.Info().Str("node_url", rec.URL()).Str("host", rec.HostName()).Msg("node added")
	m.emit(ctx, newEvent(EventNodeAdded, m.cfg.SourceID, rec.URL(), NodeStateFree, rec.AddedAt()))
	return rec, nil
}

func (m *Manager) register(handle UnitHandle, seq uint64, p *proxy.Proxy[proxy.Unit], pg *pinger.Pinger) (*NodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		return nil, ErrShutdownInProgress
	}
	if _, ok := m.active[handle.URL]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, handle.URL)
	}
	delete(m.down, handle.URL)
	m.removed.forget(handle.URL)

	rec := newNodeRecord(m.cfg.SourceID, handle, p, seq, m.now())
	rec.pinger = pg
	m.active[handle.URL] = rec
	return rec, nil
}

func (m *Manager) pingListener() pinger.Listener {
	return pinger.ListenerFuncs{
		False: func(name string) {
			m.DetectedDownNode(name, DownReasonPingFalse)
		},
		Error: func(name string, err error) {
			m.logger.Debug().Err(err).Str("node_url", name).Msg("ping error")
			m.DetectedDownNode(name, DownReasonPingError)
		},
		Timeout: func(name string) {
			m.DetectedDownNode(name, DownReasonPingTimeout)
		},
	}
}

// RemoveNode takes url out of the pool. Infrastructure release failures are
// logged, not returned. Removing the last node after Shutdown finalizes the
// source.
func (m *Manager) RemoveNode(ctx context.Context, url string, forever bool) error {
	m.mu.Lock()
	if rec, ok := m.active[url]; ok {
		delete(m.active, url)
		m.removed.add(url)
		finalize := m.shuttingDown && len(m.active) == 0
		m.mu.Unlock()

		rec.pinger.Stop(false)
		if err := rec.proxy.Terminate(ctx, false); err != nil {
			m.logger.Warn().Err(err).Str("node_url", url).Msg("terminate node proxy failed")
		}
		m.release(ctx, rec.handle, forever)
		m.logger.Info().Str("node_url", url).Bool("forever", forever).Msg("node removed")
		m.emit(ctx, newEvent(EventNodeRemoved, m.cfg.SourceID, url, rec.State(), m.now()))

		if finalize {
			if err := m.finalize(ctx); err != nil {
				m.logger.Error().Err(err).Msg("node source finalization failed")
			}
		}
		return nil
	}

	if rec, ok := m.down[url]; ok {
		delete(m.down, url)
		m.removed.add(url)
		m.mu.Unlock()

		m.release(ctx, rec.handle, forever)
		m.logger.Info().Str("node_url", url).Msg("down node removed")
		m.emit(ctx, newEvent(EventNodeRemoved, m.cfg.SourceID, url, NodeStateDown, m.now()))
		return nil
	}
	m.mu.Unlock()
	return fmt.Errorf("%w: %s", ErrNodeNotFound, url)
}

// RemoveAll removes every down node, then every alive one.
func (m *Manager) RemoveAll(ctx context.Context, forever bool) error {
	var errs []error
	for _, rec := range m.GetDownNodes() {
		if err := m.RemoveNode(ctx, rec.URL(), forever); err != nil && !errors.Is(err, ErrNodeNotFound) {
			errs = append(errs, err)
		}
	}
	for _, rec := range m.GetAliveNodes() {
		if err := m.RemoveNode(ctx, rec.URL(), forever); err != nil && !errors.Is(err, ErrNodeNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DetectedDownNode moves an alive node to the down set and tells the
// registry. Reports for nodes already down or recently removed are ignored,
// and every report is discarded once shutdown has started.
func (m *Manager) DetectedDownNode(url string, reason DownReason) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		m.logger.Debug().Str("node_url", url).Str("reason", string(reason)).Msg("down report discarded during shutdown")
		return
	}
	rec, ok := m.active[url]
	if !ok {
		_, isDown := m.down[url]
		wasRemoved := m.removed.contains(url)
		m.mu.Unlock()
		if !isDown && !wasRemoved {
			m.logger.Warn().Str("node_url", url).Str("reason", string(reason)).Msg("down report for unknown node")
		}
		return
	}
	delete(m.active, url)
	m.down[url] = rec
	rec.setState(NodeStateDown, m.now())
	m.mu.Unlock()

	rec.pinger.Stop(false)
	m.logger.Warn().Str("node_url", url).Str("reason", string(reason)).Msg("node is down")

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.NotifyTimeout)
	defer cancel()
	if err := m.registry.OnDownNode(ctx, m.cfg.SourceID, url); err != nil {
		m.logger.Warn().Err(err).Str("node_url", url).Msg("registry down notification failed")
	}
	ev := newEvent(EventNodeDown, m.cfg.SourceID, url, NodeStateDown, rec.StateChangedAt())
	ev.Reason = string(reason)
	m.emit(ctx, ev)

	if err := m.exec.Submit(func(ctx context.Context) error {
		return rec.proxy.Terminate(ctx, true)
	}); err != nil {
		m.logger.Debug().Err(err).Str("node_url", url).Msg("down node proxy left to finalization")
	}
}

// Shutdown stops the source from taking new nodes. It finalizes at once when
// no node is alive; otherwise finalization waits for the last RemoveNode and
// Done reports it. The bool reports that the request was accepted.
func (m *Manager) Shutdown(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return true, nil
	}
	m.shuttingDown = true
	empty := len(m.active) == 0
	alive := len(m.active)
	m.mu.Unlock()

	m.logger.Info().Int("alive", alive).Msg("node source shutdown requested")
	m.emit(ctx, newEvent(EventShutdownRequested, m.cfg.SourceID, "", "", m.now()))
	if empty {
		return true, m.finalize(ctx)
	}
	return true, nil
}

// Done is closed once the source has finalized.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) ShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

func (m *Manager) finalize(ctx context.Context) error {
	m.finalizeOnce.Do(func() {
		var errs []error
		for _, rec := range m.GetDownNodes() {
			rec.pinger.Stop(false)
		}
		if m.policy != nil {
			if err := m.policy.Deactivate(ctx); err != nil {
				errs = append(errs, fmt.Errorf("deactivate policy: %w", err))
			}
		}
		if err := m.exec.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown executor: %w", err))
		}
		m.emit(ctx, newEvent(EventShutdownFinished, m.cfg.SourceID, "", "", m.now()))
		if err := m.registry.Unregister(ctx, m.cfg.SourceID); err != nil {
			errs = append(errs, fmt.Errorf("unregister source: %w", err))
		}
		m.finalizeErr = errors.Join(errs...)
		m.logger.Info().Msg("node source finalized")
		close(m.done)
	})
	return m.finalizeErr
}

// FreeNode returns a busy node to the free set. Dynamic script verdicts are
// downgraded since the node has been used. A node marked to be released is
// removed instead.
func (m *Manager) FreeNode(ctx context.Context, url string) error {
	m.mu.Lock()
	rec, err := m.lookupLocked(url)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	switch rec.State() {
	case NodeStateBusy:
		rec.setState(NodeStateFree, m.now())
		rec.expireDynamic()
		m.mu.Unlock()
		m.emit(ctx, newEvent(EventNodeStateChanged, m.cfg.SourceID, url, NodeStateFree, rec.StateChangedAt()))
		return nil
	case NodeStateToBeReleased:
		m.mu.Unlock()
		return m.RemoveNode(ctx, url, false)
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, url, rec.State())
	}
}

// ReleaseNode gives a node back to the infrastructure: a free node is removed
// at once, a busy one is marked to be released when freed.
func (m *Manager) ReleaseNode(ctx context.Context, url string) error {
	m.mu.Lock()
	rec, err := m.lookupLocked(url)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	switch rec.State() {
	case NodeStateBusy:
		rec.setState(NodeStateToBeReleased, m.now())
		m.mu.Unlock()
		m.emit(ctx, newEvent(EventNodeStateChanged, m.cfg.SourceID, url, NodeStateToBeReleased, rec.StateChangedAt()))
		return nil
	case NodeStateFree:
		m.mu.Unlock()
		return m.RemoveNode(ctx, url, false)
	default:
		m.mu.Unlock()
		return nil
	}
}

// Invoke runs op on a selected node through its proxy. The call is admitted
// on the source executor and queued behind earlier calls to the same node. It
// must not be called from an executor task.
func (m *Manager) Invoke(ctx context.Context, url string, op proxy.Operation[proxy.Unit]) (any, error) {
	m.mu.Lock()
	rec, err := m.lookupLocked(url)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	state := rec.State()
	m.mu.Unlock()
	if state != NodeStateBusy && state != NodeStateToBeReleased {
		return nil, fmt.Errorf("%w: %s is %s, select it first", ErrInvalidTransition, url, state)
	}
	p, err := rec.Proxy()
	if err != nil {
		return nil, err
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	err = m.exec.Submit(func(context.Context) error {
		value, err := p.CallSync(ctx, op)
		done <- outcome{value: value, err: err}
		return nil
	})
	if errors.Is(err, executor.ErrExecutorClosed) {
		return nil, ErrShutdownInProgress
	}
	if err != nil {
		return nil, err
	}

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) lookupLocked(url string) (*NodeRecord, error) {
	if rec, ok := m.active[url]; ok {
		return rec, nil
	}
	if _, ok := m.down[url]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeDown, url)
	}
	return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, url)
}

// Node returns the record for url, alive or down.
func (m *Manager) Node(url string) (*NodeRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.active[url]; ok {
		return rec, true
	}
	rec, ok := m.down[url]
	return rec, ok
}

func (m *Manager) GetAliveNodes() []*NodeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedRecords(m.active)
}

func (m *Manager) GetDownNodes() []*NodeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedRecords(m.down)
}

func (m *Manager) GetCounts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := Counts{Down: len(m.down)}
	for _, rec := range m.active {
		switch rec.State() {
		case NodeStateFree:
			counts.Free++
		case NodeStateBusy:
			counts.Busy++
		case NodeStateToBeReleased:
			counts.ToBeReleased++
		}
	}
	return counts
}

func (m *Manager) ExecutorStats() executor.Stats {
	return m.exec.Stats()
}

func (m *Manager) isActive(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[url]
	return ok
}

func (m *Manager) release(ctx context.Context, handle UnitHandle, forever bool) {
	if err := m.infra.ReleaseNode(ctx, handle, forever); err != nil {
		m.logger.Warn().Err(err).Str("node_url", handle.URL).Msg("infrastructure release failed")
	}
}

func (m *Manager) emit(ctx context.Context, event Event) {
	if err := m.registry.OnNodeSourceEvent(ctx, event); err != nil {
		m.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("registry event failed")
	}
}

func sortedRecords(set map[string]*NodeRecord) []*NodeRecord {
	out := make([]*NodeRecord, 0, len(set))
	for _, rec := range set {
		out = append(out, rec)
	}
	sortBySeq(out)
	return out
}

func sortBySeq(records []*NodeRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].seq < records[j].seq
	})
}

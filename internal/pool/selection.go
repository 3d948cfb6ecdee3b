package pool

import (
	"context"
	"sort"
)

// Evaluator runs a selection script against one node.
type Evaluator interface {
	Evaluate(ctx context.Context, node *NodeRecord, script Script) (bool, error)
}

type EvaluatorFunc func(ctx context.Context, node *NodeRecord, script Script) (bool, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, node *NodeRecord, script Script) (bool, error) {
	return f(ctx, node, script)
}

var acceptAll = EvaluatorFunc(func(context.Context, *NodeRecord, Script) (bool, error) {
	return true, nil
})

// SelectNodes marks up to n free nodes BUSY and returns them. With a script,
// nodes already verified for it are taken first and the rest are evaluated in
// rank order until n qualify. Fewer than n nodes are returned when not enough
// qualify or ctx ends.
func (m *Manager) SelectNodes(ctx context.Context, n int, script *Script) ([]*NodeRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, ErrShutdownInProgress
	}
	var selected []*NodeRecord
	now := m.now()
	for _, rec := range m.rankedFreeLocked(script) {
		if len(selected) == n {
			break
		}
		if script == nil || rec.Verdict(script.ID) == VerdictVerified {
			rec.setState(NodeStateBusy, now)
			selected = append(selected, rec)
		}
	}
	m.mu.Unlock()

	if script != nil {
		tried := make(map[string]bool)
		for len(selected) < n && ctx.Err() == nil {
			rec := m.reserveCandidate(*script, tried)
			if rec == nil {
				break
			}
			tried[rec.URL()] = true
			if m.evaluate(ctx, rec, *script) {
				selected = append(selected, rec)
			}
		}
	}

	for _, rec := range selected {
		m.emit(ctx, newEvent(EventNodeStateChanged, m.cfg.SourceID, rec.URL(), NodeStateBusy, rec.StateChangedAt()))
	}
	return selected, nil
}

// reserveCandidate marks the best untried node worth evaluating BUSY so no
// concurrent selection can take it while the script runs.
func (m *Manager) reserveCandidate(script Script, tried map[string]bool) *NodeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return nil
	}
	for _, rec := range m.rankedFreeLocked(&script) {
		if tried[rec.URL()] {
			continue
		}
		verdict := rec.Verdict(script.ID)
		if !script.Dynamic && verdict == VerdictNotVerified {
			continue
		}
		rec.setState(NodeStateBusy, m.now())
		return rec
	}
	return nil
}

// evaluate runs the script on a reserved node and records the verdict. The
// node stays BUSY only when it qualifies. An evaluation error leaves the
// verdict unchanged.
func (m *Manager) evaluate(ctx context.Context, rec *NodeRecord, script Script) bool {
	ok, err := m.evaluator.Evaluate(ctx, rec, script)

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, alive := m.active[rec.URL()]; !alive || current != rec {
		return false
	}
	if rec.State() == NodeStateToBeReleased {
		// Released while reserved; nobody else will free it.
		go func() {
			_ = m.RemoveNode(context.WithoutCancel(ctx), rec.URL(), false)
		}()
		return false
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("node_url", rec.URL()).Str("script", script.ID).Msg("script evaluation failed")
		rec.setState(NodeStateFree, m.now())
		return false
	}
	if !ok {
		rec.setVerdict(script, VerdictNotVerified)
		rec.setState(NodeStateFree, m.now())
		return false
	}
	rec.setVerdict(script, VerdictVerified)
	return true
}

// rankedFreeLocked orders free nodes by their verdict for script, then by the
// order they joined the pool.
func (m *Manager) rankedFreeLocked(script *Script) []*NodeRecord {
	free := make([]*NodeRecord, 0, len(m.active))
	for _, rec := range m.active {
		if rec.State() == NodeStateFree {
			free = append(free, rec)
		}
	}
	sort.Slice(free, func(i, j int) bool {
		if script != nil {
			ri, rj := free[i].Verdict(script.ID).rank(), free[j].Verdict(script.ID).rank()
			if ri != rj {
				return ri < rj
			}
		}
		return free[i].seq < free[j].seq
	})
	return free
}

// RankFree returns the free nodes in the order SelectNodes would consider
// them for script.
func (m *Manager) RankFree(script *Script) []*NodeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rankedFreeLocked(script)
}

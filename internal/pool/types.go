package pool

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/VenkatGGG/nodepool/internal/proxy"
)

var (
	ErrDuplicateNode      = errors.New("node already in pool")
	ErrShutdownInProgress = errors.New("node source is shutting down")
	ErrNodeDown           = errors.New("node is down")
	ErrNodeNotFound       = errors.New("node not found")
	ErrInvalidTransition  = errors.New("invalid node state transition")
	ErrUnsupported        = errors.New("operation not supported by infrastructure")
)

type NodeState string

const (
	NodeStateFree         NodeState = "free"
	NodeStateBusy         NodeState = "busy"
	NodeStateToBeReleased NodeState = "to_be_released"
	NodeStateDown         NodeState = "down"
)

type Verdict string

const (
	VerdictVerified         Verdict = "verified"
	VerdictNotVerified      Verdict = "not_verified"
	VerdictNoLongerVerified Verdict = "no_longer_verified"
	VerdictNeverTested      Verdict = "never_tested"
)

// rank orders verdicts for selection, lower first.
func (v Verdict) rank() int {
	switch v {
	case VerdictVerified:
		return 0
	case VerdictNeverTested, "":
		return 1
	case VerdictNoLongerVerified:
		return 2
	default:
		return 3
	}
}

// Script is a selection predicate evaluated on nodes. A dynamic script's
// verdict goes stale once the node has been used.
type Script struct {
	ID      string
	Dynamic bool
	Content string
	Args    []string
}

type DownReason string

const (
	DownReasonPingFalse   DownReason = "ping_false"
	DownReasonPingError   DownReason = "ping_error"
	DownReasonPingTimeout DownReason = "ping_timeout"
	DownReasonReported    DownReason = "reported"
)

// UnitHandle is what an infrastructure hands back for one acquired node.
type UnitHandle struct {
	URL         string
	HostName    string
	ProcessName string
	Group       string
	// Ref is the infrastructure's own identifier, such as a container id.
	Ref  string
	Unit proxy.Unit
}

type AcquireParams struct {
	Count int
	// URL asks for one specific node. Infrastructures that cannot honor it
	// return ErrUnsupported.
	URL    string
	Group  string
	Labels map[string]string
}

type Counts struct {
	Free         int `json:"free"`
	Busy         int `json:"busy"`
	ToBeReleased int `json:"to_be_released"`
	Down         int `json:"down"`
}

type scriptResult struct {
	verdict Verdict
	dynamic bool
}

type stateSnapshot struct {
	state     NodeState
	changedAt time.Time
}

// NodeRecord is one pooled node. Identity and metadata never change; state
// and script verdicts are only written by the manager.
type NodeRecord struct {
	url         string
	sourceID    string
	hostName    string
	processName string
	group       string
	seq         uint64
	addedAt     time.Time

	handle UnitHandle
	proxy  *proxy.Proxy[proxy.Unit]
	pinger stopper

	state   atomic.Pointer[stateSnapshot]
	scripts atomic.Pointer[map[string]scriptResult]
}

type stopper interface {
	Stop(wait bool)
}

func newNodeRecord(sourceID string, handle UnitHandle, p *proxy.Proxy[proxy.Unit], seq uint64, now time.Time) *NodeRecord {
	rec := &NodeRecord{
		url:         handle.URL,
		sourceID:    sourceID,
		hostName:    handle.HostName,
		processName: handle.ProcessName,
		group:       handle.Group,
		seq:         seq,
		addedAt:     now,
		handle:      handle,
		proxy:       p,
	}
	rec.state.Store(&stateSnapshot{state: NodeStateFree, changedAt: now})
	empty := map[string]scriptResult{}
	rec.scripts.Store(&empty)
	return rec
}

func (n *NodeRecord) URL() string         { return n.url }
func (n *NodeRecord) SourceID() string    { return n.sourceID }
func (n *NodeRecord) HostName() string    { return n.hostName }
func (n *NodeRecord) ProcessName() string { return n.processName }
func (n *NodeRecord) Group() string       { return n.group }
func (n *NodeRecord) AddedAt() time.Time  { return n.addedAt }

func (n *NodeRecord) State() NodeState {
	return n.state.Load().state
}

func (n *NodeRecord) StateChangedAt() time.Time {
	return n.state.Load().changedAt
}

// Proxy returns the proxy used to operate on the node.
func (n *NodeRecord) Proxy() (*proxy.Proxy[proxy.Unit], error) {
	if n.State() == NodeStateDown {
		return nil, ErrNodeDown
	}
	return n.proxy, nil
}

func (n *NodeRecord) Handle() (UnitHandle, error) {
	if n.State() == NodeStateDown {
		return UnitHandle{}, ErrNodeDown
	}
	return n.handle, nil
}

// Verdict returns the cached verdict for scriptID, NEVER_TESTED when absent.
func (n *NodeRecord) Verdict(scriptID string) Verdict {
	res, ok := (*n.scripts.Load())[scriptID]
	if !ok {
		return VerdictNeverTested
	}
	return res.verdict
}

func (n *NodeRecord) Verdicts() map[string]Verdict {
	current := *n.scripts.Load()
	out := make(map[string]Verdict, len(current))
	for id, res := range current {
		out[id] = res.verdict
	}
	return out
}

func (n *NodeRecord) setState(state NodeState, at time.Time) {
	n.state.Store(&stateSnapshot{state: state, changedAt: at})
}

func (n *NodeRecord) setVerdict(script Script, verdict Verdict) {
	current := *n.scripts.Load()
	next := make(map[string]scriptResult, len(current)+1)
	for id, res := range current {
		next[id] = res
	}
	next[script.ID] = scriptResult{verdict: verdict, dynamic: script.Dynamic}
	n.scripts.Store(&next)
}

// expireDynamic downgrades every verified dynamic script after the node has
// been used.
func (n *NodeRecord) expireDynamic() {
	current := *n.scripts.Load()
	changed := false
	next := make(map[string]scriptResult, len(current))
	for id, res := range current {
		if res.dynamic && res.verdict == VerdictVerified {
			res.verdict = VerdictNoLongerVerified
			changed = true
		}
		next[id] = res
	}
	if changed {
		n.scripts.Store(&next)
	}
}

type NodeInfo struct {
	URL            string             `json:"url"`
	SourceID       string             `json:"source_id"`
	HostName       string             `json:"host_name,omitempty"`
	ProcessName    string             `json:"process_name,omitempty"`
	Group          string             `json:"group,omitempty"`
	State          NodeState          `json:"state"`
	Scripts        map[string]Verdict `json:"scripts,omitempty"`
	AddedAt        time.Time          `json:"added_at"`
	StateChangedAt time.Time          `json:"state_changed_at"`
}

func (n *NodeRecord) Info() NodeInfo {
	snap := n.state.Load()
	info := NodeInfo{
		URL:            n.url,
		SourceID:       n.sourceID,
		HostName:       n.hostName,
		ProcessName:    n.processName,
		Group:          n.group,
		State:          snap.state,
		AddedAt:        n.addedAt,
		StateChangedAt: snap.changedAt,
	}
	if verdicts := n.Verdicts(); len(verdicts) > 0 {
		info.Scripts = verdicts
	}
	return info
}

func ParseNodeState(value string) (NodeState, error) {
	state := NodeState(value)
	switch state {
	case NodeStateFree, NodeStateBusy, NodeStateToBeReleased, NodeStateDown:
		return state, nil
	default:
		return "", errors.New("invalid node state")
	}
}

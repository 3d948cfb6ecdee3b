package pool

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventNodeAdded         EventType = "node_added"
	EventNodeRemoved       EventType = "node_removed"
	EventNodeDown          EventType = "node_down"
	EventNodeStateChanged  EventType = "node_state_changed"
	EventShutdownRequested EventType = "shutdown_requested"
	EventShutdownFinished  EventType = "shutdown_finished"
)

const defaultRegistryCapacity = 1024

type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	SourceID string    `json:"source_id"`
	NodeURL  string    `json:"node_url,omitempty"`
	State    NodeState `json:"state,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

func newEvent(eventType EventType, sourceID, nodeURL string, state NodeState, at time.Time) Event {
	return Event{
		ID:       "evt_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:     eventType,
		SourceID: sourceID,
		NodeURL:  nodeURL,
		State:    state,
		At:       at.UTC(),
	}
}

// Registry is the resource-manager side a node source reports to.
type Registry interface {
	OnNodeSourceEvent(ctx context.Context, event Event) error
	OnDownNode(ctx context.Context, sourceID, url string) error
	Unregister(ctx context.Context, sourceID string) error
}

type InMemoryRegistry struct {
	mu           sync.RWMutex
	capacity     int
	events       []Event
	down         map[string]map[string]time.Time
	unregistered map[string]time.Time
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		capacity:     defaultRegistryCapacity,
		down:         make(map[string]map[string]time.Time),
		unregistered: make(map[string]time.Time),
	}
}

func (r *InMemoryRegistry) OnNodeSourceEvent(_ context.Context, event Event) error {
	if strings.TrimSpace(event.SourceID) == "" {
		return errors.New("source_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	if overflow := len(r.events) - r.capacity; overflow > 0 {
		r.events = append(r.events[:0:0], r.events[overflow:]...)
	}
	if event.Type == EventNodeRemoved {
		delete(r.down[event.SourceID], event.NodeURL)
	}
	return nil
}

func (r *InMemoryRegistry) OnDownNode(_ context.Context, sourceID, url string) error {
	if strings.TrimSpace(sourceID) == "" {
		return errors.New("source_id is required")
	}
	if strings.TrimSpace(url) == "" {
		return errors.New("url is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nodes, ok := r.down[sourceID]
	if !ok {
		nodes = make(map[string]time.Time)
		r.down[sourceID] = nodes
	}
	nodes[url] = time.Now().UTC()
	return nil
}

func (r *InMemoryRegistry) Unregister(_ context.Context, sourceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.down, sourceID)
	r.unregistered[sourceID] = time.Now().UTC()
	return nil
}

// Events returns the retained events for sourceID, oldest first. An empty
// sourceID returns every source.
func (r *InMemoryRegistry) Events(sourceID string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Event, 0, len(r.events))
	for _, event := range r.events {
		if sourceID == "" || event.SourceID == sourceID {
			out = append(out, event)
		}
	}
	return out
}

func (r *InMemoryRegistry) DownNodes(sourceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	urls := make([]string, 0, len(r.down[sourceID]))
	for url := range r.down[sourceID] {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

func (r *InMemoryRegistry) Unregistered(sourceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.unregistered[sourceID]
	return ok
}

// MultiRegistry fans every call out to each registry in order. All of them
// are called even when one fails.
type MultiRegistry []Registry

func (m MultiRegistry) OnNodeSourceEvent(ctx context.Context, event Event) error {
	var errs []error
	for _, r := range m {
		if err := r.OnNodeSourceEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiRegistry) OnDownNode(ctx context.Context, sourceID, url string) error {
	var errs []error
	for _, r := range m {
		if err := r.OnDownNode(ctx, sourceID, url); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiRegistry) Unregister(ctx context.Context, sourceID string) error {
	var errs []error
	for _, r := range m {
		if err := r.Unregister(ctx, sourceID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package pool

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/VenkatGGG/nodepool/internal/proxy"
)

// Infrastructure acquires and releases the nodes a manager pools.
type Infrastructure interface {
	AcquireNode(ctx context.Context, params AcquireParams) (UnitHandle, error)
	ReleaseNode(ctx context.Context, handle UnitHandle, forever bool) error
}

// BulkAcquirer is implemented by infrastructures that can hand over every
// node they know at once.
type BulkAcquirer interface {
	AcquireAll(ctx context.Context) ([]UnitHandle, error)
}

type UnitFactory func(address string) (proxy.Unit, error)

var ErrNoCapacity = errors.New("no node available")

// StaticInfrastructure serves a fixed list of node URLs. A released node
// becomes available again unless it was released forever.
type StaticInfrastructure struct {
	factory UnitFactory
	group   string

	mu      sync.Mutex
	order   []string
	inUse   map[string]bool
	retired map[string]bool
}

func NewStaticInfrastructure(urls []string, group string, factory UnitFactory) (*StaticInfrastructure, error) {
	if factory == nil {
		return nil, errors.New("unit factory is required")
	}
	s := &StaticInfrastructure{
		factory: factory,
		group:   strings.TrimSpace(group),
		inUse:   make(map[string]bool),
		retired: make(map[string]bool),
	}
	seen := make(map[string]bool, len(urls))
	for _, raw := range urls {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		s.order = append(s.order, trimmed)
	}
	return s, nil
}

func (s *StaticInfrastructure) AcquireNode(_ context.Context, params AcquireParams) (UnitHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := strings.TrimSpace(params.URL)
	if target == "" {
		for _, candidate := range s.order {
			if !s.inUse[candidate] && !s.retired[candidate] {
				target = candidate
				break
			}
		}
		if target == "" {
			return UnitHandle{}, ErrNoCapacity
		}
	} else if s.retired[target] {
		delete(s.retired, target)
	}

	handle, err := s.handleFor(target, params.Group)
	if err != nil {
		return UnitHandle{}, err
	}
	s.inUse[target] = true
	return handle, nil
}

func (s *StaticInfrastructure) AcquireAll(_ context.Context) ([]UnitHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		handles []UnitHandle
		errs    []error
	)
	for _, candidate := range s.order {
		if s.inUse[candidate] || s.retired[candidate] {
			continue
		}
		handle, err := s.handleFor(candidate, "")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.inUse[candidate] = true
		handles = append(handles, handle)
	}
	return handles, errors.Join(errs...)
}

func (s *StaticInfrastructure) ReleaseNode(_ context.Context, handle UnitHandle, forever bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inUse, handle.URL)
	if forever {
		s.retired[handle.URL] = true
	}
	return nil
}

func (s *StaticInfrastructure) handleFor(address, group string) (UnitHandle, error) {
	unit, err := s.factory(address)
	if err != nil {
		return UnitHandle{}, fmt.Errorf("build unit for %s: %w", address, err)
	}
	if strings.TrimSpace(group) == "" {
		group = s.group
	}
	return UnitHandle{
		URL:      address,
		HostName: hostOf(address),
		Group:    group,
		Ref:      address,
		Unit:     unit,
	}, nil
}

func hostOf(address string) string {
	candidate := address
	if !strings.Contains(candidate, "://") {
		candidate = "node://" + candidate
	}
	parsed, err := url.Parse(candidate)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

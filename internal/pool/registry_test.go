package pool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRegistryTracksDownNodesPerSource(t *testing.T) {
	registry := NewInMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, registry.OnDownNode(ctx, "a", "node-2"))
	require.NoError(t, registry.OnDownNode(ctx, "a", "node-1"))
	require.NoError(t, registry.OnDownNode(ctx, "b", "node-9"))
	assert.Equal(t, []string{"node-1", "node-2"}, registry.DownNodes("a"))

	removed := newEvent(EventNodeRemoved, "a", "node-1", NodeStateDown, time.Now())
	require.NoError(t, registry.OnNodeSourceEvent(ctx, removed))
	assert.Equal(t, []string{"node-2"}, registry.DownNodes("a"))

	require.NoError(t, registry.Unregister(ctx, "a"))
	assert.Empty(t, registry.DownNodes("a"))
	assert.True(t, registry.Unregistered("a"))
	assert.False(t, registry.Unregistered("b"))
	assert.Equal(t, []string{"node-9"}, registry.DownNodes("b"))
}

func TestInMemoryRegistryValidatesInput(t *testing.T) {
	registry := NewInMemoryRegistry()
	ctx := context.Background()

	assert.Error(t, registry.OnNodeSourceEvent(ctx, Event{Type: EventNodeAdded}))
	assert.Error(t, registry.OnDownNode(ctx, "", "node-1"))
	assert.Error(t, registry.OnDownNode(ctx, "a", " "))
}

func TestInMemoryRegistryCapsEventLog(t *testing.T) {
	registry := NewInMemoryRegistry()
	registry.capacity = 3
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event := newEvent(EventNodeAdded, "a", fmt.Sprintf("node-%d", i), NodeStateFree, time.Now())
		require.NoError(t, registry.OnNodeSourceEvent(ctx, event))
	}
	events := registry.Events("a")
	require.Len(t, events, 3)
	assert.Equal(t, "node-2", events[0].NodeURL)
	assert.Equal(t, "node-4", events[2].NodeURL)
	assert.Empty(t, registry.Events("b"))
}

func TestNewEventAssignsUTCAndID(t *testing.T) {
	local := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	event := newEvent(EventNodeDown, "a", "node-1", NodeStateDown, local)

	assert.Regexp(t, `^evt_[0-9a-f]{32}$`, event.ID)
	assert.Equal(t, time.UTC, event.At.Location())
	assert.True(t, event.At.Equal(local))
}

func TestMultiRegistryCallsEveryRegistry(t *testing.T) {
	failing := &mockRegistry{}
	failing.On("OnDownNode", mock.Anything, "a", "node-1").Return(errors.New("redis unavailable"))
	failing.On("Unregister", mock.Anything, "a").Return(nil)
	memory := NewInMemoryRegistry()
	multi := MultiRegistry{failing, memory}
	ctx := context.Background()

	err := multi.OnDownNode(ctx, "a", "node-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis unavailable")
	assert.Equal(t, []string{"node-1"}, memory.DownNodes("a"))

	require.NoError(t, multi.Unregister(ctx, "a"))
	assert.True(t, memory.Unregistered("a"))
	failing.AssertExpectations(t)
}

func TestRemovedSetEvictsOldest(t *testing.T) {
	set := newRemovedSet(2)
	set.add("a")
	set.add("b")
	set.add("a")
	set.add("c")

	assert.True(t, set.contains("a"))
	assert.True(t, set.contains("c"))
	assert.False(t, set.contains("b"))
	assert.Equal(t, 2, set.len())

	set.forget("a")
	assert.False(t, set.contains("a"))
	assert.Equal(t, 1, set.len())
}

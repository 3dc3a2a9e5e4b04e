package selector

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStickyMap_BindAndLookup(t *testing.T) {
	m := NewStickyMap(0)

	_, ok := m.Lookup([]byte("session-1"))
	assert.False(t, ok)

	m.Bind([]byte("session-1"), "backend-a")
	id, ok := m.Lookup([]byte("session-1"))
	require.True(t, ok)
	assert.Equal(t, "backend-a", id)

	m.Forget([]byte("session-1"))
	_, ok = m.Lookup([]byte("session-1"))
	assert.False(t, ok)
}

func TestStickyMap_EvictsAtCapacity(t *testing.T) {
	m := NewStickyMap(10)

	for i := 0; i < 25; i++ {
		m.Bind([]byte(fmt.Sprintf("session-%d", i)), "backend-a")
	}
	assert.Equal(t, 10, m.Len())
}

func TestStickyMap_RebindDoesNotEvict(t *testing.T) {
	m := NewStickyMap(2)

	m.Bind([]byte("session-1"), "backend-a")
	m.Bind([]byte("session-2"), "backend-b")
	m.Bind([]byte("session-1"), "backend-c")

	assert.Equal(t, 2, m.Len())
	id, ok := m.Lookup([]byte("session-1"))
	require.True(t, ok)
	assert.Equal(t, "backend-c", id)
}

func TestStickyMap_DropBackend(t *testing.T) {
	m := NewStickyMap(0)
	m.Bind([]byte("session-1"), "backend-a")
	m.Bind([]byte("session-2"), "backend-a")
	m.Bind([]byte("session-3"), "backend-b")

	m.DropBackend("backend-a")

	assert.Equal(t, 1, m.Len())
	_, ok := m.Lookup([]byte("session-1"))
	assert.False(t, ok)
}

func TestSelector_StickyRoutesSameBackend(t *testing.T) {
	reg := newTestRegistry(t, "backend-a", "backend-b", "backend-c")
	s := New(reg, WithStickySessions(NewStickyMap(0)))

	session := []byte("session-42")
	first, err := s.PickSticky(RoundRobin, session)
	require.NoError(t, err)
	first.Release()

	// Round-robin would move on; the sticky binding pins the session.
	for i := 0; i < 10; i++ {
		b, err := s.PickSticky(RoundRobin, session)
		require.NoError(t, err)
		assert.Equal(t, first.ID(), b.ID())
		b.Release()
	}
}

func TestSelector_StickyRequiresSession(t *testing.T) {
	s := New(newTestRegistry(t, "backend-a"), WithStickySessions(NewStickyMap(0)))

	_, err := s.PickSticky(RoundRobin, nil)
	assert.ErrorIs(t, err, ErrMissingRoutingKey)
}

func TestSelector_StickyRebindsWhenBackendIneligible(t *testing.T) {
	reg := newTestRegistry(t, "backend-a", "backend-b")
	sticky := NewStickyMap(0)
	s := New(reg, WithStickySessions(sticky))

	session := []byte("session-42")
	first, err := s.PickSticky(RoundRobin, session)
	require.NoError(t, err)
	first.Release()

	bound, ok := reg.Get(first.ID())
	require.True(t, ok)
	bound.Breaker().ForceOpen()

	second, err := s.PickSticky(RoundRobin, session)
	require.NoError(t, err)
	second.Release()
	assert.NotEqual(t, first.ID(), second.ID())

	// The fresh pick replaces the stale binding.
	id, ok := sticky.Lookup(session)
	require.True(t, ok)
	assert.Equal(t, second.ID(), id)
}

func TestSelector_StickyWithoutMapFallsThrough(t *testing.T) {
	s := New(newTestRegistry(t, "backend-a"))

	b, err := s.PickSticky(RoundRobin, []byte("session-42"))
	require.NoError(t, err)
	b.Release()
	assert.Equal(t, "backend-a", b.ID())
}

func TestSelector_StickyAllBackendsDown(t *testing.T) {
	reg := newTestRegistry(t, "backend-a")
	s := New(reg, WithStickySessions(NewStickyMap(0)))

	b, ok := reg.Get("backend-a")
	require.True(t, ok)
	b.Breaker().ForceOpen()

	_, err := s.PickSticky(RoundRobin, []byte("session-42"))
	assert.ErrorIs(t, err, ErrNoBackendAvailable)
}

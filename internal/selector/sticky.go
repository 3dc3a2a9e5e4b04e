package selector

import (
	"sync"
)

// StickyMap records the last-selected backend per session so related
// requests keep landing on the same backend while it stays eligible.
// Entries are evicted in insertion-agnostic order once maxEntries is
// exceeded, and dropped wholesale when their backend disappears.
type StickyMap struct {
	mu         sync.RWMutex
	bindings   map[string]string
	maxEntries int
}

// DefaultStickyMaxEntries bounds the sticky map when no limit is given.
const DefaultStickyMaxEntries = 65536

// NewStickyMap creates a sticky-session map holding at most maxEntries
// bindings. A non-positive limit falls back to DefaultStickyMaxEntries.
func NewStickyMap(maxEntries int) *StickyMap {
	if maxEntries <= 0 {
		maxEntries = DefaultStickyMaxEntries
	}
	return &StickyMap{
		bindings:   make(map[string]string),
		maxEntries: maxEntries,
	}
}

// Lookup returns the backend id bound to the session, if any.
func (m *StickyMap) Lookup(session []byte) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bindings[string(session)]
	return id, ok
}

// Bind records the backend id for the session, evicting an arbitrary
// binding when the map is full.
func (m *StickyMap) Bind(session []byte, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(session)
	if _, exists := m.bindings[key]; !exists && len(m.bindings) >= m.maxEntries {
		for victim := range m.bindings {
			delete(m.bindings, victim)
			break
		}
	}
	m.bindings[key] = id
}

// Forget drops the binding for a session.
func (m *StickyMap) Forget(session []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, string(session))
}

// DropBackend removes every binding pointing at the given backend.
// Called when a backend is unregistered.
func (m *StickyMap) DropBackend(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for session, bound := range m.bindings {
		if bound == id {
			delete(m.bindings, session)
		}
	}
}

// Len returns the number of recorded bindings.
func (m *StickyMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bindings)
}

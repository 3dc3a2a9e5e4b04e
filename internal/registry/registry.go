package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/upstreamd/upstreamd/internal/breaker"
	"github.com/upstreamd/upstreamd/internal/observability"
	"github.com/upstreamd/upstreamd/internal/ring"
)

// ErrDuplicateID is returned when adding a backend whose id already exists.
var ErrDuplicateID = errors.New("backend id already registered")

// ErrUnknownID is returned when referencing a backend that is not registered.
var ErrUnknownID = errors.New("backend not found")

// Registry is the authoritative concurrent store of backends.
//
// Configuration mutations (Add, Remove, Update) are serialized by a mutex.
// Reads never take that mutex: the membership list and the hash ring are
// immutable snapshots behind atomic pointers, rebuilt on each committed
// mutation, so routing reads see a consistent view without blocking on
// concurrent per-backend state changes.
type Registry struct {
	mu          sync.Mutex
	entries     map[string]*Backend
	subscribers []func()

	members atomic.Pointer[[]*Backend]
	hashing atomic.Pointer[ring.Ring]

	breakerConfig     *breaker.Config
	replicasPerWeight int
	clock             clockwork.Clock
	logger            observability.Logger
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry and the breakers it creates.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithBreakerConfig sets the circuit breaker configuration applied to every
// registered backend.
func WithBreakerConfig(cfg *breaker.Config) Option {
	return func(r *Registry) {
		r.breakerConfig = cfg
	}
}

// WithVirtualNodesPerWeight sets the hash ring virtual-node multiplier.
func WithVirtualNodesPerWeight(n int) Option {
	return func(r *Registry) {
		r.replicasPerWeight = n
	}
}

// WithClock sets the clock injected into circuit breakers. Intended for
// tests.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:           make(map[string]*Backend),
		breakerConfig:     breaker.DefaultConfig(),
		replicasPerWeight: ring.DefaultVirtualNodesPerWeight,
		clock:             clockwork.NewRealClock(),
		logger:            observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	empty := make([]*Backend, 0)
	r.members.Store(&empty)
	r.hashing.Store(ring.New(nil, r.replicasPerWeight))
	return r
}

// Add registers a new backend. It fails with ErrDuplicateID when the id is
// already registered.
func (r *Registry) Add(spec BackendSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("backend id is required")
	}

	r.mu.Lock()
	if _, exists := r.entries[spec.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, spec.ID)
	}

	cfg := *r.breakerConfig
	cb := breaker.New(spec.ID, &cfg,
		breaker.WithLogger(r.logger),
		breaker.WithClock(r.clock),
	)

	entry := newBackend(spec, cb)
	r.entries[spec.ID] = entry
	r.rebuildLocked()
	subs := r.snapshotSubscribersLocked()
	r.mu.Unlock()

	r.logger.Info("registered backend",
		observability.String("id", spec.ID),
		observability.String("addr", spec.Target.Addr()),
		observability.Int("weight", entry.Weight()),
	)

	notify(subs)
	return nil
}

// Remove unregisters a backend. It fails with ErrUnknownID when absent.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	if _, exists := r.entries[id]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}

	delete(r.entries, id)
	r.rebuildLocked()
	subs := r.snapshotSubscribersLocked()
	r.mu.Unlock()

	r.logger.Info("unregistered backend",
		observability.String("id", id),
	)

	notify(subs)
	return nil
}

// Update applies a partial mutation to a registered backend. The hash ring
// is rebuilt only when the weight or enabled flag actually changed.
func (r *Registry) Update(id string, patch Patch) error {
	r.mu.Lock()
	entry, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}

	ringDirty := false
	if patch.Weight != nil {
		weight := *patch.Weight
		if weight < 1 {
			weight = 1
		}
		if entry.Weight() != weight {
			entry.weight.Store(int32(weight))
			ringDirty = true
		}
	}
	if patch.Enabled != nil && entry.Enabled() != *patch.Enabled {
		entry.enabled.Store(*patch.Enabled)
		ringDirty = true
	}
	if patch.MaxConnections != nil {
		entry.maxConns.Store(*patch.MaxConnections)
	}

	var subs []func()
	if ringDirty {
		r.rebuildLocked()
		subs = r.snapshotSubscribersLocked()
	}
	r.mu.Unlock()

	r.logger.Info("updated backend",
		observability.String("id", id),
		observability.Int("weight", entry.Weight()),
		observability.Bool("enabled", entry.Enabled()),
	)

	notify(subs)
	return nil
}

// Get returns a backend by id.
func (r *Registry) Get(id string) (*Backend, bool) {
	members := *r.members.Load()
	// Membership is sorted by id; binary search keeps Get lock-free.
	i := sort.Search(len(members), func(i int) bool {
		return members[i].id >= id
	})
	if i < len(members) && members[i].id == id {
		return members[i], true
	}
	return nil, false
}

// All returns the current membership snapshot, sorted by id. The returned
// slice must not be modified.
func (r *Registry) All() []*Backend {
	return *r.members.Load()
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	return len(*r.members.Load())
}

// SnapshotEligible returns the backends that may receive traffic: enabled,
// not unhealthy, not breaker-open, and under their connection cap. The
// result is a fresh slice over an immutable membership snapshot; callers
// may retain and reorder it freely.
func (r *Registry) SnapshotEligible() []*Backend {
	members := *r.members.Load()

	eligible := make([]*Backend, 0, len(members))
	for _, b := range members {
		if b.Routable() {
			eligible = append(eligible, b)
		}
	}

	RecordEligible(len(eligible))
	return eligible
}

// Ring returns the current hash ring snapshot.
func (r *Registry) Ring() *ring.Ring {
	return r.hashing.Load()
}

// Subscribe registers a callback invoked after every committed membership
// or ring-affecting mutation. Callbacks run outside the registry lock.
func (r *Registry) Subscribe(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// rebuildLocked recomputes the membership snapshot and the hash ring from
// the entry map and swaps both pointers. Caller must hold r.mu. Readers
// either see the state fully before or fully after the swap.
func (r *Registry) rebuildLocked() {
	members := make([]*Backend, 0, len(r.entries))
	for _, b := range r.entries {
		members = append(members, b)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].id < members[j].id
	})

	nodes := make([]ring.Node, 0, len(members))
	for _, b := range members {
		if !b.Enabled() {
			continue
		}
		nodes = append(nodes, ring.Node{ID: b.id, Weight: b.Weight()})
	}

	fresh := ring.New(nodes, r.replicasPerWeight)
	r.members.Store(&members)
	r.hashing.Store(fresh)

	RecordMembership(len(members), fresh.Len())
}

// snapshotSubscribersLocked copies the subscriber list. Caller must hold
// r.mu.
func (r *Registry) snapshotSubscribersLocked() []func() {
	if len(r.subscribers) == 0 {
		return nil
	}
	subs := make([]func(), len(r.subscribers))
	copy(subs, r.subscribers)
	return subs
}

func notify(subs []func()) {
	for _, fn := range subs {
		fn()
	}
}

package selector

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upstreamd/upstreamd/internal/registry"
)

func newTestRegistry(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.WithVirtualNodesPerWeight(50))
	for _, id := range ids {
		require.NoError(t, reg.Add(registry.BackendSpec{
			ID:     id,
			Target: registry.Target{Address: "10.0.0.1", Port: 8080},
			Weight: 1,
		}))
	}
	return reg
}

// pickAndRelease selects a backend and immediately releases the
// reservation so connection counts do not skew subsequent picks.
func pickAndRelease(t *testing.T, s *Selector, alg Algorithm, key []byte) string {
	t.Helper()
	b, err := s.Pick(alg, key)
	require.NoError(t, err)
	b.Release()
	return b.ID()
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		expected Algorithm
		wantErr  bool
	}{
		{"roundRobin", RoundRobin, false},
		{"", RoundRobin, false},
		{"leastConnections", LeastConnections, false},
		{"consistentHash", ConsistentHash, false},
		{"random", Random, false},
		{"weightedRandom", WeightedRandom, false},
		{"fastest", RoundRobin, true},
	}

	for _, tt := range tests {
		alg, err := Parse(tt.name)
		if tt.wantErr {
			assert.Error(t, err, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.expected, alg, tt.name)
	}
}

func TestSelector_EmptyPool(t *testing.T) {
	s := New(newTestRegistry(t))

	for _, alg := range []Algorithm{RoundRobin, LeastConnections, ConsistentHash, Random, WeightedRandom} {
		_, err := s.Pick(alg, []byte("key"))
		assert.ErrorIs(t, err, ErrNoBackendAvailable, alg.String())
	}
}

func TestSelector_ConsistentHashRequiresKey(t *testing.T) {
	s := New(newTestRegistry(t, "backend-a"))

	_, err := s.Pick(ConsistentHash, nil)
	assert.ErrorIs(t, err, ErrMissingRoutingKey)

	_, err = s.Pick(ConsistentHash, []byte{})
	assert.ErrorIs(t, err, ErrMissingRoutingKey)
}

func TestSelector_RoundRobinFairness(t *testing.T) {
	reg := newTestRegistry(t, "backend-a", "backend-b", "backend-c")
	s := New(reg)

	counts := make(map[string]int)
	for i := 0; i < 6; i++ {
		counts[pickAndRelease(t, s, RoundRobin, nil)]++
	}

	// With a stable eligible set every backend is visited exactly once per
	// cycle.
	require.Len(t, counts, 3)
	for id, n := range counts {
		assert.Equal(t, 2, n, id)
	}
}

func TestSelector_RoundRobinSkipsIneligible(t *testing.T) {
	reg := newTestRegistry(t, "backend-a", "backend-b", "backend-c")
	s := New(reg)

	b, ok := reg.Get("backend-b")
	require.True(t, ok)
	b.Breaker().ForceOpen()

	for i := 0; i < 10; i++ {
		assert.NotEqual(t, "backend-b", pickAndRelease(t, s, RoundRobin, nil))
	}
}

func TestSelector_PickReservesConnection(t *testing.T) {
	reg := newTestRegistry(t, "backend-a")
	s := New(reg)

	b, err := s.Pick(RoundRobin, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Connections())

	b.Release()
	assert.Equal(t, int64(0), b.Connections())
}

func TestSelector_LeastConnectionsPrefersLessLoaded(t *testing.T) {
	reg := newTestRegistry(t, "backend-a", "backend-b")
	s := New(reg)

	loaded, ok := reg.Get("backend-a")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		require.True(t, loaded.Acquire())
	}

	// With two members, power-of-two-choices always compares both, so the
	// idle backend wins every time.
	for i := 0; i < 20; i++ {
		assert.Equal(t, "backend-b", pickAndRelease(t, s, LeastConnections, nil))
	}
}

func TestSelector_LeastConnectionsSingleBackend(t *testing.T) {
	s := New(newTestRegistry(t, "backend-a"))
	assert.Equal(t, "backend-a", pickAndRelease(t, s, LeastConnections, nil))
}

func TestSelector_ConsistentHashStability(t *testing.T) {
	s := New(newTestRegistry(t, "backend-a", "backend-b", "backend-c"))

	key := []byte("session-7")
	first := pickAndRelease(t, s, ConsistentHash, key)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, pickAndRelease(t, s, ConsistentHash, key))
	}
}

func TestSelector_ConsistentHashSkipsOpenBreaker(t *testing.T) {
	reg := newTestRegistry(t, "backend-a", "backend-b", "backend-c")
	s := New(reg)

	key := []byte("session-7")
	owner := pickAndRelease(t, s, ConsistentHash, key)

	b, ok := reg.Get(owner)
	require.True(t, ok)
	b.Breaker().ForceOpen()

	// The key walks to the next ring owner and stays there.
	fallback := pickAndRelease(t, s, ConsistentHash, key)
	require.NotEqual(t, owner, fallback)
	for i := 0; i < 20; i++ {
		assert.Equal(t, fallback, pickAndRelease(t, s, ConsistentHash, key))
	}
}

func TestSelector_ConsistentHashKeysSpread(t *testing.T) {
	s := New(newTestRegistry(t, "backend-a", "backend-b", "backend-c"))

	counts := make(map[string]int)
	for i := 0; i < 300; i++ {
		counts[pickAndRelease(t, s, ConsistentHash, []byte(fmt.Sprintf("key-%d", i)))]++
	}
	assert.Len(t, counts, 3)
}

func TestSelector_RandomCoversPool(t *testing.T) {
	s := New(newTestRegistry(t, "backend-a", "backend-b", "backend-c"))

	counts := make(map[string]int)
	for i := 0; i < 300; i++ {
		counts[pickAndRelease(t, s, Random, nil)]++
	}
	assert.Len(t, counts, 3)
}

func TestSelector_WeightedRandomDistribution(t *testing.T) {
	reg := registry.New(registry.WithVirtualNodesPerWeight(10))
	for id, weight := range map[string]int{"backend-a": 100, "backend-b": 100, "backend-c": 50} {
		require.NoError(t, reg.Add(registry.BackendSpec{
			ID:     id,
			Target: registry.Target{Address: "10.0.0.1", Port: 8080},
			Weight: weight,
		}))
	}
	s := New(reg)

	const draws = 100000
	counts := make(map[string]int)
	for i := 0; i < draws; i++ {
		counts[pickAndRelease(t, s, WeightedRandom, nil)]++
	}

	// Expected shares: 0.4, 0.4, 0.2. Three-sigma for 100k draws is well
	// under a percentage point; 0.02 leaves ample margin.
	assert.InDelta(t, 0.4, float64(counts["backend-a"])/draws, 0.02)
	assert.InDelta(t, 0.4, float64(counts["backend-b"])/draws, 0.02)
	assert.InDelta(t, 0.2, float64(counts["backend-c"])/draws, 0.02)
}

func TestSelector_WeightedRandomRenormalizes(t *testing.T) {
	reg := registry.New(registry.WithVirtualNodesPerWeight(10))
	for id, weight := range map[string]int{"backend-a": 100, "backend-b": 1, "backend-c": 1} {
		require.NoError(t, reg.Add(registry.BackendSpec{
			ID:     id,
			Target: registry.Target{Address: "10.0.0.1", Port: 8080},
			Weight: weight,
		}))
	}
	s := New(reg)

	heavy, ok := reg.Get("backend-a")
	require.True(t, ok)
	heavy.Breaker().ForceOpen()

	// The excluded backend's weight is not inherited: the rest split the
	// probability mass evenly.
	const draws = 5000
	counts := make(map[string]int)
	for i := 0; i < draws; i++ {
		counts[pickAndRelease(t, s, WeightedRandom, nil)]++
	}

	assert.Zero(t, counts["backend-a"])
	assert.InDelta(t, 0.5, float64(counts["backend-b"])/draws, 0.05)
	assert.InDelta(t, 0.5, float64(counts["backend-c"])/draws, 0.05)
}

func TestSelector_AlgorithmString(t *testing.T) {
	assert.Equal(t, "roundRobin", RoundRobin.String())
	assert.Equal(t, "leastConnections", LeastConnections.String())
	assert.Equal(t, "consistentHash", ConsistentHash.String())
	assert.Equal(t, "random", Random.String())
	assert.Equal(t, "weightedRandom", WeightedRandom.String())
}

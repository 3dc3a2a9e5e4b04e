package engine

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upstreamd/upstreamd/internal/breaker"
	"github.com/upstreamd/upstreamd/internal/registry"
	"github.com/upstreamd/upstreamd/internal/selector"
)

func backendSpec(id string) registry.BackendSpec {
	return registry.BackendSpec{
		ID:     id,
		Target: registry.Target{Address: "10.0.0.1", Port: 8080},
		Weight: 1,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	eng, err := New(cfg, WithClock(clock))
	require.NoError(t, err)
	return eng, clock
}

func TestEngine_RegistersInitialBackends(t *testing.T) {
	eng, _ := newTestEngine(t, Config{
		Backends: []registry.BackendSpec{backendSpec("backend-a"), backendSpec("backend-b")},
	})

	assert.Equal(t, 2, eng.Registry().Len())
}

func TestEngine_RejectsDuplicateInitialBackends(t *testing.T) {
	_, err := New(Config{
		Backends: []registry.BackendSpec{backendSpec("backend-a"), backendSpec("backend-a")},
	})
	assert.ErrorIs(t, err, registry.ErrDuplicateID)
}

func TestEngine_SelectAndReport(t *testing.T) {
	eng, _ := newTestEngine(t, Config{
		Backends: []registry.BackendSpec{backendSpec("backend-a")},
	})

	id, err := eng.Select(nil)
	require.NoError(t, err)
	assert.Equal(t, "backend-a", id)

	b, ok := eng.Backend(id)
	require.True(t, ok)
	assert.Equal(t, int64(1), b.Connections())

	eng.ReportOutcome(id, OutcomeSuccess, 5*time.Millisecond)
	assert.Equal(t, int64(0), b.Connections())
}

func TestEngine_BreakerExcludesFailingBackend(t *testing.T) {
	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.OpenTimeout = 10 * time.Second

	eng, clock := newTestEngine(t, Config{
		Breaker:  cfg,
		Backends: []registry.BackendSpec{backendSpec("backend-a"), backendSpec("backend-b")},
	})

	// Fail every request that lands on backend-a until its breaker opens.
	failuresSeen := 0
	for failuresSeen < 2 {
		id, err := eng.Select(nil)
		require.NoError(t, err)
		if id == "backend-a" {
			eng.ReportOutcome(id, OutcomeFailure, time.Millisecond)
			failuresSeen++
		} else {
			eng.ReportOutcome(id, OutcomeSuccess, time.Millisecond)
		}
	}

	state, err := eng.CurrentBreakerState("backend-a")
	require.NoError(t, err)
	require.Equal(t, breaker.StateOpen, state)

	// While open, every selection lands on the healthy backend.
	for i := 0; i < 10; i++ {
		id, err := eng.Select(nil)
		require.NoError(t, err)
		assert.Equal(t, "backend-b", id)
		eng.ReportOutcome(id, OutcomeSuccess, time.Millisecond)
	}

	// After the cool-down backend-a is admitted again; successful trials
	// close its breaker.
	clock.Advance(10 * time.Second)
	successes := 0
	for i := 0; i < 20 && successes < 2; i++ {
		id, err := eng.Select(nil)
		require.NoError(t, err)
		eng.ReportOutcome(id, OutcomeSuccess, time.Millisecond)
		if id == "backend-a" {
			successes++
		}
	}
	require.Equal(t, 2, successes)

	state, err = eng.CurrentBreakerState("backend-a")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, state)
}

func TestEngine_AllBreakersOpen(t *testing.T) {
	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = 1

	eng, _ := newTestEngine(t, Config{
		Breaker:  cfg,
		Backends: []registry.BackendSpec{backendSpec("backend-a")},
	})

	id, err := eng.Select(nil)
	require.NoError(t, err)
	eng.ReportOutcome(id, OutcomeFailure, time.Millisecond)

	_, err = eng.Select(nil)
	assert.ErrorIs(t, err, selector.ErrNoBackendAvailable)
}

func TestEngine_ReportOutcomeUnknownBackend(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})

	// Reports racing a removal are dropped silently.
	eng.ReportOutcome("ghost", OutcomeSuccess, time.Millisecond)
	eng.ReportOutcome("ghost", OutcomeFailure, time.Millisecond)
}

func TestEngine_ConsistentHashRequiresKey(t *testing.T) {
	eng, _ := newTestEngine(t, Config{
		Algorithm: selector.ConsistentHash,
		Backends:  []registry.BackendSpec{backendSpec("backend-a")},
	})

	_, err := eng.Select(nil)
	assert.ErrorIs(t, err, selector.ErrMissingRoutingKey)

	id, err := eng.Select([]byte("session-1"))
	require.NoError(t, err)
	eng.ReportOutcome(id, OutcomeSuccess, time.Millisecond)
}

func TestEngine_SelectBackendOverridesAlgorithm(t *testing.T) {
	eng, _ := newTestEngine(t, Config{
		Algorithm: selector.RoundRobin,
		Backends:  []registry.BackendSpec{backendSpec("backend-a"), backendSpec("backend-b")},
	})

	key := []byte("session-1")
	first, err := eng.SelectBackend(selector.ConsistentHash, key)
	require.NoError(t, err)
	eng.ReportOutcome(first, OutcomeSuccess, time.Millisecond)

	for i := 0; i < 10; i++ {
		id, err := eng.SelectBackend(selector.ConsistentHash, key)
		require.NoError(t, err)
		assert.Equal(t, first, id)
		eng.ReportOutcome(id, OutcomeSuccess, time.Millisecond)
	}
}

func TestEngine_StickySessions(t *testing.T) {
	eng, _ := newTestEngine(t, Config{
		Sticky:   true,
		Backends: []registry.BackendSpec{backendSpec("backend-a"), backendSpec("backend-b"), backendSpec("backend-c")},
	})

	session := []byte("session-42")
	first, err := eng.Select(session)
	require.NoError(t, err)
	eng.ReportOutcome(first, OutcomeSuccess, time.Millisecond)

	for i := 0; i < 10; i++ {
		id, err := eng.Select(session)
		require.NoError(t, err)
		assert.Equal(t, first, id)
		eng.ReportOutcome(id, OutcomeSuccess, time.Millisecond)
	}

	// Removing the bound backend rebinds the session elsewhere.
	require.NoError(t, eng.RemoveBackend(first))
	second, err := eng.Select(session)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	eng.ReportOutcome(second, OutcomeSuccess, time.Millisecond)
}

func TestEngine_AddRemoveUpdate(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})

	require.NoError(t, eng.AddBackend(backendSpec("backend-a")))
	assert.ErrorIs(t, eng.AddBackend(backendSpec("backend-a")), registry.ErrDuplicateID)

	weight := 5
	require.NoError(t, eng.UpdateBackend("backend-a", registry.Patch{Weight: &weight}))
	b, ok := eng.Backend("backend-a")
	require.True(t, ok)
	assert.Equal(t, 5, b.Weight())

	require.NoError(t, eng.RemoveBackend("backend-a"))
	assert.ErrorIs(t, eng.RemoveBackend("backend-a"), registry.ErrUnknownID)
	assert.ErrorIs(t, eng.UpdateBackend("backend-a", registry.Patch{}), registry.ErrUnknownID)
}

func TestEngine_CurrentStateUnknownBackend(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})

	_, err := eng.CurrentHealth("ghost")
	assert.ErrorIs(t, err, registry.ErrUnknownID)

	_, err = eng.CurrentBreakerState("ghost")
	assert.ErrorIs(t, err, registry.ErrUnknownID)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "failure", OutcomeFailure.String())
}

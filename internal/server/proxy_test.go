package server

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upstreamd/upstreamd/internal/breaker"
	"github.com/upstreamd/upstreamd/internal/engine"
	"github.com/upstreamd/upstreamd/internal/registry"
	"github.com/upstreamd/upstreamd/internal/selector"
)

func targetFor(t *testing.T, srv *httptest.Server) registry.Target {
	t.Helper()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return registry.Target{Address: host, Port: port}
}

func newProxyEngine(t *testing.T, cfg engine.Config) *engine.Engine {
	t.Helper()
	eng, err := engine.New(cfg)
	require.NoError(t, err)
	return eng
}

func TestProxy_ForwardsToBackend(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/items", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("upstream says hi"))
	}))
	defer upstream.Close()

	eng := newProxyEngine(t, engine.Config{
		Backends: []registry.BackendSpec{{ID: "backend-a", Target: targetFor(t, upstream)}},
	})
	proxy := NewProxy(eng)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, "upstream says hi", string(body))

	// The reservation is released once the outcome is reported.
	b, ok := eng.Backend("backend-a")
	require.True(t, ok)
	assert.Equal(t, int64(0), b.Connections())
	assert.Equal(t, breaker.StateClosed, b.Breaker().State())
}

func TestProxy_NoBackends(t *testing.T) {
	proxy := NewProxy(newProxyEngine(t, engine.Config{}))

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProxy_ServerErrorFeedsBreaker(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	breakerCfg := breaker.DefaultConfig()
	breakerCfg.FailureThreshold = 1

	eng := newProxyEngine(t, engine.Config{
		Breaker:  breakerCfg,
		Backends: []registry.BackendSpec{{ID: "backend-a", Target: targetFor(t, upstream)}},
	})
	proxy := NewProxy(eng)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// One 5xx trips the threshold-1 breaker; the next request finds no
	// eligible backend.
	b, ok := eng.Backend("backend-a")
	require.True(t, ok)
	require.Equal(t, breaker.StateOpen, b.Breaker().State())

	rec = httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProxy_UnreachableBackend(t *testing.T) {
	breakerCfg := breaker.DefaultConfig()
	breakerCfg.FailureThreshold = 1

	eng := newProxyEngine(t, engine.Config{
		Breaker: breakerCfg,
		Backends: []registry.BackendSpec{{
			ID:     "backend-a",
			Target: registry.Target{Address: "127.0.0.1", Port: 1},
		}},
	})
	proxy := NewProxy(eng)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	b, ok := eng.Backend("backend-a")
	require.True(t, ok)
	assert.Equal(t, breaker.StateOpen, b.Breaker().State())
	assert.Equal(t, int64(0), b.Connections())
}

func TestProxy_StickySessionHeader(t *testing.T) {
	newUpstream := func(id string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(id))
		}))
	}
	upstreamA := newUpstream("backend-a")
	defer upstreamA.Close()
	upstreamB := newUpstream("backend-b")
	defer upstreamB.Close()

	eng := newProxyEngine(t, engine.Config{
		Algorithm: selector.RoundRobin,
		Sticky:    true,
		Backends: []registry.BackendSpec{
			{ID: "backend-a", Target: targetFor(t, upstreamA)},
			{ID: "backend-b", Target: targetFor(t, upstreamB)},
		},
	})
	proxy := NewProxy(eng, WithSessionHeader("X-Session-ID"))

	serve := func(session string) string {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Session-ID", session)
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		body, _ := io.ReadAll(rec.Body)
		return string(body)
	}

	// Round-robin would alternate; the session header pins the backend.
	first := serve("session-42")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, serve("session-42"))
	}
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.Header().Get(RequestIDHeader)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestRequestID_ReusesClientID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "client-supplied-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "client-supplied-id", rec.Header().Get(RequestIDHeader))
}

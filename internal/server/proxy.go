// Package server provides the HTTP front of upstreamd: the reverse proxy
// that dispatches requests through the routing engine, plus the metrics
// and health endpoints.
package server

import (
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/upstreamd/upstreamd/internal/engine"
	"github.com/upstreamd/upstreamd/internal/observability"
	"github.com/upstreamd/upstreamd/internal/selector"
)

// DefaultSessionHeader carries the session identifier for sticky routing
// when the configuration does not name one.
const DefaultSessionHeader = "X-Session-ID"

// Proxy is the reverse proxy handler. Every request is routed through the
// engine: select a backend, forward, report the outcome.
type Proxy struct {
	engine        *engine.Engine
	logger        observability.Logger
	transport     http.RoundTripper
	sessionHeader string
}

// ProxyOption is a functional option for configuring the proxy.
type ProxyOption func(*Proxy)

// WithProxyLogger sets the logger for the proxy.
func WithProxyLogger(logger observability.Logger) ProxyOption {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// WithTransport sets the transport used for upstream requests.
func WithTransport(transport http.RoundTripper) ProxyOption {
	return func(p *Proxy) {
		p.transport = transport
	}
}

// WithSessionHeader sets the request header carrying the session
// identifier.
func WithSessionHeader(header string) ProxyOption {
	return func(p *Proxy) {
		if header != "" {
			p.sessionHeader = header
		}
	}
}

// NewProxy creates a reverse proxy backed by the routing engine.
func NewProxy(eng *engine.Engine, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		engine:        eng,
		logger:        observability.NopLogger(),
		sessionHeader: DefaultSessionHeader,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id, err := p.engine.Select(p.routingKey(r))
	if err != nil {
		p.handleSelectionError(w, r, err)
		return
	}

	b, ok := p.engine.Backend(id)
	if !ok {
		// Removed between selection and dispatch.
		http.Error(w, "no backend available", http.StatusServiceUnavailable)
		return
	}

	target, err := url.Parse(b.Target().URL())
	if err != nil {
		p.engine.ReportOutcome(id, engine.OutcomeFailure, time.Since(start))
		p.logger.Error("invalid backend target",
			observability.String("backend", id),
			observability.Error(err),
		)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	// The engine holds a connection reservation for the backend until the
	// outcome is reported. Exactly one report per request.
	var reportOnce sync.Once
	report := func(outcome engine.Outcome) {
		reportOnce.Do(func() {
			p.engine.ReportOutcome(id, outcome, time.Since(start))
		})
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = r.Host
		},
		Transport: p.transport,
		ModifyResponse: func(resp *http.Response) error {
			if resp.StatusCode >= http.StatusInternalServerError {
				report(engine.OutcomeFailure)
			} else {
				report(engine.OutcomeSuccess)
			}
			RecordRequest(r.Method, resp.StatusCode, time.Since(start))
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			report(engine.OutcomeFailure)
			p.logger.Warn("upstream request failed",
				observability.String("backend", id),
				observability.String("request_id", observability.RequestIDFromContext(r.Context())),
				observability.Error(err),
			)
			RecordRequest(r.Method, http.StatusBadGateway, time.Since(start))
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	rp.ServeHTTP(w, r)
}

// routingKey derives the per-request key used for sticky sessions and
// consistent hashing: the session header when present, otherwise the
// client address.
func (p *Proxy) routingKey(r *http.Request) []byte {
	if v := r.Header.Get(p.sessionHeader); v != "" {
		return []byte(v)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return []byte(host)
}

// handleSelectionError maps selection errors to responses.
func (p *Proxy) handleSelectionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, selector.ErrNoBackendAvailable) {
		p.logger.Warn("no backend available",
			observability.String("path", r.URL.Path),
		)
		RecordRequest(r.Method, http.StatusServiceUnavailable, 0)
		http.Error(w, "no backend available", http.StatusServiceUnavailable)
		return
	}

	p.logger.Error("backend selection failed", observability.Error(err))
	RecordRequest(r.Method, http.StatusInternalServerError, 0)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

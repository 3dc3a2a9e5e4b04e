package probe

import (
	"context"
	"fmt"
	"net/http"

	"github.com/upstreamd/upstreamd/internal/registry"
)

// DefaultProbePath is used when neither the backend target nor the prober
// carries a health-check path.
const DefaultProbePath = "/healthz"

// HTTPProber probes backends with an HTTP GET against their health path.
// Any 2xx response counts as healthy.
type HTTPProber struct {
	client *http.Client
	path   string
}

// HTTPOption is a functional option for configuring the HTTP prober.
type HTTPOption func(*HTTPProber)

// WithHTTPClient sets the HTTP client used for probe requests.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(p *HTTPProber) {
		p.client = client
	}
}

// WithPath sets the default health-check path.
func WithPath(path string) HTTPOption {
	return func(p *HTTPProber) {
		p.path = path
	}
}

// NewHTTPProber creates an HTTP prober. Per-attempt timeouts come from the
// context the loop passes in, not from the client.
func NewHTTPProber(opts ...HTTPOption) *HTTPProber {
	p := &HTTPProber{
		client: http.DefaultClient,
		path:   DefaultProbePath,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, backend *registry.Backend) error {
	target := backend.Target()
	path := target.Path
	if path == "" {
		path = p.path
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL()+path, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected health check status %d from %s", resp.StatusCode, target.Addr())
	}
	return nil
}

// Package health adapts the teacher's discord/health.Checker into a CLI-only
// diagnostic: it pings the store and probes the upstream API, but is never
// wired onto the HTTP listener (spec.md §6 requires any path other than
// /api/ and /metrics to 404, so a health route has no home there).
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const defaultStatusURL = "https://discord.com/api/v10/gateway"

// StoreProber is the narrow slice of *ratelimitstore.Store this package needs.
type StoreProber interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// Checker performs the proxy's two external reachability checks.
type Checker struct {
	store      StoreProber
	httpClient *http.Client
	statusURL  string
}

// Option configures the health checker.
type Option func(*Checker)

// WithHTTPClient overrides the HTTP client used for the upstream check.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Checker) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithStatusURL overrides the upstream URL probed by CheckUpstream.
func WithStatusURL(url string) Option {
	return func(c *Checker) {
		if url != "" {
			c.statusURL = url
		}
	}
}

// NewChecker builds a Checker.
func NewChecker(store StoreProber, opts ...Option) *Checker {
	c := &Checker{
		store:      store,
		httpClient: http.DefaultClient,
		statusURL:  defaultStatusURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckStore pings the ratelimit store and returns its round-trip latency.
func (c *Checker) CheckStore(ctx context.Context) (time.Duration, error) {
	if c.store == nil {
		return 0, errors.New("store is not configured")
	}
	return c.store.Probe(ctx)
}

// CheckUpstream validates that the upstream REST API is reachable.
func (c *Checker) CheckUpstream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.statusURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("upstream check failed with status %d", resp.StatusCode)
	}
	return nil
}

// Report is the consolidated result of both checks.
type Report struct {
	Timestamp    time.Time         `json:"timestamp"`
	Status       string            `json:"status"`
	StoreLatency float64           `json:"store_latency_ms"`
	Checks       map[string]string `json:"checks"`
}

// Report runs both checks and returns a consolidated status.
func (c *Checker) Report(ctx context.Context) *Report {
	checks := map[string]string{}
	status := "ok"

	latency, err := c.CheckStore(ctx)
	if err != nil {
		checks["store"] = err.Error()
		status = "degraded"
	} else {
		checks["store"] = "ok"
	}

	if err := c.CheckUpstream(ctx); err != nil {
		checks["upstream"] = err.Error()
		status = "degraded"
	} else {
		checks["upstream"] = "ok"
	}

	return &Report{
		Timestamp:    time.Now().UTC(),
		Status:       status,
		StoreLatency: float64(latency) / float64(time.Millisecond),
		Checks:       checks,
	}
}

// Package upstream forwards an admitted request to the remote REST API.
// Adapted from the teacher's discord/client.Client: same pooled-transport
// idiom and middleware chain, stripped of the teacher's own rate-limit
// tracking and 429-retry loop, since by the time a request reaches here the
// admission engine has already decided it may proceed — retrying here would
// duplicate a decision the core already made atomically.
package upstream

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mtreilly/ratelimitproxy/internal/logger"
)

// PoolConfig adjusts HTTP transport pooling behavior (unchanged shape from
// the teacher's client.PoolConfig).
type PoolConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	ExpectContinueTimeout time.Duration
	DisableHTTP2          bool
}

func defaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Client forwards requests to a single upstream base URL over a pooled
// *http.Client, through an ordered middleware chain.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      *logger.Logger
	timeout     time.Duration
	middlewares []Middleware
}

// Option customises the upstream client.
type Option func(*Client)

// WithHTTPClient injects a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger injects a custom logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTimeout overrides the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPoolConfig overrides the HTTP connection pooling settings.
func WithPoolConfig(cfg PoolConfig) Option {
	return func(c *Client) {
		c.httpClient.Transport = newPooledTransport(cfg)
	}
}

// New creates a client forwarding to baseURL (e.g. "https://discord.com");
// Forward appends the full inbound path, including its /api/vN prefix.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: newPooledTransport(defaultPoolConfig())},
		logger:     logger.Default(),
		timeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient.Timeout == 0 {
		c.httpClient.Timeout = c.timeout
	}
	return c
}

func newPooledTransport(cfg PoolConfig) *http.Transport {
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 20
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if cfg.ExpectContinueTimeout <= 0 {
		cfg.ExpectContinueTimeout = time.Second
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     !cfg.DisableHTTP2,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
	}
}

// hopByHopHeaders are stripped from the inbound request before forwarding,
// per RFC 7230 §6.1 — a reverse proxy must not relay connection-scoped
// headers. Response headers are not filtered by this list.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Forward rewrites inboundPath onto the upstream base URL and relays the
// request body and headers verbatim, minus hop-by-hop headers. The caller's
// Authorization header is passed through unchanged, since the upstream
// needs the caller's own credential, not the proxy's.
func (c *Client) Forward(ctx context.Context, method, inboundPath string, headers http.Header, body []byte) (*http.Response, error) {
	url := c.buildURL(inboundPath)

	var reqBody *strings.Reader
	if len(body) > 0 {
		reqBody = strings.NewReader(string(body))
	}

	var httpReq *http.Request
	var err error
	if reqBody != nil {
		httpReq, err = http.NewRequestWithContext(ctx, method, url, reqBody)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return nil, err
	}

	for key, values := range headers {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	start := time.Now()
	resp, err := c.execute(ctx, &Request{Request: httpReq})
	c.logger.Debug("upstream.request",
		"method", method,
		"path", inboundPath,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, err
}

func (c *Client) buildURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// execute runs the HTTP request through the middleware chain, falling back
// to the pooled transport.
func (c *Client) execute(ctx context.Context, req *Request) (*http.Response, error) {
	handler := c.baseHandler()
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}
	return handler(req)
}

func (c *Client) baseHandler() RequestHandler {
	return func(req *Request) (*http.Response, error) {
		return c.httpClient.Do(req.Request)
	}
}

// Use registers middleware in FIFO order (first added, first executed).
func (c *Client) Use(mw ...Middleware) {
	c.middlewares = append(c.middlewares, mw...)
}

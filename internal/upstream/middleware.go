package upstream

import (
	"context"
	"net/http"
	"time"

	"github.com/mtreilly/ratelimitproxy/internal/logger"
)

// Request wraps http.Request to let middleware override context/metadata
// without the caller losing access to the original request.
type Request struct {
	*http.Request
	ctx context.Context
}

// Context returns the request context.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return r.Request.Context()
}

// WithContext updates the underlying http.Request context.
func (r *Request) WithContext(ctx context.Context) {
	r.ctx = ctx
	r.Request = r.Request.WithContext(ctx)
}

// RequestHandler forwards a single request and returns the upstream response.
type RequestHandler func(req *Request) (*http.Response, error)

// Middleware wraps a handler (classic onion, outermost registered first).
type Middleware func(next RequestHandler) RequestHandler

// LoggingMiddleware emits one debug-level line per forwarded request.
func LoggingMiddleware(log *logger.Logger) Middleware {
	if log == nil {
		log = logger.Default()
	}
	return func(next RequestHandler) RequestHandler {
		return func(req *Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next(req)
			log.Debug("upstream.forward",
				"method", req.Method,
				"url", req.URL.String(),
				"status", statusCode(resp),
				"error", err,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return resp, err
		}
	}
}

// MetricsMiddleware reports one observation per forwarded request via collect.
func MetricsMiddleware(collect func(method, path string, status int, duration time.Duration)) Middleware {
	if collect == nil {
		return func(next RequestHandler) RequestHandler { return next }
	}
	return func(next RequestHandler) RequestHandler {
		return func(req *Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next(req)
			collect(req.Method, req.URL.Path, statusCode(resp), time.Since(start))
			return resp, err
		}
	}
}

func statusCode(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// Package proxyhandler wires the ratelimit coordination engine into an
// http.Handler: the "Request Pipeline" spec.md §2 calls out as an external
// collaborator, but one a runnable binary must actually have. It resolves
// identity, classifies the route, admits through the core engine, forwards
// upstream, ingests the response headers, and shapes the reply.
package proxyhandler

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mtreilly/ratelimitproxy/internal/admission"
	"github.com/mtreilly/ratelimitproxy/internal/apierrors"
	"github.com/mtreilly/ratelimitproxy/internal/headeringest"
	"github.com/mtreilly/ratelimitproxy/internal/identity"
	"github.com/mtreilly/ratelimitproxy/internal/logger"
	"github.com/mtreilly/ratelimitproxy/internal/route"
)

// Admitter is the narrow slice of *admission.Engine this handler depends on.
type Admitter interface {
	Admit(ctx context.Context, identity, routeID string, isInteraction bool) (*admission.Admitted, *apierrors.Error)
}

// Forwarder is the narrow slice of *upstream.Client this handler depends on.
type Forwarder interface {
	Forward(ctx context.Context, method, path string, headers http.Header, body []byte) (*http.Response, error)
}

// Ingestor is the narrow slice of *headeringest.Ingestor this handler needs.
type Ingestor interface {
	Ingest(ctx context.Context, req headeringest.Request, statusCode int, headers http.Header, now time.Time) error
}

// MetricsRecorder is the narrow slice of *metrics.Metrics this handler needs.
type MetricsRecorder interface {
	ObserveRequest(outcome string, seconds float64)
}

// Handler implements http.Handler for the proxy's full request pipeline.
type Handler struct {
	classifier     *route.Classifier
	admitter       Admitter
	forwarder      Forwarder
	ingestor       Ingestor
	metrics        MetricsRecorder
	logger         *logger.Logger
	metricsHandler http.Handler
	enableMetrics  bool
}

// Config wires the Handler's collaborators.
type Config struct {
	Classifier     *route.Classifier
	Admitter       Admitter
	Forwarder      Forwarder
	Ingestor       Ingestor
	Metrics        MetricsRecorder
	MetricsHandler http.Handler
	EnableMetrics  bool
	Logger         *logger.Logger
}

// New builds a Handler from cfg.
func New(cfg Config) *Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		classifier:     cfg.Classifier,
		admitter:       cfg.Admitter,
		forwarder:      cfg.Forwarder,
		ingestor:       cfg.Ingestor,
		metrics:        cfg.Metrics,
		metricsHandler: cfg.MetricsHandler,
		enableMetrics:  cfg.EnableMetrics,
		logger:         log,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.enableMetrics && r.URL.Path == "/metrics" && h.metricsHandler != nil {
		h.metricsHandler.ServeHTTP(w, r)
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		http.NotFound(w, r)
		return
	}

	start := time.Now()
	outcome := h.serveAPI(w, r)
	if h.metrics != nil {
		h.metrics.ObserveRequest(outcome, time.Since(start).Seconds())
	}
}

func (h *Handler) serveAPI(w http.ResponseWriter, r *http.Request) string {
	id, err := identity.FromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		writeSynthesized(w, apierrors.BadAuth)
		return string(apierrors.KindBadAuth)
	}

	routeID, isInteraction := h.classifier.Classify(r.Method, r.URL.Path)

	admitted, apiErr := h.admitter.Admit(r.Context(), id.String(), routeID, isInteraction)
	if apiErr != nil {
		writeSynthesized(w, apiErr)
		return string(apiErr.Kind)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeSynthesized(w, apierrors.New(apierrors.KindInternal, "failed to read request body"))
		return string(apierrors.KindInternal)
	}

	resp, err := h.forwarder.Forward(r.Context(), r.Method, r.URL.Path, r.Header, body)
	if err != nil {
		writeSynthesized(w, apierrors.Wrap(apierrors.KindUpstreamTransport, err))
		return string(apierrors.KindUpstreamTransport)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeSynthesized(w, apierrors.Wrap(apierrors.KindUpstreamTransport, err))
		return string(apierrors.KindUpstreamTransport)
	}

	if err := h.ingestor.Ingest(r.Context(), headeringest.Request{
		Identity:        id.String(),
		RouteID:         routeID,
		TimeSlice:       admitted.TimeSlice,
		LockToken:       admitted.LockToken,
		HoldsGlobalLock: admitted.HoldsGlobalLock,
		HoldsRouteLock:  admitted.HoldsRouteLock,
		IsInteraction:   isInteraction,
	}, resp.StatusCode, resp.Header, time.Now()); err != nil {
		h.logger.Error("proxyhandler.ingest_failed", "route", routeID, "error", err)
	}

	copyHeaders(w.Header(), resp.Header)
	if resp.StatusCode == http.StatusTooManyRequests {
		w.Header().Set("X-Sent-By-Proxy", "true")
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
	return "forwarded"
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// writeSynthesized shapes a locally-synthesized rejection per spec.md §7.
func writeSynthesized(w http.ResponseWriter, apiErr *apierrors.Error) {
	w.Header().Set("X-Sent-By-Proxy", "true")
	if apiErr.Bucket != "" {
		w.Header().Set("X-RateLimit-Bucket", apiErr.Bucket)
	}
	if apiErr.Scope != "" {
		w.Header().Set("X-RateLimit-Scope", apiErr.Scope)
	}
	if apiErr.RetryAfter > 0 {
		seconds := int(apiErr.RetryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	w.WriteHeader(apiErr.Kind.StatusCode())
	w.Write([]byte(apiErr.Error()))
}

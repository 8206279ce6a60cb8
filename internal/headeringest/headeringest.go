// Package headeringest parses the upstream's rate-limit response headers
// into bucket parameters and publishes them through the scripted state
// store's unlock scripts, per spec.md §4.5.
package headeringest

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Store is the narrow slice of *ratelimitstore.Store this package needs.
type Store interface {
	UnlockGlobal(ctx context.Context, identity, lockToken string, limit int, ttlMs int64) (bool, error)
	UnlockRoute(ctx context.Context, identity, routeID, lockToken string, limit int, resetAtMs, resetAfterMs, limitTTLMs int64) (bool, error)
	ExpireCounts(ctx context.Context, identity, routeID, timeSlice string, globalExpireAtMs, routeExpireAtMs int64) error
}

// AbortGateArmer is satisfied by *overload.Guard.
type AbortGateArmer interface {
	ArmAbortGate()
}

// Parsed holds the decoded X-RateLimit-* headers (spec.md §4.5's table).
type Parsed struct {
	HasLimit     bool
	Limit        int
	ResetAtMs    int64
	ResetAfterMs int64
	Global       bool
	Scope        string
}

// Parse reads the response headers into a Parsed value. Absent headers
// leave HasLimit false and the caller skips the corresponding unlock.
func Parse(h http.Header) Parsed {
	var p Parsed
	if v := h.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.HasLimit = true
			p.Limit = n
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.ResetAtMs = int64(f * 1000)
		}
	}
	if v := h.Get("X-RateLimit-Reset-After"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.ResetAfterMs = int64(f * 1000)
		}
	}
	p.Global = strings.EqualFold(h.Get("X-RateLimit-Global"), "true")
	p.Scope = h.Get("X-RateLimit-Scope")
	return p
}

// Config carries the TTL defaults named in spec.md §6.
type Config struct {
	GlobalLimitTTLMs      int64 // 0 = never expires
	RouteLimitTTLMs       int64 // default bucket TTL (24h)
	InteractionLimitTTLMs int64 // fixed 15 min
	GlobalTimeSliceOffset time.Duration
}

// Ingestor runs the actions of spec.md §4.5 after every upstream response.
type Ingestor struct {
	store Store
	guard AbortGateArmer
	cfg   Config
}

// New builds an Ingestor.
func New(store Store, guard AbortGateArmer, cfg Config) *Ingestor {
	if cfg.RouteLimitTTLMs == 0 {
		cfg.RouteLimitTTLMs = 24 * time.Hour.Milliseconds()
	}
	if cfg.InteractionLimitTTLMs == 0 {
		cfg.InteractionLimitTTLMs = 15 * time.Minute.Milliseconds()
	}
	return &Ingestor{store: store, guard: guard, cfg: cfg}
}

// Request describes the admitted request whose response is being ingested.
type Request struct {
	Identity        string
	RouteID         string
	TimeSlice       string
	LockToken       string
	HoldsGlobalLock bool
	HoldsRouteLock  bool
	IsInteraction   bool
}

// Ingest applies spec.md §4.5's four actions for one upstream response.
func (ig *Ingestor) Ingest(ctx context.Context, req Request, statusCode int, headers http.Header, now time.Time) error {
	parsed := Parse(headers)

	if parsed.HasLimit && req.HoldsGlobalLock {
		if _, err := ig.store.UnlockGlobal(ctx, req.Identity, req.LockToken, parsed.Limit, ig.cfg.GlobalLimitTTLMs); err != nil {
			return err
		}
	}

	if parsed.HasLimit {
		token := ""
		if req.HoldsRouteLock {
			token = req.LockToken
		}
		limitTTL := ig.cfg.RouteLimitTTLMs
		if req.IsInteraction {
			limitTTL = ig.cfg.InteractionLimitTTLMs
		}
		if _, err := ig.store.UnlockRoute(ctx, req.Identity, req.RouteID, token, parsed.Limit, parsed.ResetAtMs, parsed.ResetAfterMs, limitTTL); err != nil {
			return err
		}
	}

	globalExpireAt := globalWindowEndMs(now, ig.cfg.GlobalTimeSliceOffset)
	if err := ig.store.ExpireCounts(ctx, req.Identity, req.RouteID, req.TimeSlice, globalExpireAt, parsed.ResetAtMs); err != nil {
		return err
	}

	if statusCode == http.StatusTooManyRequests && (parsed.Global || strings.EqualFold(parsed.Scope, "shared")) {
		ig.guard.ArmAbortGate()
	}

	return nil
}

func globalWindowEndMs(now time.Time, offset time.Duration) int64 {
	biased := now.Add(offset)
	windowStart := biased.Truncate(time.Second)
	return windowStart.Add(time.Second).UnixMilli()
}

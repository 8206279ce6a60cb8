// Package admission implements the atomic go/no-go decision for one
// request: spec.md §4.3's admit operation, layered over the scripted state
// store and handing off to internal/discovery whenever the store reports
// that a bucket still needs to be discovered.
package admission

import (
	"context"
	"strconv"
	"time"

	"github.com/mtreilly/ratelimitproxy/internal/apierrors"
	"github.com/mtreilly/ratelimitproxy/internal/overload"
	"github.com/mtreilly/ratelimitproxy/internal/ratelimitstore"
)

// lockTTLSeconds is the fixed 5s reservation named throughout spec.md §3/§4.
const lockTTLSeconds = 5

// Store is the narrow slice of *ratelimitstore.Store the engine depends on,
// kept as an interface so tests can substitute a fake without a live Redis.
type Store interface {
	Admit(ctx context.Context, identity, routeID, timeSlice string, disableGlobal bool, lockToken string, lockTTLSeconds int) (ratelimitstore.AdmitResult, error)
}

// Discoverer resolves a need-* outcome by waiting for (or performing) bucket
// discovery, then signals the engine to retry admit. Implemented by
// internal/discovery.Coordinator.
type Discoverer interface {
	AwaitDiscovery(ctx context.Context, identity, routeID string, needGlobal, needRoute bool) error
}

// Guard reports whether requests must be rejected locally without ever
// reaching the store, and accepts RTT samples for its own watchdog.
type Guard interface {
	Blocked() (blocked bool, abortGate bool)
	RecordLatency(rtt time.Duration)
}

// MetricsRecorder is the narrow slice of *metrics.Metrics the engine reports
// discovery waits through. Optional: a nil Metrics in Config skips the call.
type MetricsRecorder interface {
	RecordDiscoveryWait()
}

// Admitted is returned when a request may proceed to the upstream call.
type Admitted struct {
	LockToken       string
	HoldsGlobalLock bool
	HoldsRouteLock  bool
	RouteID         string
	IsInteraction   bool
	TimeSlice       string
}

// Config carries the operator-tunable knobs named in spec.md §6.
type Config struct {
	DisableGlobalRateLimit bool
	GlobalTimeSliceOffset  time.Duration
	MaxDiscoveryRetries    int
	// Metrics receives one RecordDiscoveryWait() per need-* handoff, if set.
	Metrics MetricsRecorder
}

// Engine is the admission engine described in spec.md §4.3.
type Engine struct {
	store      Store
	discoverer Discoverer
	guard      Guard
	cfg        Config
	now        func() time.Time
}

// New builds an Engine. now is injectable for deterministic tests; pass nil
// to use time.Now.
func New(store Store, discoverer Discoverer, guard Guard, cfg Config, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	if cfg.MaxDiscoveryRetries <= 0 {
		cfg.MaxDiscoveryRetries = 20
	}
	return &Engine{store: store, discoverer: discoverer, guard: guard, cfg: cfg, now: now}
}

// Admit evaluates one request against the global and route buckets for
// identity, retrying through discovery as needed, and returns either an
// Admitted decision or an *apierrors.Error describing the rejection.
func (e *Engine) Admit(ctx context.Context, identity, routeID string, isInteraction bool) (*Admitted, *apierrors.Error) {
	if blocked, isAbortGate := e.guard.Blocked(); blocked {
		if isAbortGate {
			return nil, apierrors.AbortGateOpen
		}
		return nil, apierrors.StoreOverloaded
	}

	for attempt := 0; attempt <= e.cfg.MaxDiscoveryRetries; attempt++ {
		timeSlice := e.timeSlice()
		lockToken := ratelimitstore.NewLockToken()

		start := e.now()
		res, err := e.store.Admit(ctx, identity, routeID, timeSlice, e.cfg.DisableGlobalRateLimit, lockToken, lockTTLSeconds)
		rtt := e.now().Sub(start)
		e.guard.RecordLatency(rtt)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.KindStoreOverloaded, err)
		}

		switch res.Outcome {
		case ratelimitstore.OutcomeAdmit:
			return &Admitted{
				LockToken:       lockToken,
				HoldsGlobalLock: res.HoldsGlobalLock,
				HoldsRouteLock:  res.HoldsRouteLock,
				RouteID:         routeID,
				IsInteraction:   isInteraction,
				TimeSlice:       timeSlice,
			}, nil

		case ratelimitstore.OutcomeRejectedGlobal:
			return nil, &apierrors.Error{
				Kind:       apierrors.KindRejectedGlobal,
				RetryAfter: e.timeUntilNextSlice(),
				Limit:      res.Limit,
				Scope:      "global",
			}

		case ratelimitstore.OutcomeRejectedRoute:
			return nil, &apierrors.Error{
				Kind:       apierrors.KindRejectedRoute,
				RetryAfter: time.Duration(res.ResetAfter) * time.Millisecond,
				Limit:      res.Limit,
				Bucket:     routeID,
				Scope:      "user",
			}

		case ratelimitstore.OutcomeNeedGlobal, ratelimitstore.OutcomeNeedRoute, ratelimitstore.OutcomeNeedBoth:
			needGlobal := res.Outcome == ratelimitstore.OutcomeNeedGlobal || res.Outcome == ratelimitstore.OutcomeNeedBoth
			needRoute := res.Outcome == ratelimitstore.OutcomeNeedRoute || res.Outcome == ratelimitstore.OutcomeNeedBoth
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RecordDiscoveryWait()
			}
			if err := e.discoverer.AwaitDiscovery(ctx, identity, routeID, needGlobal, needRoute); err != nil {
				return nil, apierrors.Wrap(apierrors.KindLockWaitExhausted, err)
			}
			continue

		default:
			return nil, apierrors.New(apierrors.KindInternal, "admission: unrecognized store outcome")
		}
	}

	return nil, apierrors.New(apierrors.KindLockWaitExhausted, "admission: discovery retry ceiling exceeded")
}

// timeSlice derives spec.md §3/§4.3's global window identifier: the wall
// second, offset to bias towards slight under-utilization of the upstream's
// true (unknown) window boundary.
func (e *Engine) timeSlice() string {
	biased := e.now().Add(e.cfg.GlobalTimeSliceOffset)
	return timeSliceString(biased)
}

func timeSliceString(t time.Time) string {
	return ":" + strconv.FormatInt(t.Unix(), 10)
}

// timeUntilNextSlice computes spec.md §4.3's global-rejection retry-after:
// the time remaining until the offset-biased window rolls over.
func (e *Engine) timeUntilNextSlice() time.Duration {
	biased := e.now().Add(e.cfg.GlobalTimeSliceOffset)
	nextBoundary := biased.Truncate(time.Second).Add(time.Second)
	return nextBoundary.Sub(biased)
}

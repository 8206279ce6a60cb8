package overload

import "time"

// MetricsRecorder is the narrow slice of *metrics.Metrics the guard reports
// abort-gate trips through. Optional: a nil Metrics in Config leaves this
// unset and ArmAbortGate skips the call.
type MetricsRecorder interface {
	RecordAbortGateTrip()
}

// Guard combines the latency watchdog and the abort gate behind the single
// check the request pipeline needs before it touches the store at all.
type Guard struct {
	watchdog *LatencyWatchdog
	gate     *AbortGate
	metrics  MetricsRecorder
}

// Config controls the thresholds named in spec.md §5 and §6.
type Config struct {
	// OverloadThreshold is the p95 RTT, over a full window of samples,
	// above which the watchdog trips (spec.md §4.3 step 5).
	OverloadThreshold time.Duration
	// WindowSize is how many RTT samples the watchdog keeps.
	WindowSize int
	// WatchdogResetTimeout is how long the watchdog breaker stays open.
	WatchdogResetTimeout time.Duration
	// AbortPeriod is RATELIMIT_ABORT_PERIOD.
	AbortPeriod time.Duration
	// Metrics receives one RecordAbortGateTrip() per ArmAbortGate call, if set.
	Metrics MetricsRecorder
}

// New builds a Guard from cfg.
func New(cfg Config) *Guard {
	return &Guard{
		watchdog: NewLatencyWatchdog(cfg.OverloadThreshold, cfg.WindowSize, cfg.WatchdogResetTimeout),
		gate:     NewAbortGate(cfg.AbortPeriod),
		metrics:  cfg.Metrics,
	}
}

// Blocked reports whether an incoming request must be rejected locally
// without ever reaching the store, and why.
func (g *Guard) Blocked() (blocked bool, abortGate bool) {
	if g.gate.Open() {
		return true, true
	}
	if !g.watchdog.Allow() {
		return true, false
	}
	return false, false
}

// RecordLatency feeds a store script's observed round-trip time into the
// watchdog. Call this after every store call, admitted or not.
func (g *Guard) RecordLatency(rtt time.Duration) {
	g.watchdog.Observe(rtt)
}

// ArmAbortGate opens the abort gate after an upstream 429, per spec.md §4.6.
func (g *Guard) ArmAbortGate() {
	g.gate.Arm()
	if g.metrics != nil {
		g.metrics.RecordAbortGateTrip()
	}
}

package overload

import (
	"sync"
	"time"
)

// AbortGate implements spec.md §4.6's second trigger: once an upstream 429
// is observed, every request arriving before now+period is rejected locally
// with no store access at all. Per-process by design (§4.6): a 429 anywhere
// in the fleet signals local misestimation, and each replica guards itself.
type AbortGate struct {
	mu       sync.Mutex
	deadline time.Time
	period   time.Duration
}

// NewAbortGate builds a gate that stays open for period after each Arm.
func NewAbortGate(period time.Duration) *AbortGate {
	if period <= 0 {
		period = time.Second
	}
	return &AbortGate{period: period}
}

// Arm opens the gate for g.period starting now.
func (g *AbortGate) Arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deadline = time.Now().Add(g.period)
}

// Open reports whether the gate is currently blocking requests.
func (g *AbortGate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Now().Before(g.deadline)
}

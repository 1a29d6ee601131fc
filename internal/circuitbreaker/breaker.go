// Package circuitbreaker implements per-upstream admission control with a
// sliding-window failure count. A breaker moves CLOSED -> OPEN when enough
// failures land inside the window, OPEN -> HALF_OPEN after the reset
// timeout, and HALF_OPEN -> CLOSED after enough probe successes.
package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker. Zero values fall back to defaults.
type Config struct {
	// FailureThreshold is the number of in-window failures that opens the
	// breaker.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it.
	SuccessThreshold int
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// WindowSize caps each outcome deque; the oldest entries are dropped.
	WindowSize int
	// WindowDuration prunes outcomes older than this before any decision.
	WindowDuration time.Duration
	// TriggerKinds restricts which failure kinds count. Empty means all.
	TriggerKinds []string
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 100
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = 60 * time.Second
	}
	return c
}

// Breaker implements the circuit breaker pattern for one upstream.
type Breaker struct {
	name     string
	cfg      Config
	triggers map[string]struct{}

	mu                sync.Mutex
	state             State
	failures          []time.Time
	successes         []time.Time
	openedAt          time.Time
	halfOpenSuccesses int
	halfOpenInflight  int

	// Metrics (atomic for lock-free reads)
	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// New creates a circuit breaker named after its upstream.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
	}
	if len(cfg.TriggerKinds) > 0 {
		b.triggers = make(map[string]struct{}, len(cfg.TriggerKinds))
		for _, k := range cfg.TriggerKinds {
			b.triggers[k] = struct{}{}
		}
	}
	return b
}

// Name returns the upstream identity the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed. In the OPEN state the first
// call after the reset timeout flips the breaker to HALF_OPEN and is
// admitted as the initial probe. HALF_OPEN admits at most
// SuccessThreshold+1 in-flight probes.
func (b *Breaker) Allow() bool {
	b.totalRequests.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.prune(now)

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = StateHalfOpen
			b.halfOpenSuccesses = 0
			b.halfOpenInflight = 1
			return true
		}
		b.totalRejected.Add(1)
		return false

	case StateHalfOpen:
		b.halfOpenInflight++
		if b.halfOpenInflight <= b.cfg.SuccessThreshold+1 {
			return true
		}
		b.halfOpenInflight--
		b.totalRejected.Add(1)
		return false
	}
	return false
}

// RecordSuccess registers a successful upstream call.
func (b *Breaker) RecordSuccess() {
	b.totalSuccesses.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.prune(now)
	b.successes = appendCapped(b.successes, now, b.cfg.WindowSize)

	if b.state == StateHalfOpen {
		if b.halfOpenInflight > 0 {
			b.halfOpenInflight--
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.toClosed()
		}
	}
}

// RecordFailure registers a failed upstream call of the given kind. Kinds
// outside the configured trigger set release any half-open probe slot but
// never move the state machine.
func (b *Breaker) RecordFailure(kind string) {
	b.totalFailures.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.prune(now)

	if !b.counts(kind) {
		if b.state == StateHalfOpen && b.halfOpenInflight > 0 {
			b.halfOpenInflight--
		}
		return
	}

	b.failures = appendCapped(b.failures, now, b.cfg.WindowSize)

	switch b.state {
	case StateClosed:
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.toOpen(now)
		}
	case StateHalfOpen:
		b.toOpen(now)
	}
}

// Release returns an admission obtained from Allow without recording an
// outcome. Call it when an admitted request ends with no upstream verdict,
// such as a client disconnect, so half-open probe slots are not leaked.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenInflight > 0 {
		b.halfOpenInflight--
	}
}

// Reset forces the breaker back to CLOSED and clears all window state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosed()
	b.openedAt = time.Time{}
}

// SetConfig replaces the breaker's tuning. New thresholds apply from the
// next decision; the current state and window entries are preserved.
func (b *Breaker) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	b.triggers = nil
	if len(cfg.TriggerKinds) > 0 {
		b.triggers = make(map[string]struct{}, len(cfg.TriggerKinds))
		for _, k := range cfg.TriggerKinds {
			b.triggers[k] = struct{}{}
		}
	}
}

func (b *Breaker) toOpen(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.halfOpenSuccesses = 0
	b.halfOpenInflight = 0
}

func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.failures = nil
	b.successes = nil
	b.halfOpenSuccesses = 0
	b.halfOpenInflight = 0
}

func (b *Breaker) counts(kind string) bool {
	if b.triggers == nil {
		return true
	}
	_, ok := b.triggers[kind]
	return ok
}

// prune drops window entries older than WindowDuration and enforces the
// WindowSize cap. Callers hold b.mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.failures = pruneDeque(b.failures, cutoff, b.cfg.WindowSize)
	b.successes = pruneDeque(b.successes, cutoff, b.cfg.WindowSize)
}

func pruneDeque(ts []time.Time, cutoff time.Time, max int) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	ts = ts[i:]
	if len(ts) > max {
		ts = ts[len(ts)-max:]
	}
	return ts
}

func appendCapped(ts []time.Time, t time.Time, max int) []time.Time {
	ts = append(ts, t)
	if len(ts) > max {
		ts = ts[len(ts)-max:]
	}
	return ts
}

// Snapshot returns a point-in-time view of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(time.Now())

	snap := Snapshot{
		Name:             b.name,
		State:            b.state.String(),
		WindowFailures:   len(b.failures),
		WindowSuccesses:  len(b.successes),
		FailureThreshold: b.cfg.FailureThreshold,
		SuccessThreshold: b.cfg.SuccessThreshold,
		TotalRequests:    b.totalRequests.Load(),
		TotalFailures:    b.totalFailures.Load(),
		TotalSuccesses:   b.totalSuccesses.Load(),
		TotalRejected:    b.totalRejected.Load(),
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		snap.OpenedAt = &t
	}
	return snap
}

// Snapshot is a point-in-time view of a circuit breaker.
type Snapshot struct {
	Name             string     `json:"name"`
	State            string     `json:"state"`
	WindowFailures   int        `json:"window_failures"`
	WindowSuccesses  int        `json:"window_successes"`
	FailureThreshold int        `json:"failure_threshold"`
	SuccessThreshold int        `json:"success_threshold"`
	OpenedAt         *time.Time `json:"opened_at,omitempty"`
	TotalRequests    int64      `json:"total_requests"`
	TotalFailures    int64      `json:"total_failures"`
	TotalSuccesses   int64      `json:"total_successes"`
	TotalRejected    int64      `json:"total_rejected"`
}

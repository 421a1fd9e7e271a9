// Package budget implements the token bucket rate limiter guarding the
// immune kernel's remediation actions (§4.7).
//
// Specification:
//   - Capacity: configurable (default 100 tokens)
//   - Refill interval: 60 seconds
//   - Refill amount: full capacity (not incremental)
//   - Consumption: atomic, per-action cost
//
// Cost model: higher-impact playbook actions consume more budget,
// preventing a cascading sequence of drastic remediations from a single
// burst of anomalies. The full-refill-per-interval design (rather than a
// leaky-bucket drip) mirrors the teacher's original rationale: recovery
// after a legitimate response should be quick, not trickled back in.
//
// Invariants:
//   - tokens ∈ [0, capacity] at all times.
//   - Consume() is atomic under mutex.
//   - Refill goroutine runs for the lifetime of the Bucket.
package budget

import (
	"sync"
	"sync/atomic"
	"time"
)

// Action is one of the immune kernel's fixed remediation actions (§4.7).
type Action string

const (
	ActionRestart            Action = "restart"
	ActionScale               Action = "scale"
	ActionRollback            Action = "rollback"
	ActionOpenCircuitBreaker  Action = "open-circuit-breaker"
	ActionQuarantine          Action = "quarantine"
	ActionRotateCredential    Action = "rotate-credential"
	ActionNotifyParliament    Action = "notify-parliament"
)

// CostModel defines the token cost for each playbook action. Costs must
// be positive integers; higher-impact actions cost more.
var CostModel = map[Action]int{
	ActionRestart:           1,
	ActionScale:             5,
	ActionRollback:          10,
	ActionOpenCircuitBreaker: 10,
	ActionQuarantine:        20,
	ActionRotateCredential:  20,
	ActionNotifyParliament:  1,
}

// Bucket is a thread-safe token bucket for rate-limiting remediation
// actions.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill
// goroutine. capacity must be > 0, refillPeriod must be > 0. Call Close
// to stop the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("budget.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("budget.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to consume cost tokens. Returns true if available.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// ConsumeForAction consumes the standard cost for a playbook action.
// Unknown actions cost nothing (fail open on cost lookup, not on budget).
func (b *Bucket) ConsumeForAction(action Action) bool {
	cost, ok := CostModel[action]
	if !ok {
		return true
	}
	return b.Consume(cost)
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int { return b.capacity }

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 { return b.consumedTotal.Load() }

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 { return b.refillCount.Load() }

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() { close(b.stop) }

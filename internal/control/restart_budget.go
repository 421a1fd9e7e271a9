// Package control — restart_budget.go
//
// Per-kernel restart budget: exponential backoff capped at a maximum,
// tracked per kernel name. This is a distinct concern from
// internal/budget's token bucket (which rate-limits the immune kernel's
// remediation actions) — restart budgeting is a strict per-kernel
// counter against a configured ceiling (max_restarts), not a shared,
// refilling pool.
package control

import (
	"sync"
	"time"
)

// BackoffConfig tunes the restart backoff formula:
// backoff = min(base * 2^restart_count, maxBackoff).
type BackoffConfig struct {
	Base       time.Duration
	MaxBackoff time.Duration
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Base: 500 * time.Millisecond, MaxBackoff: 2 * time.Minute}
}

// RestartBudget tracks, per kernel, how many restarts have been attempted
// against its configured maximum.
type RestartBudget struct {
	mu     sync.Mutex
	cfg    BackoffConfig
	counts map[string]int
	maxes  map[string]int
}

func NewRestartBudget(cfg BackoffConfig) *RestartBudget {
	return &RestartBudget{cfg: cfg, counts: make(map[string]int), maxes: make(map[string]int)}
}

// Configure sets a kernel's max_restarts ceiling; call once at
// registration.
func (b *RestartBudget) Configure(name string, maxRestarts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxes[name] = maxRestarts
}

// Exhausted reports whether name has hit its configured max_restarts.
func (b *RestartBudget) Exhausted(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[name] >= b.maxes[name]
}

// NextBackoff returns the backoff duration for the next restart attempt,
// computed from the current restart_count before it is incremented.
func (b *RestartBudget) NextBackoff(name string) time.Duration {
	b.mu.Lock()
	count := b.counts[name]
	b.mu.Unlock()

	backoff := b.cfg.Base * time.Duration(uint64(1)<<uint(minInt(count, 32)))
	if backoff > b.cfg.MaxBackoff || backoff <= 0 {
		backoff = b.cfg.MaxBackoff
	}
	return backoff
}

// RecordAttempt increments the restart counter for name and returns the
// new count.
func (b *RestartBudget) RecordAttempt(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[name]++
	return b.counts[name]
}

// Reset clears a kernel's restart counter, e.g. after a sustained healthy
// period following recovery.
func (b *RestartBudget) Reset(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[name] = 0
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

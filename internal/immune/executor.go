// Package immune — executor.go
//
// The default ActionExecutor: wires each remediation action in the
// fixed playbook vocabulary (§4.7) to a concrete effect. restart and
// quarantine delegate to the kernel host; open-circuit-breaker is
// backed by github.com/sony/gobreaker (SPEC_FULL.md's domain-stack
// wiring for this action — the teacher had no circuit breaker of its
// own). scale, rollback, rotate-credential, and notify-parliament have
// no in-process implementation in this core and are left as named
// no-ops the operator's external tooling may intercept via the audit
// trail, matching the spec's "external collaborators, specified only by
// interface" scoping for domain-specific remediation.
package immune

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/octoreflex/grace/internal/budget"
)

// Host is the subset of kernelhost.Host the executor depends on.
type Host interface {
	Restart(ctx context.Context, name, reason string) error
	Quarantine(ctx context.Context, name string) error
}

// DefaultExecutor implements ActionExecutor against a kernel host and a
// per-resource circuit breaker registry.
type DefaultExecutor struct {
	host Host

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewDefaultExecutor(host Host) *DefaultExecutor {
	return &DefaultExecutor{host: host, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (e *DefaultExecutor) breakerFor(resource string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[resource]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    resource,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	e.breakers[resource] = cb
	return cb
}

// Execute dispatches action against resource. idempotencyKey is
// available for executors that need to dedupe against an external
// system; DefaultExecutor's own actions are naturally idempotent
// (restart/quarantine/circuit-open are all safe to repeat).
func (e *DefaultExecutor) Execute(ctx context.Context, action budget.Action, resource, idempotencyKey string) error {
	switch action {
	case budget.ActionRestart:
		return e.host.Restart(ctx, resource, "immune kernel remediation")
	case budget.ActionQuarantine:
		return e.host.Quarantine(ctx, resource)
	case budget.ActionOpenCircuitBreaker:
		cb := e.breakerFor(resource)
		_, err := cb.Execute(func() (any, error) { return nil, fmt.Errorf("forced open by immune kernel") })
		_ = err // the forced failure is expected; it is what opens the breaker
		return nil
	case budget.ActionScale, budget.ActionRollback, budget.ActionRotateCredential, budget.ActionNotifyParliament:
		// No in-process effect: these require external infrastructure or
		// human action. Recorded via AuditSink for operator follow-up.
		return nil
	default:
		return fmt.Errorf("immune: unknown action %q", action)
	}
}

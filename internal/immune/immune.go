// Package immune implements the immune kernel (§4.7): anomaly ingestion,
// remediation playbook selection and execution, and trust-score
// adjustment that feeds back into the unified decision synthesizer.
//
// Trust-score adjustment reuses internal/escalation/pressure.go's EWMA
// accumulator shape (mutex-protected scalar, Update/Value/Reset) almost
// verbatim, re-purposed from smoothing an anomaly score over time to
// smoothing a per-kernel trust score over remediation outcomes. The
// idempotent-activation pattern (skip if already active, dedupe by key)
// is grounded on internal/escalation/camouflage.go's
// CamouflageEngine.Activate, which is idempotent per PID/state.
package immune

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/budget"
)

// AnomalyType classifies an ingested anomaly.
type AnomalyType string

// Severity mirrors the hunter scanner's ranking so immune and governance
// share one vocabulary for "how bad".
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Anomaly is one ingested signal requiring a remediation decision.
type Anomaly struct {
	Type            AnomalyType
	Severity        Severity
	ResourcePattern string // matched against Playbook.ResourcePattern
	Source          string // kernel name that raised it
	DetectedAt      time.Time
}

// Playbook declares an ordered list of actions to run for a matching
// (type, severity, resource_pattern) anomaly.
type Playbook struct {
	Name            string
	Type            AnomalyType
	MinSeverity     Severity
	ResourcePattern string // exact match or trailing "*" wildcard, mesh-style
	Actions         []budget.Action
	ActionDeadline  time.Duration
}

func matchResource(pattern, resource string) bool {
	if pattern == resource || pattern == "*" {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(resource) >= len(prefix) && resource[:len(prefix)] == prefix
	}
	return false
}

// ActionExecutor performs one remediation action against a resource. It
// must be idempotent for a given idempotencyKey.
type ActionExecutor interface {
	Execute(ctx context.Context, action budget.Action, resource, idempotencyKey string) error
}

// AuditSink journals every action attempt and trust-score adjustment.
type AuditSink interface {
	RecordAction(resource string, action budget.Action, idempotencyKey string, err error)
	RecordTrustAdjustment(kernel string, delta, newValue float64)
}

// Kernel is the immune kernel: anomaly classification, playbook
// selection and execution, and trust-score bookkeeping.
type Kernel struct {
	mu        sync.Mutex
	playbooks []Playbook
	bucket    *budget.Bucket
	executor  ActionExecutor
	audit     AuditSink
	log       *zap.Logger

	trust     map[string]*trustAccumulator // kernel name -> EWMA trust score
	completed map[string]bool              // idempotency keys already executed
}

// trustAccumulator is escalation.Accumulator's EWMA shape, renamed to
// its new purpose: P_{t+1} = alpha*P_t + (1-alpha)*outcome, where
// outcome is 1.0 on remediation success and 0.0 on failure, seeded at 1.0
// (full trust) for a never-before-seen kernel.
type trustAccumulator struct {
	mu    sync.Mutex
	alpha float64
	value float64
}

func newTrustAccumulator(alpha float64) *trustAccumulator {
	return &trustAccumulator{alpha: alpha, value: 1.0}
}

func (a *trustAccumulator) update(outcome float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = a.alpha*a.value + (1.0-a.alpha)*outcome
	return a.value
}

func (a *trustAccumulator) read() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value
}

const trustSmoothingAlpha = 0.8

// New constructs an immune kernel bound to a remediation-action token
// bucket, an executor, and an audit sink.
func New(playbooks []Playbook, bucket *budget.Bucket, executor ActionExecutor, audit AuditSink, log *zap.Logger) *Kernel {
	return &Kernel{
		playbooks: playbooks,
		bucket:    bucket,
		executor:  executor,
		audit:     audit,
		log:       log,
		trust:     make(map[string]*trustAccumulator),
		completed: make(map[string]bool),
	}
}

// SelectPlaybook finds the first playbook matching (type, severity,
// resource). Returns false if no playbook matches.
func (k *Kernel) SelectPlaybook(a Anomaly) (Playbook, bool) {
	for _, p := range k.playbooks {
		if p.Type == a.Type && a.Severity >= p.MinSeverity && matchResource(p.ResourcePattern, a.ResourcePattern) {
			return p, true
		}
	}
	return Playbook{}, false
}

// Handle classifies and remediates one anomaly: select playbook, run
// its actions in order with per-action deadlines and idempotency keys,
// then adjust the source kernel's trust score.
func (k *Kernel) Handle(ctx context.Context, a Anomaly) error {
	playbook, ok := k.SelectPlaybook(a)
	if !ok {
		k.log.Warn("immune: no playbook matched anomaly",
			zap.String("type", string(a.Type)), zap.String("resource", a.ResourcePattern))
		return fmt.Errorf("immune: no playbook for type=%s resource=%s", a.Type, a.ResourcePattern)
	}

	allSucceeded := true
	for _, action := range playbook.Actions {
		if !k.bucket.ConsumeForAction(action) {
			k.log.Warn("immune: action rejected by budget", zap.String("action", string(action)))
			allSucceeded = false
			continue
		}

		key := idempotencyKey(playbook.Name, action, a.ResourcePattern)
		if k.alreadyCompleted(key) {
			continue
		}

		actionCtx := ctx
		var cancel context.CancelFunc
		if playbook.ActionDeadline > 0 {
			actionCtx, cancel = context.WithTimeout(ctx, playbook.ActionDeadline)
		}
		err := k.executor.Execute(actionCtx, action, a.ResourcePattern, key)
		if cancel != nil {
			cancel()
		}
		k.audit.RecordAction(a.ResourcePattern, action, key, err)
		if err != nil {
			allSucceeded = false
			k.log.Error("immune: action failed", zap.String("action", string(action)), zap.Error(err))
			continue
		}
		k.markCompleted(key)
	}

	k.adjustTrust(a.Source, allSucceeded)
	return nil
}

func idempotencyKey(playbook string, action budget.Action, resource string) string {
	return fmt.Sprintf("%s/%s/%s", playbook, action, resource)
}

func (k *Kernel) alreadyCompleted(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.completed[key]
}

func (k *Kernel) markCompleted(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.completed[key] = true
}

// adjustTrust moves the named kernel's trust score up on remediation
// success, down on failure, per §4.7.
func (k *Kernel) adjustTrust(kernelName string, success bool) {
	if kernelName == "" {
		return
	}
	k.mu.Lock()
	acc, ok := k.trust[kernelName]
	if !ok {
		acc = newTrustAccumulator(trustSmoothingAlpha)
		k.trust[kernelName] = acc
	}
	k.mu.Unlock()

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	before := acc.read()
	after := acc.update(outcome)
	k.audit.RecordTrustAdjustment(kernelName, after-before, after)
}

// TrustScore returns the current trust score for a kernel, defaulting
// to 1.0 (full trust) if never adjusted.
func (k *Kernel) TrustScore(kernelName string) float64 {
	k.mu.Lock()
	acc, ok := k.trust[kernelName]
	k.mu.Unlock()
	if !ok {
		return 1.0
	}
	return acc.read()
}

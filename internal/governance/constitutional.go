// Package governance — constitutional.go
//
// The constitutional check stage: the first and mandatory stage of the
// governance gate (§4.5). Adapted from the original ConstitutionalKernel,
// which validated escalation decisions against a fixed set of seven
// hardcoded axioms (determinism hash chaining, parameter bounds, time
// monotonicity, NaN/Inf rejection, audit-trail presence). Here the axiom
// list becomes a pluggable, versioned Ruleset supplied at construction
// time, so the rule count is data rather than a hardcoded constant; the
// hash-chaining and strict/production violation-handling behaviour is
// kept as-is.
package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Axiom is one rule in a constitutional ruleset. Rules are data: a
// Ruleset is a named, versioned, ordered list of Axioms, so extending
// the rule set never requires a new hardcoded branch in Evaluate.
type Axiom struct {
	Name        string
	Description string
	Check       func(r Request, k *ConstitutionalKernel) error
}

// Ruleset is a versioned, ordered list of axioms.
type Ruleset struct {
	Version string
	Axioms  []Axiom
}

// DefaultRuleset returns the built-in ruleset: the teacher's original
// seven axioms collapsed to the subset meaningful for a governance
// Request (hash chaining is handled separately by Evaluate itself,
// state-contamination and hash-mismatch are the verification stage's
// concern, not the constitutional stage's).
func DefaultRuleset() Ruleset {
	return Ruleset{
		Version: "v1",
		Axioms: []Axiom{
			{Name: "time-monotonic", Description: "observed time must not move backwards", Check: checkTimeMonotonic},
			{Name: "parameter-bounds", Description: "actor, action, resource, and risk level must be well-formed", Check: checkParameterBounds},
			{Name: "no-nan-inf", Description: "numeric context values must be finite", Check: checkNoNaNInf},
			{Name: "audit-trail-present", Description: "a correlation id must be present for traceability", Check: checkAuditTrail},
		},
	}
}

// ConstitutionalViolation describes a failed axiom.
type ConstitutionalViolation struct {
	Axiom     string
	Message   string
	Timestamp time.Time
}

func (v *ConstitutionalViolation) Error() string {
	return fmt.Sprintf("constitutional violation [%s]: %s", v.Axiom, v.Message)
}

// ConstitutionalKernel evaluates requests against a Ruleset and
// maintains the hash chain linking successive decisions (the Merkle
// chain the teacher's original kernel kept over EscalationDecisions).
type ConstitutionalKernel struct {
	mu     sync.RWMutex
	ruleset Ruleset
	logger *zap.Logger
	strict bool // true panics on violation (test/dev harnesses only)

	lastTimestamp    time.Time
	lastDecisionHash string
	violationCount    int64
	decisionsVerified int64
}

// NewConstitutionalKernel constructs a kernel bound to ruleset.
func NewConstitutionalKernel(logger *zap.Logger, ruleset Ruleset, strict bool) *ConstitutionalKernel {
	ck := &ConstitutionalKernel{
		ruleset:       ruleset,
		lastTimestamp: time.Now(),
		logger:        logger,
		strict:        strict,
	}
	logger.Info("constitutional kernel initialised",
		zap.String("ruleset_version", ruleset.Version),
		zap.Int("axiom_count", len(ruleset.Axioms)),
		zap.Bool("strict_mode", strict),
	)
	return ck
}

// Evaluate runs every axiom in the ruleset against r in order, stopping
// at the first violation. On success it advances the decision hash
// chain and returns the new decision hash.
func (ck *ConstitutionalKernel) Evaluate(r Request) (string, error) {
	ck.mu.Lock()
	defer ck.mu.Unlock()

	for _, axiom := range ck.ruleset.Axioms {
		if err := axiom.Check(r, ck); err != nil {
			return "", ck.handleViolation(axiom.Name, err)
		}
	}

	hash := ck.computeDecisionHash(r)
	ck.lastDecisionHash = hash
	ck.decisionsVerified++

	ck.logger.Debug("constitutional decision validated",
		zap.String("actor", r.Actor),
		zap.String("action", r.Action),
		zap.String("hash", hash[:16]),
		zap.Int64("verified_count", ck.decisionsVerified),
	)
	return hash, nil
}

func (ck *ConstitutionalKernel) handleViolation(axiomName string, err error) error {
	ck.violationCount++
	v := &ConstitutionalViolation{Axiom: axiomName, Message: err.Error(), Timestamp: time.Now()}

	ck.logger.Error("constitutional violation",
		zap.String("axiom", v.Axiom),
		zap.String("message", v.Message),
		zap.Int64("total_violations", ck.violationCount),
	)

	if ck.strict {
		panic(fmt.Sprintf("constitutional violation in strict mode: %v", v))
	}
	return v
}

// computeDecisionHash hashes the request canonically, chained to the
// previous decision's hash — the teacher's determinism + parent-hash
// chaining axioms, folded into one step.
func (ck *ConstitutionalKernel) computeDecisionHash(r Request) string {
	canonical := map[string]any{
		"actor":    r.Actor,
		"action":   r.Action,
		"resource": r.Resource,
		"risk":     string(r.RiskLevel),
		"parent":   ck.lastDecisionHash,
	}
	jsonBytes, _ := json.Marshal(canonical)
	sum := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(sum[:])
}

// Stats mirrors the original GetStats: violation and verification
// counters for observability.
type Stats struct {
	DecisionsVerified int64
	ViolationCount    int64
	LastDecisionHash  string
	RulesetVersion    string
}

func (ck *ConstitutionalKernel) GetStats() Stats {
	ck.mu.RLock()
	defer ck.mu.RUnlock()
	return Stats{
		DecisionsVerified: ck.decisionsVerified,
		ViolationCount:    ck.violationCount,
		LastDecisionHash:  ck.lastDecisionHash,
		RulesetVersion:    ck.ruleset.Version,
	}
}

func checkTimeMonotonic(r Request, ck *ConstitutionalKernel) error {
	now := time.Now()
	if now.Before(ck.lastTimestamp) {
		return fmt.Errorf("time went backwards: %v < %v", now, ck.lastTimestamp)
	}
	ck.lastTimestamp = now
	return nil
}

func checkParameterBounds(r Request, ck *ConstitutionalKernel) error {
	if r.Actor == "" || r.Action == "" || r.Resource == "" {
		return fmt.Errorf("actor, action, and resource must all be set")
	}
	switch r.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		return fmt.Errorf("unrecognised risk level %q", r.RiskLevel)
	}
	return nil
}

func checkNoNaNInf(r Request, ck *ConstitutionalKernel) error {
	for key, v := range r.Context {
		f, ok := v.(float64)
		if !ok {
			continue
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("context key %q is NaN or Inf", key)
		}
	}
	return nil
}

func checkAuditTrail(r Request, ck *ConstitutionalKernel) error {
	if r.CorrelationID == "" {
		return fmt.Errorf("correlation id required for audit traceability")
	}
	return nil
}

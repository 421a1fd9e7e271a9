// Package synth implements the unified decision synthesizer (§4.6):
// merges signals from multiple decision-producing sources into one
// routed decision, so downstream executors never see contradictory
// inputs.
//
// The weighted-score-then-threshold shape is grounded directly on
// internal/escalation/severity.go's ComputeSeverity/TargetState pair —
// the same "weighted sum of named inputs, then sequential threshold
// lookup" pattern, generalized from four fixed anomaly signals to five
// named decision sources and from a severity-to-state ladder to a
// score-to-outcome ladder.
package synth

import "fmt"

// Verdict is one source's individual opinion on a decision.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictDeny    Verdict = "deny"
	VerdictAbstain Verdict = "abstain"
)

func (v Verdict) sign() float64 {
	switch v {
	case VerdictApprove:
		return 1
	case VerdictDeny:
		return -1
	default:
		return 0
	}
}

// Source identifies a decision-producing kernel.
type Source string

const (
	SourceGovernance Source = "governance"
	SourceImmune     Source = "immune"
	SourceML         Source = "ml"
	SourceLearning   Source = "learning"
	SourceMemory     Source = "memory"
)

// Input is one source's opinion: verdict, confidence, and free-form detail.
type Input struct {
	Source     Source
	Verdict    Verdict
	Confidence float64 // [0,1]
	Detail     string
}

// Weights holds the per-source weight coefficients for the synthesis
// score. Mirrors escalation.Weights' shape (named, non-negative
// coefficients) but keyed on decision Source rather than anomaly signal.
type Weights map[Source]float64

// DefaultWeights returns the spec's default weight configuration.
func DefaultWeights() Weights {
	return Weights{
		SourceGovernance: 0.4,
		SourceImmune:     0.25,
		SourceML:         0.15,
		SourceLearning:   0.1,
		SourceMemory:     0.1,
	}
}

// Thresholds holds the score boundaries separating deny/defer/approve.
type Thresholds struct {
	Approve float64 // score >= this -> approve
	Deny    float64 // score <= this -> deny
}

func DefaultThresholds() Thresholds {
	return Thresholds{Approve: 0.2, Deny: -0.2}
}

// Outcome is the synthesizer's final routed decision.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeDeny    Outcome = "deny"
	OutcomeDefer   Outcome = "defer"
)

// Target is a downstream routing destination for a synthesized decision.
type Target string

const (
	TargetAutonomousExecutor Target = "autonomous_executor"
	TargetUISurface          Target = "ui_surface"
	TargetLearningLoop       Target = "learning_loop"
	TargetAuditOnly          Target = "audit_only"
)

// Routing maps an Outcome to its downstream targets (§4.6 rule 4).
func Routing(o Outcome) []Target {
	switch o {
	case OutcomeApprove:
		return []Target{TargetAutonomousExecutor, TargetUISurface, TargetLearningLoop}
	case OutcomeDeny:
		return []Target{TargetUISurface, TargetAuditOnly}
	default:
		return []Target{TargetUISurface, TargetLearningLoop}
	}
}

// Result is the synthesizer's full output for one synthesis call.
type Result struct {
	Score         float64
	Outcome       Outcome
	Targets       []Target
	Contradiction bool
	Reason        string
}

// Synthesizer merges Inputs into a Result using weighted scoring with
// hard overrides, per §4.6.
type Synthesizer struct {
	weights    Weights
	thresholds Thresholds
}

func New(weights Weights, thresholds Thresholds) *Synthesizer {
	return &Synthesizer{weights: weights, thresholds: thresholds}
}

// Synthesize applies the four ordered synthesis rules from §4.6:
// hard overrides, weighted score, thresholds, contradiction detection.
func (s *Synthesizer) Synthesize(inputs []Input) Result {
	// Rule 1: hard overrides.
	for _, in := range inputs {
		if in.Source == SourceGovernance && in.Verdict == VerdictDeny {
			return s.finalize(0, OutcomeDeny, "governance hard deny", false)
		}
		if in.Source == SourceImmune && in.Verdict == VerdictDeny && in.Confidence >= 0.9 {
			return s.finalize(0, OutcomeDeny, "immune critical-anomaly hard deny, routed to quarantine", false)
		}
	}

	// Rule 2: weighted score.
	var score float64
	for _, in := range inputs {
		w := s.weights[in.Source]
		score += w * in.Confidence * in.Verdict.sign()
	}

	// Rule 3: thresholds.
	outcome := OutcomeDefer
	switch {
	case score >= s.thresholds.Approve:
		outcome = OutcomeApprove
	case score <= s.thresholds.Deny:
		outcome = OutcomeDeny
	}

	// Tie-break: equal-magnitude contradictory high-confidence verdicts
	// break toward the more conservative outcome (deny > defer > approve).
	contradiction := detectContradiction(inputs)
	if contradiction && outcome == OutcomeApprove {
		outcome = OutcomeDefer
	}

	return s.finalize(score, outcome, fmt.Sprintf("weighted score %.3f", score), contradiction)
}

func (s *Synthesizer) finalize(score float64, outcome Outcome, reason string, contradiction bool) Result {
	return Result{
		Score:         score,
		Outcome:       outcome,
		Targets:       Routing(outcome),
		Contradiction: contradiction,
		Reason:        reason,
	}
}

// detectContradiction reports whether two sources produced exactly
// opposite high-confidence (>=0.8) verdicts.
func detectContradiction(inputs []Input) bool {
	const highConfidence = 0.8
	sawApprove, sawDeny := false, false
	for _, in := range inputs {
		if in.Confidence < highConfidence {
			continue
		}
		switch in.Verdict {
		case VerdictApprove:
			sawApprove = true
		case VerdictDeny:
			sawDeny = true
		}
	}
	return sawApprove && sawDeny
}

package synth

import "testing"

func TestGovernanceDenyIsHardOverride(t *testing.T) {
	s := New(DefaultWeights(), DefaultThresholds())
	result := s.Synthesize([]Input{
		{Source: SourceGovernance, Verdict: VerdictDeny, Confidence: 1.0},
		{Source: SourceML, Verdict: VerdictApprove, Confidence: 1.0},
	})
	if result.Outcome != OutcomeDeny {
		t.Fatalf("expected governance deny to override, got %s", result.Outcome)
	}
}

func TestImmuneCriticalAnomalyIsHardOverride(t *testing.T) {
	s := New(DefaultWeights(), DefaultThresholds())
	result := s.Synthesize([]Input{
		{Source: SourceImmune, Verdict: VerdictDeny, Confidence: 0.95},
		{Source: SourceGovernance, Verdict: VerdictApprove, Confidence: 1.0},
	})
	if result.Outcome != OutcomeDeny {
		t.Fatalf("expected immune critical-anomaly to override, got %s", result.Outcome)
	}
}

func TestWeightedApproval(t *testing.T) {
	s := New(DefaultWeights(), DefaultThresholds())
	result := s.Synthesize([]Input{
		{Source: SourceGovernance, Verdict: VerdictApprove, Confidence: 1.0},
		{Source: SourceImmune, Verdict: VerdictApprove, Confidence: 1.0},
		{Source: SourceML, Verdict: VerdictApprove, Confidence: 1.0},
	})
	if result.Outcome != OutcomeApprove {
		t.Fatalf("expected approve, got %s (score %.3f)", result.Outcome, result.Score)
	}
}

func TestNearZeroScoreDefers(t *testing.T) {
	s := New(DefaultWeights(), DefaultThresholds())
	result := s.Synthesize([]Input{
		{Source: SourceML, Verdict: VerdictApprove, Confidence: 0.5},
		{Source: SourceLearning, Verdict: VerdictDeny, Confidence: 0.5},
	})
	if result.Outcome != OutcomeDefer {
		t.Fatalf("expected defer for near-zero score, got %s (score %.3f)", result.Outcome, result.Score)
	}
}

func TestOpposingHighConfidenceVerdictsFlagContradiction(t *testing.T) {
	s := New(Weights{SourceML: 1.0, SourceLearning: 1.0}, DefaultThresholds())
	result := s.Synthesize([]Input{
		{Source: SourceML, Verdict: VerdictApprove, Confidence: 0.9},
		{Source: SourceLearning, Verdict: VerdictDeny, Confidence: 0.85},
	})
	if !result.Contradiction {
		t.Fatalf("expected contradiction to be detected")
	}
}

func TestRoutingTargetsPerOutcome(t *testing.T) {
	if got := Routing(OutcomeApprove); len(got) != 3 {
		t.Fatalf("expected 3 targets for approve, got %v", got)
	}
	if got := Routing(OutcomeDeny); len(got) != 2 {
		t.Fatalf("expected 2 targets for deny, got %v", got)
	}
}

package governance

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	ck := NewConstitutionalKernel(zap.NewNop(), DefaultRuleset(), false)
	hunter := NewHunterScanner(DefaultHunterRules())
	verifier := NewVerifier(nil, nil)
	parliament := NewParliament(DefaultParliamentConfig())
	return NewGate(GateConfig{
		Constitutional: ck,
		Hunter:         hunter,
		Verifier:       verifier,
		Parliament:     parliament,
	}, zap.NewNop())
}

func TestEvaluateApprovesWellFormedLowRiskRequest(t *testing.T) {
	g := newTestGate(t)
	r := Request{Actor: "scheduler", Action: "restart", Resource: "kernelhost/ingest", RiskLevel: RiskLow, CorrelationID: "corr-1"}

	d := g.Evaluate(context.Background(), r)
	if d.Outcome != OutcomeApproved {
		t.Fatalf("expected approved, got %s (reasons: %+v)", d.Outcome, d.Reasons)
	}
}

func TestEvaluateDeniesMissingCorrelationID(t *testing.T) {
	g := newTestGate(t)
	r := Request{Actor: "scheduler", Action: "restart", Resource: "kernelhost/ingest", RiskLevel: RiskLow}

	d := g.Evaluate(context.Background(), r)
	if d.Outcome != OutcomeDenied {
		t.Fatalf("expected denied for missing correlation id, got %s", d.Outcome)
	}
	if len(d.Reasons) != 5 {
		t.Fatalf("expected one Reasons entry per pipeline stage, got %d: %+v", len(d.Reasons), d.Reasons)
	}
	if d.Reasons[0].CheckName != "constitutional" || d.Reasons[0].Verdict != StageFail {
		t.Fatalf("expected constitutional stage to record the fail, got %+v", d.Reasons[0])
	}
}

func TestEvaluateDeniesCriticalDestructiveAction(t *testing.T) {
	g := newTestGate(t)
	r := Request{Actor: "operator", Action: "delete", Resource: "kernelhost/immune", RiskLevel: RiskCritical, CorrelationID: "corr-2"}

	d := g.Evaluate(context.Background(), r)
	if d.Outcome != OutcomeDenied {
		t.Fatalf("expected hunter stage to deny critical destructive action, got %s", d.Outcome)
	}

	if len(d.Reasons) != 5 {
		t.Fatalf("expected one Reasons entry per pipeline stage, got %d: %+v", len(d.Reasons), d.Reasons)
	}
	if d.Reasons[2].CheckName != "hunter" || d.Reasons[2].Verdict != StageFail {
		t.Fatalf("expected hunter stage to record the fail, got %+v", d.Reasons[2])
	}
	for _, reason := range d.Reasons[3:] {
		if reason.Verdict != StageNotEvaluated {
			t.Fatalf("expected stages past hunter to be not-evaluated, got %+v", reason)
		}
	}
}

func TestEvaluateRequiresParliamentForCriticalRisk(t *testing.T) {
	g := newTestGate(t)
	r := Request{Actor: "operator", Action: "rollback", Resource: "kernelhost/synth", RiskLevel: RiskCritical, CorrelationID: "corr-3"}

	d := g.Evaluate(context.Background(), r)
	if d.Outcome != OutcomeRequiresParliament {
		t.Fatalf("expected requires_parliament, got %s (reasons: %+v)", d.Outcome, d.Reasons)
	}
}

func TestEvaluateApprovesAfterParliamentQuorum(t *testing.T) {
	g := newTestGate(t)
	r := Request{Actor: "operator", Action: "rollback", Resource: "kernelhost/synth", RiskLevel: RiskCritical, CorrelationID: "corr-4"}

	g.parliament.Cast("corr-4", "member-a", true)
	g.parliament.Cast("corr-4", "member-b", true)

	d := g.Evaluate(context.Background(), r)
	if d.Outcome != OutcomeApproved {
		t.Fatalf("expected approved after quorum reached, got %s (reasons: %+v)", d.Outcome, d.Reasons)
	}
}

func TestConstitutionalKernelRejectsUnknownRiskLevel(t *testing.T) {
	ck := NewConstitutionalKernel(zap.NewNop(), DefaultRuleset(), false)
	_, err := ck.Evaluate(Request{Actor: "a", Action: "b", Resource: "c", RiskLevel: "unspecified", CorrelationID: "x"})
	if err == nil {
		t.Fatalf("expected violation for unrecognised risk level")
	}
}

func TestHunterScannerFlagsOversizedContext(t *testing.T) {
	h := NewHunterScanner(DefaultHunterRules())
	ctx := make(map[string]any, 100)
	for i := 0; i < 100; i++ {
		ctx[string(rune('a'+i%26))+string(rune(i))] = i
	}
	result := h.Scan(Request{Actor: "a", Action: "b", Resource: "c", RiskLevel: RiskLow, Context: ctx})
	if result.Worst < SeverityWarning {
		t.Fatalf("expected at least a warning for oversized context, got %s", result.Worst)
	}
}

func TestParliamentTallyRequiresThreshold(t *testing.T) {
	p := NewParliament(ParliamentConfig{Threshold: 2, VoteTTL: time.Minute})
	p.Cast("c", "m1", true)
	if approved, _ := p.Tally("c"); approved {
		t.Fatalf("expected no quorum with a single vote")
	}
	p.Cast("c", "m2", true)
	if approved, votes := p.Tally("c"); !approved || votes != 2 {
		t.Fatalf("expected quorum reached with 2 votes, got approved=%v votes=%d", approved, votes)
	}
}

package decision

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/corectx"
	"github.com/octoreflex/grace/internal/event"
	"github.com/octoreflex/grace/internal/observability"
	"github.com/octoreflex/grace/internal/synth"
)

func newTestKernel(t *testing.T, window time.Duration) *Kernel {
	t.Helper()
	k := New(observability.NewMetrics(), window, zap.NewNop())
	cc := corectx.New("test-node", zap.NewNop(), nil, nil, nil,
		synth.New(synth.DefaultWeights(), synth.DefaultThresholds()), nil)
	if err := k.Initialise(context.Background(), cc); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	return k
}

func verdictEvent(typ, correlationID, verdict string, confidence float64) event.Event {
	payload, _ := json.Marshal(verdictPayload{Verdict: verdict, Confidence: confidence})
	ev := event.New(typ, "test", event.PriorityNormal, payload)
	ev.CorrelationID = correlationID
	return ev
}

func TestHandleSynthesizesOnceAllSourcesReport(t *testing.T) {
	k := newTestKernel(t, time.Minute)
	ctx := context.Background()

	sources := []struct {
		typ     string
		verdict string
	}{
		{"governance.decision.approved", "approve"},
		{"immune.verdict", "approve"},
		{"ml.verdict", "approve"},
		{"learning.verdict", "approve"},
	}
	for _, s := range sources {
		out, err := k.Handle(ctx, verdictEvent(s.typ, "corr-1", s.verdict, 0.9))
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if out != nil {
			t.Fatalf("expected no synthesis before every source reports, got %v", out)
		}
	}

	out, err := k.Handle(ctx, verdictEvent("memory.verdict", "corr-1", "approve", 0.9))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one decision.synthesized event, got %d", len(out))
	}
	if out[0].Type != "decision.synthesized" {
		t.Fatalf("expected decision.synthesized, got %s", out[0].Type)
	}

	if _, waiting := k.waiting["corr-1"]; waiting {
		t.Fatal("expected corr-1 to be cleared from the waiting set after synthesis")
	}
}

func TestHandleLaterVerdictSupersedesEarlierFromSameSource(t *testing.T) {
	k := newTestKernel(t, time.Minute)
	ctx := context.Background()

	if _, err := k.Handle(ctx, verdictEvent("governance.decision.denied", "corr-2", "deny", 0.5)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := k.Handle(ctx, verdictEvent("governance.decision.approved", "corr-2", "approve", 0.5)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	inputs := k.waiting["corr-2"].inputs
	if len(inputs) != 1 {
		t.Fatalf("expected a single governance input after the second report, got %d", len(inputs))
	}
	if inputs[0].Verdict != synth.VerdictApprove {
		t.Fatalf("expected the later verdict to supersede the earlier one, got %v", inputs[0].Verdict)
	}
}

func TestHandleIgnoresUnknownEventTypesAndMissingCorrelationID(t *testing.T) {
	k := newTestKernel(t, time.Minute)
	ctx := context.Background()

	out, err := k.Handle(ctx, verdictEvent("kernel.restart.success", "corr-3", "approve", 0.9))
	if err != nil || out != nil {
		t.Fatalf("expected unrecognised event type to be ignored, got out=%v err=%v", out, err)
	}

	ev := verdictEvent("governance.decision.approved", "", "approve", 0.9)
	out, err = k.Handle(ctx, ev)
	if err != nil || out != nil {
		t.Fatalf("expected missing correlation ID to be ignored, got out=%v err=%v", out, err)
	}
}

func TestSweepExpiredSynthesizesPartialInputsAfterWindow(t *testing.T) {
	k := newTestKernel(t, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := k.Handle(ctx, verdictEvent("governance.decision.approved", "corr-4", "approve", 0.9)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	k.sweepExpired(ctx)

	if _, waiting := k.waiting["corr-4"]; waiting {
		t.Fatal("expected corr-4 to be swept out after the window elapsed")
	}
}

func TestSynthesizeAndPublishFiresContradictionOnOpposingHighConfidenceVerdicts(t *testing.T) {
	k := newTestKernel(t, time.Minute)
	ctx := context.Background()

	inputs := []synth.Input{
		{Source: synth.SourceImmune, Verdict: synth.VerdictApprove, Confidence: 0.9},
		{Source: synth.SourceML, Verdict: synth.VerdictDeny, Confidence: 0.9},
	}
	out := k.synthesizeAndPublish(ctx, "corr-5", inputs)

	var sawContradiction bool
	for _, ev := range out {
		if ev.Type == "decision.contradiction" {
			sawContradiction = true
		}
	}
	if !sawContradiction {
		t.Fatalf("expected a decision.contradiction event among %v", out)
	}
}

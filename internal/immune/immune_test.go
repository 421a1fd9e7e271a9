package immune

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/budget"
)

type fakeExecutor struct {
	calls   []budget.Action
	failOn  budget.Action
}

func (f *fakeExecutor) Execute(ctx context.Context, action budget.Action, resource, key string) error {
	f.calls = append(f.calls, action)
	if action == f.failOn {
		return errors.New("boom")
	}
	return nil
}

type fakeAudit struct {
	actions     int
	adjustments int
}

func (f *fakeAudit) RecordAction(resource string, action budget.Action, key string, err error) { f.actions++ }
func (f *fakeAudit) RecordTrustAdjustment(kernel string, delta, newValue float64)               { f.adjustments++ }

func testPlaybooks() []Playbook {
	return []Playbook{
		{
			Name:            "restart-ingest",
			Type:            "heartbeat-miss",
			MinSeverity:     SeverityMedium,
			ResourcePattern: "kernelhost/ingest",
			Actions:         []budget.Action{budget.ActionRestart},
			ActionDeadline:  time.Second,
		},
		{
			Name:            "quarantine-wildcard",
			Type:            "integrity-violation",
			MinSeverity:     SeverityCritical,
			ResourcePattern: "kernelhost/*",
			Actions:         []budget.Action{budget.ActionQuarantine},
		},
	}
}

func TestSelectPlaybookMatchesExact(t *testing.T) {
	k := New(testPlaybooks(), budget.New(100, time.Hour), &fakeExecutor{}, &fakeAudit{}, zap.NewNop())
	defer k.bucket.Close()

	p, ok := k.SelectPlaybook(Anomaly{Type: "heartbeat-miss", Severity: SeverityHigh, ResourcePattern: "kernelhost/ingest"})
	if !ok || p.Name != "restart-ingest" {
		t.Fatalf("expected exact match on restart-ingest, got %+v ok=%v", p, ok)
	}
}

func TestSelectPlaybookMatchesWildcard(t *testing.T) {
	k := New(testPlaybooks(), budget.New(100, time.Hour), &fakeExecutor{}, &fakeAudit{}, zap.NewNop())
	defer k.bucket.Close()

	p, ok := k.SelectPlaybook(Anomaly{Type: "integrity-violation", Severity: SeverityCritical, ResourcePattern: "kernelhost/synth"})
	if !ok || p.Name != "quarantine-wildcard" {
		t.Fatalf("expected wildcard match, got %+v ok=%v", p, ok)
	}
}

func TestHandleKeepsFullTrustOnSuccess(t *testing.T) {
	exec := &fakeExecutor{}
	audit := &fakeAudit{}
	k := New(testPlaybooks(), budget.New(100, time.Hour), exec, audit, zap.NewNop())
	defer k.bucket.Close()

	a := Anomaly{Type: "heartbeat-miss", Severity: SeverityHigh, ResourcePattern: "kernelhost/ingest", Source: "ingest"}
	if err := k.Handle(context.Background(), a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.TrustScore("ingest") != 1.0 {
		t.Fatalf("expected trust to remain at 1.0 after success, got %f", k.TrustScore("ingest"))
	}
	if audit.actions != 1 || audit.adjustments != 1 {
		t.Fatalf("expected 1 action and 1 trust adjustment recorded, got %d/%d", audit.actions, audit.adjustments)
	}
}

func TestHandleAdjustsTrustDownwardOnFailure(t *testing.T) {
	exec := &fakeExecutor{failOn: budget.ActionRestart}
	audit := &fakeAudit{}
	k := New(testPlaybooks(), budget.New(100, time.Hour), exec, audit, zap.NewNop())
	defer k.bucket.Close()

	a := Anomaly{Type: "heartbeat-miss", Severity: SeverityHigh, ResourcePattern: "kernelhost/ingest", Source: "ingest"}
	_ = k.Handle(context.Background(), a)
	if k.TrustScore("ingest") >= 1.0 {
		t.Fatalf("expected trust to drop below 1.0 after failure, got %f", k.TrustScore("ingest"))
	}
}

func TestHandleReturnsErrorWhenNoPlaybookMatches(t *testing.T) {
	k := New(testPlaybooks(), budget.New(100, time.Hour), &fakeExecutor{}, &fakeAudit{}, zap.NewNop())
	defer k.bucket.Close()

	err := k.Handle(context.Background(), Anomaly{Type: "unknown-type", Severity: SeverityHigh, ResourcePattern: "kernelhost/x"})
	if err == nil {
		t.Fatalf("expected error when no playbook matches")
	}
}

func TestHandleSkipsAlreadyCompletedIdempotencyKey(t *testing.T) {
	exec := &fakeExecutor{}
	audit := &fakeAudit{}
	k := New(testPlaybooks(), budget.New(100, time.Hour), exec, audit, zap.NewNop())
	defer k.bucket.Close()

	a := Anomaly{Type: "heartbeat-miss", Severity: SeverityHigh, ResourcePattern: "kernelhost/ingest", Source: "ingest"}
	_ = k.Handle(context.Background(), a)
	_ = k.Handle(context.Background(), a)

	if len(exec.calls) != 1 {
		t.Fatalf("expected action to execute exactly once across two Handle calls, got %d", len(exec.calls))
	}
}

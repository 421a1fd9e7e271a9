package failure

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/kernelhost"
)

type fakeHost struct {
	restarted   []string
	quarantined []string
	restartErr  error
}

func (f *fakeHost) Quarantine(ctx context.Context, name string) error {
	f.quarantined = append(f.quarantined, name)
	return nil
}
func (f *fakeHost) Restart(ctx context.Context, name, reason string) error {
	f.restarted = append(f.restarted, name)
	return f.restartErr
}
func (f *fakeHost) Descriptor(name string) (kernelhost.Descriptor, error) {
	return kernelhost.Descriptor{Name: name}, nil
}

type fakeJournal struct{ bundles []DiagnosticBundle }

func (f *fakeJournal) RecordDiagnostics(b DiagnosticBundle) { f.bundles = append(f.bundles, b) }

type fakeRepair struct{ tasks []DiagnosticBundle }

func (f *fakeRepair) CreateRepairTask(ctx context.Context, b DiagnosticBundle) error {
	f.tasks = append(f.tasks, b)
	return nil
}

type fakeSafeMode struct{ entered bool }

func (f *fakeSafeMode) EnterSafeMode() { f.entered = true }

func TestEscalateTier1RestartsInsteadOfQuarantining(t *testing.T) {
	host := &fakeHost{}
	journal := &fakeJournal{}
	repair := &fakeRepair{}
	h := New(DefaultConfig(), host, journal, repair, &fakeSafeMode{}, nil, zap.NewNop())

	if err := h.Escalate(context.Background(), "journal-kernel", kernelhost.TierCritical); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(host.restarted) != 1 || len(host.quarantined) != 0 {
		t.Fatalf("expected tier-1 kernel to be restarted not quarantined, got restarted=%v quarantined=%v", host.restarted, host.quarantined)
	}
	if len(journal.bundles) != 1 || len(repair.tasks) != 1 {
		t.Fatalf("expected diagnostics recorded and repair task created")
	}
}

func TestEscalateTier2QuarantinesInstead(t *testing.T) {
	host := &fakeHost{}
	h := New(DefaultConfig(), host, &fakeJournal{}, &fakeRepair{}, &fakeSafeMode{}, nil, zap.NewNop())

	if err := h.Escalate(context.Background(), "ingest-kernel", kernelhost.Tier(2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(host.quarantined) != 1 || len(host.restarted) != 0 {
		t.Fatalf("expected tier-2+ kernel to be quarantined not restarted, got restarted=%v quarantined=%v", host.restarted, host.quarantined)
	}
}

func TestEscalateEntersSafeModeOnFailedTier1Restart(t *testing.T) {
	host := &fakeHost{restartErr: errors.New("no replica available")}
	safeMode := &fakeSafeMode{}
	h := New(DefaultConfig(), host, &fakeJournal{}, &fakeRepair{}, safeMode, nil, zap.NewNop())

	_ = h.Escalate(context.Background(), "journal-kernel", kernelhost.TierCritical)
	if !safeMode.entered {
		t.Fatalf("expected safe mode to be entered after failed tier-1 restart")
	}
}

func TestEscalateRejectsWithinCooldown(t *testing.T) {
	cfg := Config{Cooldown: time.Hour, DiagnosticLines: 10}
	h := New(cfg, &fakeHost{}, &fakeJournal{}, &fakeRepair{}, &fakeSafeMode{}, nil, zap.NewNop())

	_ = h.Escalate(context.Background(), "kernel-a", kernelhost.Tier(2))
	err := h.Escalate(context.Background(), "kernel-a", kernelhost.Tier(2))
	if err == nil {
		t.Fatalf("expected second escalation within cooldown to be rejected")
	}
}

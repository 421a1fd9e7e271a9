package kernelhost

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/corectx"
	"github.com/octoreflex/grace/internal/event"
)

type fakeKernel struct {
	initErr error
	drained bool
}

func (f *fakeKernel) Initialise(ctx context.Context, cc *corectx.Context) error { return f.initErr }
func (f *fakeKernel) Handle(ctx context.Context, ev event.Event) ([]event.Event, error) {
	return nil, nil
}
func (f *fakeKernel) Heartbeat(ctx context.Context) error { return nil }
func (f *fakeKernel) Drain(ctx context.Context) error     { f.drained = true; return nil }

type fakePublisher struct{ published []event.Event }

func (p *fakePublisher) Publish(ctx context.Context, ev event.Event) error {
	p.published = append(p.published, ev)
	return nil
}

func TestStartTransitionsToReady(t *testing.T) {
	pub := &fakePublisher{}
	h := New(pub, zap.NewNop())
	desc := Descriptor{Name: "agent_x", Tier: 2, HeartbeatInterval: time.Second}
	if err := h.Register(desc, &fakeKernel{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.Start(context.Background(), "agent_x"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status, err := h.Status("agent_x")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != Ready {
		t.Fatalf("expected Ready, got %s", status.State)
	}

	foundReady := false
	for _, ev := range pub.published {
		if ev.Type == "kernel.ready" {
			foundReady = true
		}
	}
	if !foundReady {
		t.Fatalf("expected kernel.ready to be published")
	}
}

func TestStartFailurePublishesNoReady(t *testing.T) {
	pub := &fakePublisher{}
	h := New(pub, zap.NewNop())
	desc := Descriptor{Name: "agent_x", Tier: 2, HeartbeatInterval: time.Second}
	if err := h.Register(desc, &fakeKernel{initErr: errBoom}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.Start(context.Background(), "agent_x"); err == nil {
		t.Fatalf("expected Start to fail")
	}

	status, err := h.Status("agent_x")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != Failed {
		t.Fatalf("expected Failed, got %s", status.State)
	}
}

func TestRestartIncrementsCount(t *testing.T) {
	pub := &fakePublisher{}
	h := New(pub, zap.NewNop())
	desc := Descriptor{Name: "agent_x", Tier: 2, HeartbeatInterval: time.Second, MaxRestarts: 3}
	k := &fakeKernel{}
	if err := h.Register(desc, k); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.Start(context.Background(), "agent_x"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.MarkFailed("agent_x"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := h.Restart(context.Background(), "agent_x", "fault injected"); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	count, err := h.RestartCount("agent_x")
	if err != nil {
		t.Fatalf("RestartCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected restart count 1, got %d", count)
	}
}

func TestRestartResetsHeartbeatState(t *testing.T) {
	pub := &fakePublisher{}
	h := New(pub, zap.NewNop())
	desc := Descriptor{Name: "agent_x", Tier: 2, HeartbeatInterval: time.Second, MaxRestarts: 3}
	if err := h.Register(desc, &fakeKernel{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.Start(context.Background(), "agent_x"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec := h.kernels["agent_x"]
	rec.mu.Lock()
	rec.heartbeatDeadline = time.Now().Add(-time.Hour) // simulate a stale, already-missed deadline
	rec.missedBeats = 2
	rec.mu.Unlock()

	if err := h.MarkFailed("agent_x"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := h.Restart(context.Background(), "agent_x", "fault injected"); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	rec.mu.Lock()
	deadline := rec.heartbeatDeadline
	missed := rec.missedBeats
	rec.mu.Unlock()

	if missed != 0 {
		t.Fatalf("expected missedBeats reset to 0 after Restart, got %d", missed)
	}
	if !deadline.After(time.Now()) {
		t.Fatalf("expected a fresh future heartbeatDeadline after Restart, got %v", deadline)
	}
}

func TestQuarantineOnlyFromFailed(t *testing.T) {
	pub := &fakePublisher{}
	h := New(pub, zap.NewNop())
	desc := Descriptor{Name: "agent_x", Tier: 2, HeartbeatInterval: time.Second}
	if err := h.Register(desc, &fakeKernel{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.Start(context.Background(), "agent_x"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.Quarantine(context.Background(), "agent_x"); err == nil {
		t.Fatalf("expected quarantine from Ready to be rejected")
	}

	if err := h.MarkFailed("agent_x"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := h.Quarantine(context.Background(), "agent_x"); err != nil {
		t.Fatalf("expected quarantine from Failed to succeed: %v", err)
	}
}

var errBoom = &initError{"boom"}

type initError struct{ msg string }

func (e *initError) Error() string { return e.msg }

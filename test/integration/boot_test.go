// Package integration exercises journal, mesh, and kernelhost wired
// together the way cmd/grace assembles them, instead of each package's
// own unit tests mocking its neighbours.
package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/corectx"
	"github.com/octoreflex/grace/internal/event"
	"github.com/octoreflex/grace/internal/journal"
	"github.com/octoreflex/grace/internal/kernelhost"
	"github.com/octoreflex/grace/internal/mesh"
)

type echoKernel struct {
	received chan event.Event
}

func (k *echoKernel) Initialise(ctx context.Context, cc *corectx.Context) error { return nil }
func (k *echoKernel) Handle(ctx context.Context, ev event.Event) ([]event.Event, error) {
	k.received <- ev
	return nil, nil
}
func (k *echoKernel) Heartbeat(ctx context.Context) error { return nil }
func (k *echoKernel) Drain(ctx context.Context) error     { return nil }

func TestPublishRoutesThroughMeshToKernelHost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := zap.NewNop()

	jrnl, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"), journal.DefaultConfig(), log)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer jrnl.Close()

	table := &mesh.Table{
		Generation: 1,
		Routes: []mesh.Route{
			{SourcePattern: "governance", TypePattern: "governance.decision.approved", Targets: []string{"immune"}, Fanout: mesh.FanoutAll},
		},
	}
	m := mesh.New(table, mesh.DefaultConfig(), jrnl, nil, log)

	host := kernelhost.New(m, log)
	cc := corectx.New("node-test", log, jrnl, m, nil, nil, nil)
	host.BindCoreContext(cc)

	kern := &echoKernel{received: make(chan event.Event, 1)}
	desc := kernelhost.Descriptor{Name: "immune", Tier: 3, HeartbeatInterval: time.Second}
	if err := host.Register(desc, kern); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := host.Start(ctx, "immune"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.Subscribe(ctx, "immune", mesh.DeliveryQueue, func(ctx context.Context, ev event.Event) {
		_, _ = kern.Handle(ctx, ev)
	})

	ev := event.New("governance.decision.approved", "governance", event.PriorityNormal, []byte(`{"ref":"abc"}`))
	if err := m.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-kern.received:
		if got.Type != "governance.decision.approved" {
			t.Fatalf("unexpected event type: %s", got.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for routed event")
	}
}

func TestLookupReturnsAddressableHandle(t *testing.T) {
	log := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jrnl, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"), journal.DefaultConfig(), log)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer jrnl.Close()

	m := mesh.New(&mesh.Table{Generation: 1}, mesh.DefaultConfig(), jrnl, nil, log)
	cc := corectx.New("node-test", log, jrnl, m, nil, nil, nil)

	h, err := cc.Lookup("governance")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if h.Name() != "governance" {
		t.Fatalf("expected handle name governance, got %s", h.Name())
	}

	if _, err := cc.Lookup(""); err == nil {
		t.Fatal("expected Lookup(\"\") to fail")
	}
}

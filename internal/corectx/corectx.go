// Package corectx implements the "core context" construct named in
// REDESIGN FLAGS §9: a single struct, built once at boot, holding
// handles to the journal, event mesh, governance gate, decision
// synthesizer, and immune kernel. It is passed explicitly to every
// kernel at Initialise — there are no package-level singletons or
// getter functions anywhere in this module.
//
// Kernels never hold references to each other directly (spec §9's
// second note on cyclic references): Lookup returns an opaque,
// send-only Handle rather than a concrete kernel reference, so two
// kernels can address one another by name without either importing
// the other's package.
package corectx

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/event"
	"github.com/octoreflex/grace/internal/governance"
	"github.com/octoreflex/grace/internal/immune"
	"github.com/octoreflex/grace/internal/journal"
	"github.com/octoreflex/grace/internal/mesh"
	"github.com/octoreflex/grace/internal/synth"
)

// Publisher is the subset of *mesh.Mesh a kernel needs to address a
// named peer without holding a reference to it.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) error
}

// Handle is an opaque, send-only reference to a named peer kernel. It
// carries no concrete kernel type, so holding one never creates an
// import-time or runtime coupling between two kernel packages. Actual
// delivery is resolved by the mesh's declarative route table from the
// published event's (Source, Type) — Handle exists only so one kernel
// can name a destination at all, without importing it.
type Handle struct {
	name string
	mesh Publisher
}

// Name returns the peer name this handle addresses.
func (h Handle) Name() string { return h.name }

// Send publishes ev on the mesh. The route table, not this handle,
// determines whether ev actually reaches the named peer.
func (h Handle) Send(ctx context.Context, ev event.Event) error {
	return h.mesh.Publish(ctx, ev)
}

// Context bundles every cross-cutting handle a kernel may need at
// Initialise. Fields are read-only after construction; nothing here is
// ever mutated post-boot except via the handles' own synchronized
// methods (Mesh, Journal, Gate, Synthesizer, Immune are all already
// safe for concurrent use).
type Context struct {
	NodeID string
	Log    *zap.Logger

	Journal    *journal.Journal
	Mesh       *mesh.Mesh
	Gate       *governance.Gate
	Synth      *synth.Synthesizer
	Immune     *immune.Kernel
}

// New constructs a Context from already-opened subsystem handles. The
// boot sequence (cmd/grace/main.go) is the only caller: this is
// intentionally not a lazy/singleton constructor.
func New(nodeID string, log *zap.Logger, j *journal.Journal, m *mesh.Mesh, gate *governance.Gate, s *synth.Synthesizer, im *immune.Kernel) *Context {
	return &Context{
		NodeID:  nodeID,
		Log:     log,
		Journal: j,
		Mesh:    m,
		Gate:    gate,
		Synth:   s,
		Immune:  im,
	}
}

// Lookup returns an opaque handle addressing the named peer kernel.
// It does not verify the name is registered; an unresolvable handle's
// Send simply fails at publish time the same way any misrouted event
// would, which is consistent with the mesh's "route table is the only
// source of truth" design.
func (c *Context) Lookup(name string) (Handle, error) {
	if name == "" {
		return Handle{}, fmt.Errorf("corectx: Lookup requires a non-empty name")
	}
	return Handle{name: name, mesh: c.Mesh}, nil
}

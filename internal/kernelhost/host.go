// Package kernelhost — host.go
//
// Host: exposes the uniform component contract (§4.2) to every kernel and
// exclusively owns kernel lifecycle state, generalizing
// internal/operator.MemRegistry's mutex-guarded map from read-only
// status bookkeeping to the authoritative lifecycle owner, and
// internal/escalation.ProcessState's per-entity ownership model from
// per-PID to per-kernel-name.
package kernelhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/corectx"
	"github.com/octoreflex/grace/internal/event"
)

// Tier classifies a kernel's criticality. Tier 1 is infrastructure whose
// failure cannot be masked by degraded mode; 2-5 are non-critical.
type Tier uint8

const TierCritical Tier = 1

// Kernel is the contract every hosted component must satisfy.
type Kernel interface {
	// Initialise is idempotent; may subscribe to event types; must
	// publish kernel.ready on success. cc is the core context (REDESIGN
	// FLAGS §9): the kernel's only path to journal/mesh/gate/synth/immune
	// handles — never a package-level global.
	Initialise(ctx context.Context, cc *corectx.Context) error

	// Handle is the single-entry handler. It must not block the mesh
	// longer than its declared latency budget; longer work must be
	// offloaded to an internal queue owned by the kernel.
	Handle(ctx context.Context, ev event.Event) ([]event.Event, error)

	// Heartbeat reports health at the control plane's cadence.
	Heartbeat(ctx context.Context) error

	// Drain refuses new work, finishes in-flight work, and returns once
	// quiesced.
	Drain(ctx context.Context) error
}

// SnapshotCapable is an optional extension; tier-1 kernels must implement
// it to participate in snapshot-based recovery (§4.2).
type SnapshotCapable interface {
	Snapshot(ctx context.Context) ([]byte, error)
	Restore(ctx context.Context, blob []byte) error
}

// Descriptor is a kernel's registration record (§6 registration
// descriptor schema).
type Descriptor struct {
	Name                string
	Tier                Tier
	Capabilities        []string
	Subscriptions       []string // event type patterns
	HandleLatencyBudget time.Duration
	HeartbeatInterval   time.Duration
	MaxRestarts         int
	SnapshotSupported   bool
}

// record is the host's private lifecycle bookkeeping for one kernel.
type record struct {
	mu              sync.Mutex
	descriptor      Descriptor
	kernel          Kernel
	state           State
	heartbeatDeadline time.Time
	missedBeats     int
	restartCount    int
	lastRestartAt   time.Time
}

func (r *record) snapshot() KernelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return KernelStatus{
		Name:         r.descriptor.Name,
		Tier:         r.descriptor.Tier,
		State:        r.state,
		RestartCount: r.restartCount,
		MaxRestarts:  r.descriptor.MaxRestarts,
	}
}

// KernelStatus is the read-only view other components may obtain; they
// never mutate lifecycle state directly (spec §3.2 ownership invariant).
type KernelStatus struct {
	Name         string
	Tier         Tier
	State        State
	RestartCount int
	MaxRestarts  int
}

// Publisher is the mesh's publish surface, as seen by the host.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) error
}

// Host owns every kernel's lifecycle state. Boot order, restart
// scheduling, and escalation live in internal/control, which drives this
// Host through its operations rather than mutating records directly.
type Host struct {
	log     *zap.Logger
	mesh    Publisher
	coreCtx *corectx.Context
	mu      sync.RWMutex
	kernels map[string]*record
	booting bool
}

func New(mesh Publisher, log *zap.Logger) *Host {
	return &Host{log: log, mesh: mesh, kernels: make(map[string]*record), booting: true}
}

// BindCoreContext attaches the core context every kernel receives at
// Initialise. Called once during boot, after journal/mesh/gate/synth/
// immune are all constructed but before any kernel starts.
func (h *Host) BindCoreContext(cc *corectx.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.coreCtx = cc
}

// EndBootPhase closes the registration window. After this call, Register
// is only permitted when the caller is itself an already-registered
// meta-kernel publishing a registration event (§4.2), a policy enforced
// by internal/control, not by Host itself.
func (h *Host) EndBootPhase() { h.mu.Lock(); h.booting = false; h.mu.Unlock() }

func (h *Host) inBootPhase() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.booting
}

// Register adds a kernel descriptor in the Unregistered state. It does
// not start the kernel; Start does.
func (h *Host) Register(desc Descriptor, k Kernel) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.kernels[desc.Name]; exists {
		return fmt.Errorf("kernelhost: %q already registered", desc.Name)
	}
	h.kernels[desc.Name] = &record{descriptor: desc, kernel: k, state: Unregistered}
	return nil
}

// Start runs Initialise and transitions Unregistered -> Initialising ->
// Ready|Failed, publishing kernel.ready on success.
func (h *Host) Start(ctx context.Context, name string) error {
	rec, err := h.lookup(name)
	if err != nil {
		return err
	}

	if err := h.transition(rec, Initialising); err != nil {
		return err
	}

	if err := rec.kernel.Initialise(ctx, h.coreCtx); err != nil {
		_ = h.transition(rec, Failed)
		return fmt.Errorf("kernelhost: initialise %q: %w", name, err)
	}

	if err := h.transition(rec, Ready); err != nil {
		return err
	}

	rec.mu.Lock()
	rec.heartbeatDeadline = time.Now().Add(rec.descriptor.HeartbeatInterval)
	rec.mu.Unlock()

	if h.mesh != nil {
		_ = h.mesh.Publish(ctx, event.New("kernel.ready", name, event.PriorityHigh, nil))
	}
	return nil
}

// Stop drains a kernel and leaves its lifecycle state unchanged (a clean
// stop is modeled as a drain, not a lifecycle failure; callers that want
// to permanently retire a kernel should Drain then leave it Unregistered
// via a fresh Host).
func (h *Host) Stop(ctx context.Context, name string) error {
	rec, err := h.lookup(name)
	if err != nil {
		return err
	}
	return rec.kernel.Drain(ctx)
}

// Restart re-initialises a failed kernel, incrementing its restart count.
// The caller (control plane) is responsible for restart-budget
// enforcement before calling this.
func (h *Host) Restart(ctx context.Context, name, reason string) error {
	rec, err := h.lookup(name)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	rec.restartCount++
	rec.lastRestartAt = time.Now()
	rec.mu.Unlock()

	if h.mesh != nil {
		_ = h.mesh.Publish(ctx, event.New("kernel.restart.initiated", name, event.PriorityHigh,
			[]byte(fmt.Sprintf(`{"reason":%q}`, reason))))
	}

	// Failed -> Ready is the restart edge in state.go; a failed
	// re-initialise leaves the kernel in Failed.
	if err := rec.kernel.Initialise(ctx, h.coreCtx); err != nil {
		_ = h.transition(rec, Failed)
		if h.mesh != nil {
			_ = h.mesh.Publish(ctx, event.New("kernel.restart.failed", name, event.PriorityHigh, nil))
		}
		return fmt.Errorf("kernelhost: restart %q: %w", name, err)
	}
	if err := h.transition(rec, Ready); err != nil {
		return err
	}

	// A restarted kernel comes back observably identical to a fresh boot
	// (modulo restart_count): reset the heartbeat deadline and miss
	// counter the same way Start does, so a stale pre-restart deadline
	// can't immediately re-fail it on the next CheckHeartbeats tick.
	rec.mu.Lock()
	rec.heartbeatDeadline = time.Now().Add(rec.descriptor.HeartbeatInterval)
	rec.missedBeats = 0
	rec.mu.Unlock()

	if h.mesh != nil {
		_ = h.mesh.Publish(ctx, event.New("kernel.restart.success", name, event.PriorityHigh, nil))
	}
	return nil
}

// Quarantine moves a kernel to the terminal Quarantined state once its
// restart budget is exhausted (driven by internal/control +
// internal/failure).
func (h *Host) Quarantine(ctx context.Context, name string) error {
	rec, err := h.lookup(name)
	if err != nil {
		return err
	}
	if err := h.transition(rec, Quarantined); err != nil {
		return err
	}
	if h.mesh != nil {
		_ = h.mesh.Publish(ctx, event.New("kernel.quarantined", name, event.PriorityCritical, nil))
	}
	return nil
}

// MarkDegraded and MarkFailed are invoked by the control plane's
// supervision loop on heartbeat misses.
func (h *Host) MarkDegraded(name string) error {
	rec, err := h.lookup(name)
	if err != nil {
		return err
	}
	return h.transition(rec, Degraded)
}

func (h *Host) MarkFailed(name string) error {
	rec, err := h.lookup(name)
	if err != nil {
		return err
	}
	return h.transition(rec, Failed)
}

func (h *Host) MarkReadyFromDegraded(name string) error {
	rec, err := h.lookup(name)
	if err != nil {
		return err
	}
	return h.transition(rec, Ready)
}

// RecordHeartbeat resets a kernel's heartbeat deadline and miss counter.
func (h *Host) RecordHeartbeat(name string) error {
	rec, err := h.lookup(name)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.heartbeatDeadline = time.Now().Add(rec.descriptor.HeartbeatInterval)
	rec.missedBeats = 0
	return nil
}

// CheckHeartbeats is called by the control plane's supervision tick; it
// returns kernels whose deadline has passed along with their updated miss
// count, without itself deciding degraded/failed thresholds (that policy
// lives in internal/control, which owns the "two misses / three misses"
// constants from spec §4.2).
func (h *Host) CheckHeartbeats(now time.Time) map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	missed := make(map[string]int)
	for name, rec := range h.kernels {
		rec.mu.Lock()
		if rec.state == Ready || rec.state == Degraded {
			if now.After(rec.heartbeatDeadline) {
				rec.missedBeats++
				rec.heartbeatDeadline = now.Add(rec.descriptor.HeartbeatInterval)
			}
			if rec.missedBeats > 0 {
				missed[name] = rec.missedBeats
			}
		}
		rec.mu.Unlock()
	}
	return missed
}

// Descriptor returns the registration descriptor for name.
func (h *Host) Descriptor(name string) (Descriptor, error) {
	rec, err := h.lookup(name)
	if err != nil {
		return Descriptor{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.descriptor, nil
}

// RestartCount and MaxRestarts expose budget bookkeeping to the control
// plane without letting it mutate state directly.
func (h *Host) RestartCount(name string) (int, error) {
	rec, err := h.lookup(name)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.restartCount, nil
}

// Status returns a read-only snapshot of one kernel's lifecycle record.
func (h *Host) Status(name string) (KernelStatus, error) {
	rec, err := h.lookup(name)
	if err != nil {
		return KernelStatus{}, err
	}
	return rec.snapshot(), nil
}

// List returns a snapshot of every registered kernel's status.
func (h *Host) List() []KernelStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]KernelStatus, 0, len(h.kernels))
	for _, rec := range h.kernels {
		out = append(out, rec.snapshot())
	}
	return out
}

func (h *Host) lookup(name string) (*record, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.kernels[name]
	if !ok {
		return nil, fmt.Errorf("kernelhost: unknown kernel %q", name)
	}
	return rec, nil
}

func (h *Host) transition(rec *record, to State) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !legalTransition(rec.state, to) {
		return fmt.Errorf("kernelhost: illegal transition %s -> %s", rec.state, to)
	}
	rec.state = to
	return nil
}

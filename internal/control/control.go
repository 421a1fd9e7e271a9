// Package control — control.go
//
// Control plane: boot sequencing, health supervision, restart budgets,
// escalation to the failure handler. Boot-order discipline (tier-1
// sequential, tier-2+ parallel with a concurrency cap) and the numbered-
// step documentation style are lifted directly from cmd/octoreflex's
// startup sequence in the teacher repo.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/event"
	"github.com/octoreflex/grace/internal/kernelhost"
	"github.com/octoreflex/grace/internal/mesh"
)

// Mesh is the subset of mesh.Mesh the control plane depends on.
type Mesh interface {
	Publish(ctx context.Context, ev event.Event) error
	Subscribe(ctx context.Context, name string, delivery mesh.Delivery, handler func(ctx context.Context, ev event.Event))
}

// FailureHandler is invoked once a kernel exhausts its restart budget
// (§4.7's kernel-failure escalation, implemented in internal/failure).
type FailureHandler interface {
	Escalate(ctx context.Context, kernelName string, tier kernelhost.Tier) error
}

// Config tunes boot and supervision timing (§6 environment variables).
type Config struct {
	BootTimeout            time.Duration
	HeartbeatInterval       time.Duration
	DefaultMaxRestarts      int
	SupervisionTick         time.Duration
	Tier2ConcurrencyCap     int
	DegradedHeartbeatMisses int // misses before Degraded
	FailedHeartbeatMisses   int // misses before Failed
}

func DefaultConfig() Config {
	return Config{
		BootTimeout:             30 * time.Second,
		HeartbeatInterval:       10 * time.Second,
		DefaultMaxRestarts:      3,
		SupervisionTick:         5 * time.Second,
		Tier2ConcurrencyCap:     8,
		DegradedHeartbeatMisses: 2,
		FailedHeartbeatMisses:   3,
	}
}

// Plane is the control plane.
type Plane struct {
	cfg     Config
	host    *kernelhost.Host
	mesh    Mesh
	budget  *RestartBudget
	failure FailureHandler
	log     *zap.Logger

	mu              sync.Mutex
	degradedKernels map[string]bool
	safeMode        bool
}

func New(cfg Config, host *kernelhost.Host, mesh Mesh, failure FailureHandler, log *zap.Logger) *Plane {
	return &Plane{
		cfg:             cfg,
		host:            host,
		mesh:            mesh,
		budget:          NewRestartBudget(DefaultBackoffConfig()),
		failure:         failure,
		log:             log,
		degradedKernels: make(map[string]bool),
	}
}

// KernelGroup pairs a descriptor with its constructed kernel, for boot
// ordering.
type KernelGroup struct {
	Descriptor kernelhost.Descriptor
	Kernel     kernelhost.Kernel
}

// NewKernelGroup constructs a boot-order entry.
func NewKernelGroup(desc kernelhost.Descriptor, k kernelhost.Kernel) KernelGroup {
	return KernelGroup{Descriptor: desc, Kernel: k}
}

// Boot runs the happy-path boot sequence (§4.4):
//  1. Bring up journal; verify the tail.        (done by caller before Boot)
//  2. Bring up mesh; load route manifest.       (done by caller before Boot)
//  3. Bring up control plane; subscribe to kernel.*, heartbeat.*, anomaly.*.
//  4. Register and initialise tier-1 kernels sequentially.
//  5. Register tier-2+ kernels in parallel with a concurrency cap.
//  6. Emit control.boot.complete.
func (p *Plane) Boot(ctx context.Context, tier1, tier2plus []KernelGroup) error {
	bootCtx, cancel := context.WithTimeout(ctx, p.cfg.BootTimeout)
	defer cancel()

	p.mesh.Subscribe(ctx, "control", mesh.DeliveryQueue, p.handleEvent)

	for _, g := range tier1 {
		if err := p.registerAndStart(bootCtx, g); err != nil {
			return fmt.Errorf("control: tier-1 kernel %q failed boot: %w", g.Descriptor.Name, err)
		}
	}

	if err := p.startTier2Parallel(bootCtx, tier2plus); err != nil {
		return err
	}

	p.host.EndBootPhase()

	ready := make([]string, 0, len(tier1)+len(tier2plus))
	for _, g := range tier1 {
		ready = append(ready, g.Descriptor.Name)
	}
	for _, g := range tier2plus {
		ready = append(ready, g.Descriptor.Name)
	}
	return p.mesh.Publish(ctx, event.New("control.boot.complete", "control", event.PriorityHigh, nil).
		WithCorrelation(fmt.Sprintf("boot-%d", len(ready))))
}

// AdoptExternalKernel configures a restart budget ceiling for a kernel that
// was registered directly against the host rather than through Boot — e.g.
// a core-owned kernel started before the control plane exists. Call once,
// before RunSupervision starts, so the first CheckHeartbeats-driven failure
// isn't treated as an already-exhausted budget (zero counted against a
// zero, never-configured ceiling).
func (p *Plane) AdoptExternalKernel(name string, maxRestarts int) {
	if maxRestarts == 0 {
		maxRestarts = p.cfg.DefaultMaxRestarts
	}
	p.budget.Configure(name, maxRestarts)
}

func (p *Plane) registerAndStart(ctx context.Context, g KernelGroup) error {
	if g.Descriptor.MaxRestarts == 0 {
		g.Descriptor.MaxRestarts = p.cfg.DefaultMaxRestarts
	}
	if g.Descriptor.HeartbeatInterval == 0 {
		g.Descriptor.HeartbeatInterval = p.cfg.HeartbeatInterval
	}
	p.budget.Configure(g.Descriptor.Name, g.Descriptor.MaxRestarts)
	if err := p.host.Register(g.Descriptor, g.Kernel); err != nil {
		return err
	}
	return p.host.Start(ctx, g.Descriptor.Name)
}

func (p *Plane) startTier2Parallel(ctx context.Context, groups []KernelGroup) error {
	sem := make(chan struct{}, p.cfg.Tier2ConcurrencyCap)
	errs := make(chan error, len(groups))
	var wg sync.WaitGroup

	for _, g := range groups {
		wg.Add(1)
		sem <- struct{}{}
		go func(g KernelGroup) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.registerAndStart(ctx, g); err != nil {
				errs <- err
			}
		}(g)
	}
	wg.Wait()
	close(errs)

	// Tier-2+ kernel boot failures degrade, not abort: only tier-1
	// failures are boot-fatal per §4.4.
	for err := range errs {
		p.log.Warn("control: tier-2+ kernel failed boot, continuing degraded", zap.Error(err))
	}
	return nil
}

func (p *Plane) handleEvent(ctx context.Context, ev event.Event) {
	switch ev.Type {
	case "kernel.restart.exhausted":
		if p.failure != nil {
			desc, err := p.host.Descriptor(ev.Source)
			if err != nil {
				return
			}
			if err := p.failure.Escalate(ctx, ev.Source, desc.Tier); err != nil {
				p.log.Error("control: escalation failed", zap.String("kernel", ev.Source), zap.Error(err))
			}
		}
	}
}

// RunSupervision blocks until ctx is cancelled, ticking the supervision
// loop (§4.4): heartbeat expiry -> degraded/failed, restart scheduling
// within budget, exhaustion escalation.
func (p *Plane) RunSupervision(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SupervisionTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.superviseTick(ctx)
		}
	}
}

func (p *Plane) superviseTick(ctx context.Context) {
	missed := p.host.CheckHeartbeats(time.Now())
	for name, misses := range missed {
		switch {
		case misses >= p.cfg.FailedHeartbeatMisses:
			p.onFailed(ctx, name)
		case misses >= p.cfg.DegradedHeartbeatMisses:
			p.onDegraded(name)
		}
	}
}

func (p *Plane) onDegraded(name string) {
	if err := p.host.MarkDegraded(name); err != nil {
		return
	}
	p.mu.Lock()
	p.degradedKernels[name] = true
	p.mu.Unlock()
}

func (p *Plane) onFailed(ctx context.Context, name string) {
	if err := p.host.MarkFailed(name); err != nil {
		return
	}

	if p.budget.Exhausted(name) {
		_ = p.mesh.Publish(ctx, event.New("kernel.restart.exhausted", name, event.PriorityCritical, nil))
		return
	}

	backoff := p.budget.NextBackoff(name)
	p.budget.RecordAttempt(name)

	go func() {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if err := p.host.Restart(ctx, name, "heartbeat deadline exceeded"); err != nil {
			p.log.Warn("control: restart attempt failed", zap.String("kernel", name), zap.Error(err))
		}
	}()
}

// DegradedKernels returns the system-wide degraded_mode.disabled_kernels
// set (§4.4's degradation policy).
func (p *Plane) DegradedKernels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.degradedKernels))
	for name := range p.degradedKernels {
		out = append(out, name)
	}
	return out
}

// SafeMode reports whether the system has entered safe mode (a failed
// tier-1 kernel with no replica).
func (p *Plane) SafeMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.safeMode
}

// EnterSafeMode is called by the failure handler when a tier-1 kernel
// cannot be recovered.
func (p *Plane) EnterSafeMode() {
	p.mu.Lock()
	p.safeMode = true
	p.mu.Unlock()
}

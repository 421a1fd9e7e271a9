// Package failure implements the kernel-failure escalation path (§4.7),
// fired when a kernel exceeds its restart budget
// (`kernel.restart.exhausted`): halt retries, capture diagnostics,
// choose a tier-appropriate recovery strategy, and hand off for repair.
// No playbook is synthesized from a confirmed fix.
//
// The diagnostic-bundle-then-handoff shape follows cmd/octoreflex's own
// pattern of capturing structured state before delegating to an
// external system (there, the gossip layer; here, a repair agent).
package failure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/kernelhost"
)

// DiagnosticBundle captures the state needed for a repair agent to
// propose a fix.
type DiagnosticBundle struct {
	KernelName       string
	Tier             kernelhost.Tier
	CapturedAt       time.Time
	LastError        string
	LastKnownGoodRef string // snapshot pointer, empty if none
	RecentLogLines   []string
}

// Host is the subset of kernelhost.Host the handler depends on.
type Host interface {
	Quarantine(ctx context.Context, name string) error
	Restart(ctx context.Context, name, reason string) error
	Descriptor(name string) (kernelhost.Descriptor, error)
}

// Journal records diagnostic bundles for audit.
type Journal interface {
	RecordDiagnostics(bundle DiagnosticBundle)
}

// RepairSink receives repair.task.created handoffs.
type RepairSink interface {
	CreateRepairTask(ctx context.Context, bundle DiagnosticBundle) error
}

// SafeModeEntrant is notified when a tier-1 kernel cannot be recovered.
type SafeModeEntrant interface {
	EnterSafeMode()
}

// LogCapture returns the last N log lines relevant to a kernel. The
// control plane / observability layer supplies the concrete
// implementation; this package only consumes the interface.
type LogCapture interface {
	TailLogs(kernelName string, n int) []string
}

// Config tunes cooldown and diagnostic capture depth.
type Config struct {
	Cooldown         time.Duration
	DiagnosticLines  int
}

func DefaultConfig() Config {
	return Config{Cooldown: 5 * time.Minute, DiagnosticLines: 200}
}

// Handler implements the 4-step kernel-failure escalation sequence:
// halt, capture diagnostics, recover by tier, hand off for repair.
type Handler struct {
	cfg        Config
	host       Host
	journal    Journal
	repair     RepairSink
	safeMode   SafeModeEntrant
	logs       LogCapture
	log        *zap.Logger

	mu       sync.Mutex
	cooldown map[string]time.Time // kernel -> cooldown expiry
}

func New(cfg Config, host Host, journal Journal, repair RepairSink, safeMode SafeModeEntrant, logs LogCapture, log *zap.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		host:     host,
		journal:  journal,
		repair:   repair,
		safeMode: safeMode,
		logs:     logs,
		log:      log,
		cooldown: make(map[string]time.Time),
	}
}

// Escalate runs the full escalation sequence for a kernel that has
// exhausted its restart budget.
func (h *Handler) Escalate(ctx context.Context, kernelName string, tier kernelhost.Tier) error {
	// Step 1: halt retries — caller (control plane) must not schedule
	// further restarts once Escalate is invoked. This handler only
	// rejects a repeat escalation of the same kernel within the cooldown
	// window below.
	if h.inCooldown(kernelName) {
		return fmt.Errorf("failure: %q is in its post-escalation cooldown window", kernelName)
	}

	// Step 2: capture diagnostics.
	bundle := h.captureDiagnostics(kernelName, tier)
	h.journal.RecordDiagnostics(bundle)

	// Step 3: choose recovery strategy by tier. Tier-1 recovery is one
	// direct restart through the host: the control plane's restart
	// budget is not reset, and no replica failover or snapshot restore
	// is attempted.
	if tier == kernelhost.TierCritical {
		if err := h.host.Restart(ctx, kernelName, "tier-1 escalation retry"); err != nil {
			h.log.Error("failure: tier-1 restart retry failed",
				zap.String("kernel", kernelName), zap.Error(err))
			if h.safeMode != nil {
				h.safeMode.EnterSafeMode()
			}
		}
	} else {
		if err := h.host.Quarantine(ctx, kernelName); err != nil {
			h.log.Error("failure: quarantine failed", zap.String("kernel", kernelName), zap.Error(err))
		}
	}

	// Step 4: hand off for repair.
	if h.repair != nil {
		if err := h.repair.CreateRepairTask(ctx, bundle); err != nil {
			h.log.Warn("failure: repair task handoff failed", zap.String("kernel", kernelName), zap.Error(err))
		}
	}

	h.setCooldown(kernelName)
	return nil
}

func (h *Handler) captureDiagnostics(kernelName string, tier kernelhost.Tier) DiagnosticBundle {
	var lines []string
	if h.logs != nil {
		lines = h.logs.TailLogs(kernelName, h.cfg.DiagnosticLines)
	}
	return DiagnosticBundle{
		KernelName:     kernelName,
		Tier:           tier,
		CapturedAt:     time.Now(),
		RecentLogLines: lines,
	}
}

func (h *Handler) inCooldown(kernelName string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	expiry, ok := h.cooldown[kernelName]
	return ok && time.Now().Before(expiry)
}

func (h *Handler) setCooldown(kernelName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cooldown[kernelName] = time.Now().Add(h.cfg.Cooldown)
}

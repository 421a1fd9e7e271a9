// Package observability — metrics.go
//
// Prometheus metrics for the Grace runtime core.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: grace_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - State/outcome labels use fixed small enums (state names, verdicts).
//   - Kernel name IS used as a label: kernel counts are bounded by the
//     route manifest, not by request volume, unlike the teacher's PID
//     labels which were explicitly excluded for being unbounded.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the Grace core.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Journal ──────────────────────────────────────────────────────────────

	// JournalAppendsTotal counts entries successfully appended.
	JournalAppendsTotal prometheus.Counter

	// JournalAppendLatency records append latency in seconds.
	JournalAppendLatency prometheus.Histogram

	// JournalIntegrityChecksTotal counts verifier passes, by result.
	// Labels: result (ok, broken)
	JournalIntegrityChecksTotal *prometheus.CounterVec

	// JournalTailSequence is the current journal tail sequence number.
	JournalTailSequence prometheus.Gauge

	// ─── Event mesh ───────────────────────────────────────────────────────────

	// MeshEventsPublishedTotal counts events accepted for dispatch.
	MeshEventsPublishedTotal prometheus.Counter

	// MeshEventsDroppedTotal counts events dropped, by reason.
	// Labels: reason (queue_full, no_route, validator_rejected)
	MeshEventsDroppedTotal *prometheus.CounterVec

	// MeshSubscriberQueueDepth is the current per-subscriber queue depth.
	// Labels: subscriber
	MeshSubscriberQueueDepth *prometheus.GaugeVec

	// MeshRouteTableGeneration is the currently active route table generation.
	MeshRouteTableGeneration prometheus.Gauge

	// ─── Kernel host / control plane ──────────────────────────────────────────

	// KernelStateTransitionsTotal counts lifecycle state transitions.
	// Labels: from_state, to_state
	KernelStateTransitionsTotal *prometheus.CounterVec

	// KernelRestartsTotal counts restart attempts, by kernel.
	// Labels: kernel
	KernelRestartsTotal *prometheus.CounterVec

	// KernelsDegraded is the current count of kernels in Degraded state.
	KernelsDegraded prometheus.Gauge

	// ─── Governance gate ──────────────────────────────────────────────────────

	// GovernanceDecisionsTotal counts gate outcomes.
	// Labels: outcome (approved, denied, requires_parliament, deferred)
	GovernanceDecisionsTotal *prometheus.CounterVec

	// GovernanceStageLatency records per-stage evaluation latency.
	// Labels: stage (constitutional, policy, hunter, verification, parliament)
	GovernanceStageLatency *prometheus.HistogramVec

	// ─── Decision synthesizer ─────────────────────────────────────────────────

	// SynthScoreHistogram records the distribution of synthesized scores.
	SynthScoreHistogram prometheus.Histogram

	// SynthOutcomesTotal counts synthesizer outcomes.
	// Labels: outcome (approve, deny, defer)
	SynthOutcomesTotal *prometheus.CounterVec

	// SynthContradictionsTotal counts detected cross-source contradictions.
	SynthContradictionsTotal prometheus.Counter

	// ─── Immune kernel ─────────────────────────────────────────────────────────

	// ImmuneActionsTotal counts remediation actions executed, by action and result.
	// Labels: action, result (success, failure)
	ImmuneActionsTotal *prometheus.CounterVec

	// ImmuneBudgetTokensRemaining is the current remediation token bucket level.
	ImmuneBudgetTokensRemaining prometheus.Gauge

	// ImmuneTrustScore is the current trust score, by kernel.
	// Labels: kernel
	ImmuneTrustScore *prometheus.GaugeVec

	// ─── Failure handler ──────────────────────────────────────────────────────

	// FailureEscalationsTotal counts kernel-failure escalations, by kernel.
	FailureEscalationsTotal *prometheus.CounterVec

	// ─── Core ─────────────────────────────────────────────────────────────────

	// CoreUptimeSeconds is the number of seconds since the core started.
	CoreUptimeSeconds prometheus.Gauge

	// startTime records when the core started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all Grace Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		JournalAppendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grace", Subsystem: "journal", Name: "appends_total",
			Help: "Total entries successfully appended to the journal.",
		}),
		JournalAppendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "grace", Subsystem: "journal", Name: "append_latency_seconds",
			Help: "Journal append latency in seconds.", Buckets: prometheus.DefBuckets,
		}),
		JournalIntegrityChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grace", Subsystem: "journal", Name: "integrity_checks_total",
			Help: "Total background integrity verification passes, by result.",
		}, []string{"result"}),
		JournalTailSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "grace", Subsystem: "journal", Name: "tail_sequence",
			Help: "Current journal tail sequence number.",
		}),

		MeshEventsPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grace", Subsystem: "mesh", Name: "events_published_total",
			Help: "Total events accepted for dispatch on the mesh.",
		}),
		MeshEventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grace", Subsystem: "mesh", Name: "events_dropped_total",
			Help: "Total events dropped, by reason.",
		}, []string{"reason"}),
		MeshSubscriberQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grace", Subsystem: "mesh", Name: "subscriber_queue_depth",
			Help: "Current per-subscriber queue depth.",
		}, []string{"subscriber"}),
		MeshRouteTableGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "grace", Subsystem: "mesh", Name: "route_table_generation",
			Help: "Currently active route table generation number.",
		}),

		KernelStateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grace", Subsystem: "kernel", Name: "state_transitions_total",
			Help: "Total kernel lifecycle state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),
		KernelRestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grace", Subsystem: "kernel", Name: "restarts_total",
			Help: "Total restart attempts, by kernel.",
		}, []string{"kernel"}),
		KernelsDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "grace", Subsystem: "kernel", Name: "degraded",
			Help: "Current number of kernels in the Degraded state.",
		}),

		GovernanceDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grace", Subsystem: "governance", Name: "decisions_total",
			Help: "Total governance gate decisions, by outcome.",
		}, []string{"outcome"}),
		GovernanceStageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "grace", Subsystem: "governance", Name: "stage_latency_seconds",
			Help: "Governance gate per-stage evaluation latency.", Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),

		SynthScoreHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "grace", Subsystem: "synth", Name: "score",
			Help:    "Distribution of unified decision synthesizer scores.",
			Buckets: []float64{-1.0, -0.5, -0.2, -0.1, 0, 0.1, 0.2, 0.5, 1.0},
		}),
		SynthOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grace", Subsystem: "synth", Name: "outcomes_total",
			Help: "Total synthesized outcomes, by outcome.",
		}, []string{"outcome"}),
		SynthContradictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grace", Subsystem: "synth", Name: "contradictions_total",
			Help: "Total detected cross-source contradictions.",
		}),

		ImmuneActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grace", Subsystem: "immune", Name: "actions_total",
			Help: "Total remediation actions executed, by action and result.",
		}, []string{"action", "result"}),
		ImmuneBudgetTokensRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "grace", Subsystem: "immune", Name: "budget_tokens_remaining",
			Help: "Current remediation-action token bucket level.",
		}),
		ImmuneTrustScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grace", Subsystem: "immune", Name: "trust_score",
			Help: "Current per-kernel trust score.",
		}, []string{"kernel"}),

		FailureEscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grace", Subsystem: "failure", Name: "escalations_total",
			Help: "Total kernel-failure escalations, by kernel.",
		}, []string{"kernel"}),

		CoreUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "grace", Subsystem: "core", Name: "uptime_seconds",
			Help: "Number of seconds since the core started.",
		}),
	}

	// Register all metrics with the dedicated registry.
	reg.MustRegister(
		m.JournalAppendsTotal,
		m.JournalAppendLatency,
		m.JournalIntegrityChecksTotal,
		m.JournalTailSequence,
		m.MeshEventsPublishedTotal,
		m.MeshEventsDroppedTotal,
		m.MeshSubscriberQueueDepth,
		m.MeshRouteTableGeneration,
		m.KernelStateTransitionsTotal,
		m.KernelRestartsTotal,
		m.KernelsDegraded,
		m.GovernanceDecisionsTotal,
		m.GovernanceStageLatency,
		m.SynthScoreHistogram,
		m.SynthOutcomesTotal,
		m.SynthContradictionsTotal,
		m.ImmuneActionsTotal,
		m.ImmuneBudgetTokensRemaining,
		m.ImmuneTrustScore,
		m.FailureEscalationsTotal,
		m.CoreUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start uptime updater goroutine.
	go m.updateUptime(ctx)

	// Shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the CoreUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CoreUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

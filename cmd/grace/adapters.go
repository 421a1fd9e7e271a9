package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/budget"
	"github.com/octoreflex/grace/internal/failure"
	"github.com/octoreflex/grace/internal/observability"
	"github.com/octoreflex/grace/internal/storage"
)

// metricsAuditSink satisfies immune.AuditSink: every remediation attempt
// and trust adjustment is exported as a metric and logged. Successful
// actions are also appended to the storage decision ledger; failed
// actions and trust adjustments are not persisted here.
type metricsAuditSink struct {
	db      *storage.DB
	metrics *observability.Metrics
	nodeID  string
	log     *zap.Logger
}

func newMetricsAuditSink(db *storage.DB, metrics *observability.Metrics, nodeID string, log *zap.Logger) *metricsAuditSink {
	return &metricsAuditSink{db: db, metrics: metrics, nodeID: nodeID, log: log}
}

func (s *metricsAuditSink) RecordAction(resource string, action budget.Action, idempotencyKey string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.ImmuneActionsTotal.WithLabelValues(string(action), result).Inc()

	if err != nil {
		s.log.Warn("immune: remediation action failed",
			zap.String("resource", resource), zap.String("action", string(action)), zap.Error(err))
		return
	}
	s.log.Info("immune: remediation action executed",
		zap.String("resource", resource), zap.String("action", string(action)), zap.String("idempotency_key", idempotencyKey))

	_ = s.db.AppendLedger(storage.DecisionRecord{
		CorrelationID: idempotencyKey,
		Actor:         "immune",
		Action:        string(action),
		Outcome:       result,
		NodeID:        s.nodeID,
	})
}

func (s *metricsAuditSink) RecordTrustAdjustment(kernel string, delta, newValue float64) {
	s.metrics.ImmuneTrustScore.WithLabelValues(kernel).Set(newValue)
	s.log.Debug("immune: trust adjusted", zap.String("kernel", kernel), zap.Float64("delta", delta), zap.Float64("new_value", newValue))
}

// snapshotJournal satisfies failure.Journal by persisting diagnostic
// bundles as kernel snapshots, so a later restart's repair agent can
// read back LastKnownGoodRef via storage.DB.GetSnapshot.
type snapshotJournal struct {
	db  *storage.DB
	log *zap.Logger
}

func newSnapshotJournal(db *storage.DB, log *zap.Logger) *snapshotJournal {
	return &snapshotJournal{db: db, log: log}
}

func (s *snapshotJournal) RecordDiagnostics(bundle failure.DiagnosticBundle) {
	blob := []byte(bundle.LastError)
	if err := s.db.PutSnapshot(storage.KernelSnapshot{
		KernelName: bundle.KernelName,
		StateBlob:  blob,
		CapturedAt: bundle.CapturedAt,
	}); err != nil {
		s.log.Warn("failure: diagnostic snapshot write failed", zap.String("kernel", bundle.KernelName), zap.Error(err))
	}
}

// loggingRepairSink satisfies failure.RepairSink. This generic entrypoint
// does not wire an external repair-agent integration; it logs the
// handoff so an operator (or a deployment-specific wrapper) can act on
// it. A production deployment replaces this with a real dispatcher.
type loggingRepairSink struct {
	log *zap.Logger
}

func newLoggingRepairSink(log *zap.Logger) *loggingRepairSink {
	return &loggingRepairSink{log: log}
}

func (s *loggingRepairSink) CreateRepairTask(ctx context.Context, bundle failure.DiagnosticBundle) error {
	s.log.Warn("failure: repair task created",
		zap.String("kernel", bundle.KernelName),
		zap.Uint8("tier", uint8(bundle.Tier)),
		zap.String("last_error", bundle.LastError),
		zap.String("last_known_good_ref", bundle.LastKnownGoodRef),
	)
	return nil
}

// safeModeEntrant satisfies failure.SafeModeEntrant. The control plane's
// own Plane.EnterSafeMode is the authoritative state flip; this adapter
// only logs, since Plane is constructed after the failure handler and
// cannot be referenced here without a dependency cycle.
type safeModeEntrant struct {
	log *zap.Logger
}

func newSafeModeEntrant(log *zap.Logger) *safeModeEntrant {
	return &safeModeEntrant{log: log}
}

func (s *safeModeEntrant) EnterSafeMode() {
	s.log.Error("failure: tier-1 kernel unrecoverable — entering safe mode")
}

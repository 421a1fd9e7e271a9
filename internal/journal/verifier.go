// Package journal — verifier.go
//
// Background integrity scanner: periodically re-walks the last M entries
// and reports journal.integrity.ok|broken, mirroring the ticker-driven
// background-scan shape of gossip.Quorum's pruneLoop.
package journal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/event"
)

// Sink receives integrity events produced by the verifier. The mesh
// implements this in production; tests may use a channel-backed stub.
type Sink interface {
	Publish(ctx context.Context, ev event.Event) error
}

// VerifierConfig tunes the background scanner.
type VerifierConfig struct {
	Interval   time.Duration
	WindowSize uint64 // number of trailing entries rescanned each tick
}

func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{Interval: 30 * time.Second, WindowSize: 1000}
}

// RunVerifier blocks until ctx is cancelled, rescanning the trailing
// window on each tick and publishing an integrity event. A broken chain
// is a critical anomaly; the caller (control plane) wires this sink to
// the immune kernel.
func RunVerifier(ctx context.Context, j *Journal, cfg VerifierConfig, sink Sink, log *zap.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tail := j.Tail()
			if tail == 0 {
				continue
			}
			from := uint64(1)
			if tail > cfg.WindowSize {
				from = tail - cfg.WindowSize + 1
			}
			report, err := j.Verify(from, tail)
			if err != nil {
				log.Error("journal verifier: scan failed", zap.Error(err))
				continue
			}

			typ := "journal.integrity.ok"
			if !report.Valid {
				typ = "journal.integrity.broken"
				log.Error("journal verifier: chain broken",
					zap.Uint64("first_broken_at", report.FirstBrokenAt),
					zap.Uint64("entries_verified", report.EntriesVerified))
			}

			ev := event.New(typ, "journal", event.PriorityCritical, nil)
			if err := sink.Publish(ctx, ev); err != nil {
				log.Warn("journal verifier: publish integrity event", zap.Error(err))
			}
		}
	}
}

// Package main — cmd/grace/main.go
//
// Grace runtime core entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/grace/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open the auxiliary BoltDB store (snapshots + decision ledger).
//  4. Open the hash-chained journal; start its background verifier.
//  5. Load the route manifest and construct the event mesh.
//  6. Construct the kernel host, bound to the mesh.
//  7. Construct governance (constitutional/policy/hunter/verifier/
//     parliament) and the gate that sequences them.
//  8. Construct the decision synthesizer.
//  9. Construct the immune kernel and the failure handler.
// 10. Build the core context and bind it to the host.
// 11. Start Prometheus metrics server (127.0.0.1:9091).
// 12. Start the admin Unix-socket surface.
// 13. Boot the control plane (tier-1 sequential, tier-2+ parallel) and
//     start the supervision loop.
// 14. Register SIGHUP handler for route-manifest hot-reload.
// 15. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Close the journal (drains the writer goroutine).
//  3. Close the auxiliary BoltDB store.
//  4. Flush the logger.
//  5. Exit 0.
//
// Exit codes: 0 clean shutdown, 10 config or logger error, 20
// storage/journal open failure or an undecodable gossip trusted-peer key,
// 30 route-manifest load failure or policy-module compile failure, 40
// decision-kernel registration/start or boot sequence failure. Metrics,
// admin and gossip server errors are logged and do not end the process.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octoreflex/grace/internal/adminsrv"
	"github.com/octoreflex/grace/internal/budget"
	"github.com/octoreflex/grace/internal/config"
	"github.com/octoreflex/grace/internal/control"
	"github.com/octoreflex/grace/internal/corectx"
	"github.com/octoreflex/grace/internal/decision"
	"github.com/octoreflex/grace/internal/event"
	"github.com/octoreflex/grace/internal/failure"
	"github.com/octoreflex/grace/internal/gossip"
	"github.com/octoreflex/grace/internal/governance"
	"github.com/octoreflex/grace/internal/immune"
	"github.com/octoreflex/grace/internal/journal"
	"github.com/octoreflex/grace/internal/kernelhost"
	"github.com/octoreflex/grace/internal/mesh"
	"github.com/octoreflex/grace/internal/observability"
	"github.com/octoreflex/grace/internal/storage"
	"github.com/octoreflex/grace/internal/synth"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/grace/config.yaml", "Path to config.yaml")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("grace %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(10)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(10)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("grace runtime core starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("mode", string(cfg.Mode)),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open auxiliary storage ────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Error("storage open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
		os.Exit(20)
	}
	defer db.Close() //nolint:errcheck
	log.Info("auxiliary storage opened", zap.String("path", cfg.Storage.DBPath))

	if pruned, err := db.PruneOldLedgerEntries(); err != nil {
		log.Warn("decision ledger pruning failed", zap.Error(err))
	} else {
		log.Info("decision ledger pruned", zap.Int("deleted", pruned))
	}

	// ── Step 4: Open journal ───────────────────────────────────────────────────
	jcfg := journal.Config{
		QueueDepth:    cfg.Journal.QueueDepth,
		RetryAttempts: cfg.Journal.RetryAttempts,
		RetryBackoff:  cfg.Journal.RetryBackoff,
	}
	jrnl, err := journal.Open(ctx, cfg.Journal.Path, jcfg, log)
	if err != nil {
		log.Error("journal open failed", zap.Error(err), zap.String("path", cfg.Journal.Path))
		os.Exit(20)
	}
	defer jrnl.Close() //nolint:errcheck
	log.Info("journal opened", zap.String("path", cfg.Journal.Path), zap.Uint64("tail", jrnl.Tail()))

	// ── Step 5: Load route manifest and construct mesh ────────────────────────
	table, err := mesh.LoadTable(cfg.Mesh.RouteManifestPath)
	if err != nil {
		log.Error("route manifest load failed", zap.Error(err))
		os.Exit(30)
	}
	meshCfg := mesh.Config{QueueDepth: cfg.Mesh.QueueDepth, BlockDeadline: cfg.Mesh.BlockDeadline}
	eventMesh := mesh.New(table, meshCfg, jrnl, nil, log)
	log.Info("event mesh constructed", zap.Int("routes", len(table.Routes)), zap.Uint64("generation", table.Generation))

	go journal.RunVerifier(ctx, jrnl, journal.VerifierConfig{
		Interval:   cfg.Journal.VerifierInterval,
		WindowSize: uint64(cfg.Journal.VerifierWindow),
	}, eventMesh, log)

	// ── Step 6: Construct kernel host ─────────────────────────────────────────
	host := kernelhost.New(eventMesh, log)

	// ── Step 7: Construct governance gate ─────────────────────────────────────
	ruleset := governance.DefaultRuleset()
	constitutional := governance.NewConstitutionalKernel(log, ruleset, cfg.Governance.StrictMode)

	var policy *governance.PolicyEngine
	policy, err = governance.NewPolicyEngine(ctx, "grace.governance", governance.DefaultPolicyModule)
	if err != nil {
		log.Error("policy engine compile failed", zap.Error(err))
		os.Exit(30)
	}

	hunter := governance.NewHunterScanner(governance.DefaultHunterRules())
	verifier := governance.NewVerifier(nil, nil)
	parliament := governance.NewParliament(governance.ParliamentConfig{
		Threshold: cfg.Governance.ParliamentThreshold,
		VoteTTL:   cfg.Governance.ParliamentVoteTTL,
	})

	gate := governance.NewGate(governance.GateConfig{
		Constitutional:      constitutional,
		Policy:              policy,
		Hunter:              hunter,
		Verifier:            verifier,
		Parliament:          parliament,
		ParliamentRiskFloor: governance.RiskLevel(cfg.Governance.ParliamentRiskFloor),
	}, log)
	log.Info("governance gate constructed")

	// ── Step 8: Construct decision synthesizer ────────────────────────────────
	synthesizer := synth.New(synth.DefaultWeights(), synth.DefaultThresholds())

	// ── Step 9: Construct immune kernel and failure handler ───────────────────
	metrics := observability.NewMetrics()
	immuneBucket := budget.New(cfg.Immune.BudgetCapacity, cfg.Immune.BudgetRefillPeriod)
	defer immuneBucket.Close()

	executor := immune.NewDefaultExecutor(host)
	audit := newMetricsAuditSink(db, metrics, cfg.NodeID, log)
	immuneKernel := immune.New(defaultPlaybooks(), immuneBucket, executor, audit, log)

	failureHandler := failure.New(failure.DefaultConfig(), host, newSnapshotJournal(db, log), newLoggingRepairSink(log), newSafeModeEntrant(log), nil, log)

	// ── Step 10: Build core context, bind to host ─────────────────────────────
	cc := corectx.New(cfg.NodeID, log, jrnl, eventMesh, gate, synthesizer, immuneKernel)
	host.BindCoreContext(cc)

	// ── Step 10b: Register and start the decision synthesizer kernel ──────────
	// Unlike business kernels, the synthesizer is a core-owned merge point
	// (spec §1 item 5): it is registered here rather than left to
	// deployment-specific wiring. The route manifest must target "decision"
	// for the verdict event types internal/decision names for synthesis to
	// ever receive input.
	decisionKernel := decision.New(metrics, decision.DefaultWindow, log)
	decisionDesc := kernelhost.Descriptor{
		Name:              decision.Name,
		Tier:              2,
		HeartbeatInterval: time.Duration(cfg.Control.HeartbeatIntervalSeconds) * time.Second,
		MaxRestarts:       cfg.Control.MaxRestartsDefault,
	}
	if err := host.Register(decisionDesc, decisionKernel); err != nil {
		log.Error("decision kernel register failed", zap.Error(err))
		os.Exit(40)
	}
	if err := host.Start(ctx, decision.Name); err != nil {
		log.Error("decision kernel start failed", zap.Error(err))
		os.Exit(40)
	}
	eventMesh.Subscribe(ctx, decision.Name, mesh.DeliveryQueue, func(ctx context.Context, ev event.Event) {
		if _, err := decisionKernel.Handle(ctx, ev); err != nil {
			log.Warn("decision kernel handle failed", zap.Error(err))
		}
	})

	// ── Step 11: Prometheus metrics ────────────────────────────────────────────
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 12: Admin surface ─────────────────────────────────────────────────
	if cfg.Adminsrv.Enabled {
		adminSrv := adminsrv.NewServer(cfg.Adminsrv.SocketPath, cfg.Mesh.RouteManifestPath, host, eventMesh, jrnl, log)
		go func() {
			if err := adminSrv.ListenAndServe(ctx); err != nil {
				log.Error("admin server error", zap.Error(err))
			}
		}()
		log.Info("admin surface started", zap.String("socket", cfg.Adminsrv.SocketPath))
	}

	// ── Step 12b: Parliament gossip transport ──────────────────────────────────
	// Remote votes are forwarded straight into the same Parliament the
	// governance gate consults for local tallying — gossip.Server's
	// QuorumAccumulator interface is satisfied by *governance.Parliament
	// directly, so a remote CastVote and a local gate.parliament vote land
	// in the same ledger.
	if cfg.Gossip.Enabled {
		trustedPeers, err := decodeTrustedPeers(cfg.Gossip.TrustedPeers)
		if err != nil {
			log.Error("gossip trusted_peers decode failed", zap.Error(err))
			os.Exit(20)
		}
		gossipSrv := gossip.NewServer(
			cfg.NodeID,
			trustedPeers,
			time.Duration(cfg.Gossip.EnvelopeTTLSeconds)*time.Second,
			parliament,
			log,
		)
		go func() {
			if err := gossip.ListenAndServe(ctx, cfg.Gossip.ListenAddr, cfg.Gossip.TLSCertFile, cfg.Gossip.TLSKeyFile, cfg.Gossip.TLSCAFile, gossipSrv, log); err != nil {
				log.Error("gossip server error", zap.Error(err))
			}
		}()
		log.Info("parliament gossip transport started", zap.String("addr", cfg.Gossip.ListenAddr))
	}

	// ── Step 13: Boot control plane ────────────────────────────────────────────
	controlCfg := control.Config{
		BootTimeout:             time.Duration(cfg.Control.BootTimeoutSeconds) * time.Second,
		HeartbeatInterval:       time.Duration(cfg.Control.HeartbeatIntervalSeconds) * time.Second,
		DefaultMaxRestarts:      cfg.Control.MaxRestartsDefault,
		SupervisionTick:         time.Duration(cfg.Control.SupervisionTickSeconds) * time.Second,
		Tier2ConcurrencyCap:     cfg.Control.Tier2ConcurrencyCap,
		DegradedHeartbeatMisses: 2,
		FailedHeartbeatMisses:   3,
	}
	plane := control.New(controlCfg, host, eventMesh, failureHandler, log)

	// The decision kernel was started directly against the host in Step 10b,
	// ahead of the control plane's own existence, so it never went through
	// registerAndStart's budget.Configure call — adopt it here, before
	// supervision starts, so a heartbeat failure doesn't find an
	// already-exhausted (never-configured) restart budget.
	plane.AdoptExternalKernel(decision.Name, decisionDesc.MaxRestarts)

	// No kernel implementations are registered by this entrypoint directly —
	// concrete kernels (governance, immune, synth adapters, etc.) are
	// constructed and handed to Boot by whatever deployment wires this
	// binary together; an empty boot is a valid (if idle) core.
	if err := plane.Boot(ctx, nil, nil); err != nil {
		log.Error("boot sequence failed", zap.Error(err))
		os.Exit(40)
	}
	log.Info("control plane boot complete")

	go plane.RunSupervision(ctx)

	// ── Step 14: SIGHUP hot-reload ────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading route manifest...")
			gen, err := eventMesh.ReloadRoutesFromManifest(cfg.Mesh.RouteManifestPath)
			if err != nil {
				log.Error("route manifest hot-reload failed — retaining old table", zap.Error(err))
				continue
			}
			log.Info("route manifest hot-reload successful", zap.Uint64("generation", gen))
		}
	}()

	// ── Step 15: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	time.Sleep(200 * time.Millisecond) // let goroutines observe cancellation

	log.Info("grace runtime core shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

// decodeTrustedPeers parses config.GossipConfig.TrustedPeers' hex-encoded
// Ed25519 public keys into the map gossip.NewServer expects.
func decodeTrustedPeers(peers map[string]string) (map[string]ed25519.PublicKey, error) {
	out := make(map[string]ed25519.PublicKey, len(peers))
	for nodeID, hexKey := range peers {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("gossip.trusted_peers[%s]: %w", nodeID, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("gossip.trusted_peers[%s]: expected %d bytes, got %d", nodeID, ed25519.PublicKeySize, len(raw))
		}
		out[nodeID] = ed25519.PublicKey(raw)
	}
	return out, nil
}

// defaultPlaybooks returns a minimal built-in remediation playbook set.
// Production deployments override this via cfg.Immune.PlaybookManifestPath
// (loading is deployment-specific and not wired by this generic entrypoint).
func defaultPlaybooks() []immune.Playbook {
	return []immune.Playbook{
		{
			Name:            "restart-on-heartbeat-miss",
			Type:            "heartbeat-miss",
			MinSeverity:     immune.SeverityMedium,
			ResourcePattern: "kernelhost/*",
			Actions:         []budget.Action{budget.ActionRestart},
			ActionDeadline:  5 * time.Second,
		},
		{
			Name:            "quarantine-on-integrity-violation",
			Type:            "integrity-violation",
			MinSeverity:     immune.SeverityCritical,
			ResourcePattern: "kernelhost/*",
			Actions:         []budget.Action{budget.ActionQuarantine, budget.ActionNotifyParliament},
			ActionDeadline:  10 * time.Second,
		},
	}
}

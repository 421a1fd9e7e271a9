// Package config provides configuration loading, validation, and
// environment-variable overrides for the Grace runtime core.
//
// Configuration file: /etc/grace/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Core listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate the route manifest at
//     mesh.route_manifest_path and atomically swap it in
//     (mesh.ReloadRoutesFromManifest). config.yaml itself is not
//     re-read; every other setting takes effect only on restart.
//   - If the new manifest is invalid, the old route table remains
//     active and an error is logged. The core does NOT crash on an
//     invalid hot-reload.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g., queue depths >= 1, timeouts >= 1s).
//   - Required paths must be non-empty; paths are not checked for being
//     absolute.
//   - Invalid config on startup: core refuses to start (fatal error).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/octoreflex/grace/internal/storage"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Mode is the core's overall operating mode (CORE_MODE).
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeSafe     Mode = "safe"
	ModeDegraded Mode = "degraded"
)

// Config is the root configuration structure for the Grace runtime core.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this core instance. Used in
	// parliament votes and journal provenance.
	NodeID string `yaml:"node_id"`

	// Mode is the core's operating mode (CORE_MODE).
	Mode Mode `yaml:"mode"`

	Journal    JournalConfig    `yaml:"journal"`
	Mesh       MeshConfig       `yaml:"mesh"`
	Control    ControlConfig    `yaml:"control"`
	Governance GovernanceConfig `yaml:"governance"`
	Immune     ImmuneConfig     `yaml:"immune"`
	Storage    StorageConfig    `yaml:"storage"`

	Observability ObservabilityConfig `yaml:"observability"`
	Adminsrv      AdminsrvConfig      `yaml:"adminsrv"`
	Gossip        GossipConfig        `yaml:"gossip"`
}

// StorageConfig configures the auxiliary snapshot/decision-ledger store.
type StorageConfig struct {
	// DBPath is the BoltDB file path for kernel snapshots and the
	// decision ledger. Default: storage.DefaultDBPath.
	DBPath string `yaml:"db_path"`

	// RetentionDays is how long decision ledger entries are kept.
	// Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// JournalConfig configures the hash-chained append-only journal.
type JournalConfig struct {
	// Path is the absolute path to the bbolt-backed journal file
	// (CORE_JOURNAL_PATH, required, no default).
	Path string `yaml:"path"`

	// QueueDepth is the append submission channel depth. Default: 256.
	QueueDepth int `yaml:"queue_depth"`

	// RetryAttempts is the number of write retries on a busy database.
	// Default: 3.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBackoff is the delay between write retries. Default: 10ms.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// VerifierInterval is how often the background integrity verifier
	// rescans the trailing window. Default: 30s.
	VerifierInterval time.Duration `yaml:"verifier_interval"`

	// VerifierWindow is the number of trailing entries rescanned per
	// verification pass. Default: 1000.
	VerifierWindow int `yaml:"verifier_window"`
}

// MeshConfig configures the declarative event mesh.
type MeshConfig struct {
	// RouteManifestPath is the path to the declarative route table
	// document (CORE_ROUTE_MANIFEST_PATH).
	RouteManifestPath string `yaml:"route_manifest_path"`

	// QueueDepth is the per-subscriber bounded queue depth. Default: 256.
	QueueDepth int `yaml:"queue_depth"`

	// BlockDeadline is how long a normal-priority publish blocks against
	// a full subscriber queue before being dropped. Default: 200ms.
	BlockDeadline time.Duration `yaml:"block_deadline"`
}

// ControlConfig configures boot sequencing, supervision, and restart budgets.
type ControlConfig struct {
	// BootTimeoutSeconds bounds the whole boot sequence
	// (CORE_BOOT_TIMEOUT_SECONDS). Default: 30.
	BootTimeoutSeconds int `yaml:"boot_timeout_seconds"`

	// HeartbeatIntervalSeconds is the expected heartbeat cadence
	// (CORE_HEARTBEAT_INTERVAL_SECONDS). Default: 10.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// MaxRestartsDefault is the default max_restarts for kernels that
	// don't declare their own (CORE_MAX_RESTARTS_DEFAULT). Default: 3.
	MaxRestartsDefault int `yaml:"max_restarts_default"`

	// SupervisionTickSeconds is the supervision loop's polling interval.
	// Default: 5.
	SupervisionTickSeconds int `yaml:"supervision_tick_seconds"`

	// Tier2ConcurrencyCap bounds how many tier-2+ kernels boot in
	// parallel. Default: 8.
	Tier2ConcurrencyCap int `yaml:"tier2_concurrency_cap"`
}

// GovernanceConfig configures the governance gate.
type GovernanceConfig struct {
	// RulesetPath is the path to a versioned constitutional ruleset
	// document. cmd/grace does not read it: the gate always uses the
	// built-in DefaultRuleset.
	RulesetPath string `yaml:"ruleset_path"`

	// PolicyModulePath is the path to a Rego policy module. cmd/grace
	// does not read it: the gate always compiles the built-in
	// DefaultPolicyModule.
	PolicyModulePath string `yaml:"policy_module_path"`

	// ParliamentRiskFloor is the minimum risk level requiring a
	// parliament vote. Default: critical.
	ParliamentRiskFloor string `yaml:"parliament_risk_floor"`

	// ParliamentThreshold is the minimum distinct approving votes
	// required for quorum. Default: 2.
	ParliamentThreshold int `yaml:"parliament_threshold"`

	// ParliamentVoteTTL is how long a cast vote remains valid. Default: 5m.
	ParliamentVoteTTL time.Duration `yaml:"parliament_vote_ttl"`

	// StrictMode panics on constitutional violation instead of denying.
	// Test/dev only. Default: false.
	StrictMode bool `yaml:"strict_mode"`
}

// ImmuneConfig configures the immune kernel's remediation budget.
type ImmuneConfig struct {
	// BudgetCapacity is the remediation-action token bucket capacity.
	// Default: 100.
	BudgetCapacity int `yaml:"budget_capacity"`

	// BudgetRefillPeriod is the full-refill interval. Default: 60s.
	BudgetRefillPeriod time.Duration `yaml:"budget_refill_period"`

	// PlaybookManifestPath is the path to the remediation playbook
	// document.
	PlaybookManifestPath string `yaml:"playbook_manifest_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// AdminsrvConfig holds the process-control Unix socket parameters.
type AdminsrvConfig struct {
	// SocketPath is the Unix domain socket path for the admin CLI.
	// Permissions: 0600, owned by the running user.
	// Default: /run/grace/admin.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the admin socket is active. Default: true.
	Enabled bool `yaml:"enabled"`
}

// GossipConfig holds the optional parliament transport parameters.
type GossipConfig struct {
	// Enabled controls whether the parliament gRPC transport is active.
	// Default: false (single-node mode).
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the gRPC listen address. Default: 0.0.0.0:9443.
	ListenAddr string `yaml:"listen_addr"`

	// Peers is the static list of parliament peer addresses (host:port).
	Peers []string `yaml:"peers"`

	// TLSCertFile, TLSKeyFile, TLSCAFile are the mTLS material paths.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`

	// TrustedPeers maps a remote node_id to its hex-encoded Ed25519
	// public key, used to verify CastVote envelope signatures.
	TrustedPeers map[string]string `yaml:"trusted_peers"`

	// EnvelopeTTLSeconds bounds how old a vote envelope's timestamp may
	// be before it is rejected as stale. Default: 30.
	EnvelopeTTLSeconds int `yaml:"envelope_ttl_seconds"`

	// QuorumMin is the minimum number of unique approving nodes required
	// for the gossip quorum signal. Default: 1.
	QuorumMin int `yaml:"quorum_min"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Mode:          ModeNormal,
		Journal: JournalConfig{
			QueueDepth:       256,
			RetryAttempts:    3,
			RetryBackoff:     10 * time.Millisecond,
			VerifierInterval: 30 * time.Second,
			VerifierWindow:   1000,
		},
		Mesh: MeshConfig{
			QueueDepth:    256,
			BlockDeadline: 200 * time.Millisecond,
		},
		Control: ControlConfig{
			BootTimeoutSeconds:       30,
			HeartbeatIntervalSeconds: 10,
			MaxRestartsDefault:       3,
			SupervisionTickSeconds:   5,
			Tier2ConcurrencyCap:      8,
		},
		Governance: GovernanceConfig{
			ParliamentRiskFloor: "critical",
			ParliamentThreshold: 2,
			ParliamentVoteTTL:   5 * time.Minute,
		},
		Immune: ImmuneConfig{
			BudgetCapacity:     100,
			BudgetRefillPeriod: 60 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Adminsrv: AdminsrvConfig{
			Enabled:    true,
			SocketPath: "/run/grace/admin.sock",
		},
		Gossip: GossipConfig{
			Enabled:            false,
			ListenAddr:         "0.0.0.0:9443",
			EnvelopeTTLSeconds: 30,
			QuorumMin:          1,
		},
		Storage: StorageConfig{
			DBPath:        storage.DefaultDBPath,
			RetentionDays: storage.DefaultRetentionDays,
		},
	}
}

// Load reads and validates a config file from the given path, then
// applies the six named environment-variable overrides (§6). Returns
// an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies exactly the six environment variables the
// core recognises (§6): CORE_BOOT_TIMEOUT_SECONDS,
// CORE_HEARTBEAT_INTERVAL_SECONDS, CORE_MAX_RESTARTS_DEFAULT, CORE_MODE,
// CORE_JOURNAL_PATH, CORE_ROUTE_MANIFEST_PATH.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("CORE_BOOT_TIMEOUT_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Control.BootTimeoutSeconds = n
		}
	}
	if v, ok := os.LookupEnv("CORE_HEARTBEAT_INTERVAL_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Control.HeartbeatIntervalSeconds = n
		}
	}
	if v, ok := os.LookupEnv("CORE_MAX_RESTARTS_DEFAULT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Control.MaxRestartsDefault = n
		}
	}
	if v, ok := os.LookupEnv("CORE_MODE"); ok {
		cfg.Mode = Mode(v)
	}
	if v, ok := os.LookupEnv("CORE_JOURNAL_PATH"); ok {
		cfg.Journal.Path = v
	}
	if v, ok := os.LookupEnv("CORE_ROUTE_MANIFEST_PATH"); ok {
		cfg.Mesh.RouteManifestPath = v
	}
}

// Validate checks all config fields for correctness. Returns a
// descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	switch cfg.Mode {
	case ModeNormal, ModeSafe, ModeDegraded:
	default:
		errs = append(errs, fmt.Sprintf("mode must be one of normal|safe|degraded, got %q", cfg.Mode))
	}
	if cfg.Journal.Path == "" {
		errs = append(errs, "journal.path (CORE_JOURNAL_PATH) is required")
	}
	if cfg.Journal.QueueDepth < 1 {
		errs = append(errs, fmt.Sprintf("journal.queue_depth must be >= 1, got %d", cfg.Journal.QueueDepth))
	}
	if cfg.Journal.RetryAttempts < 1 {
		errs = append(errs, fmt.Sprintf("journal.retry_attempts must be >= 1, got %d", cfg.Journal.RetryAttempts))
	}
	if cfg.Mesh.QueueDepth < 1 {
		errs = append(errs, fmt.Sprintf("mesh.queue_depth must be >= 1, got %d", cfg.Mesh.QueueDepth))
	}
	if cfg.Control.BootTimeoutSeconds < 1 {
		errs = append(errs, fmt.Sprintf("control.boot_timeout_seconds must be >= 1, got %d", cfg.Control.BootTimeoutSeconds))
	}
	if cfg.Control.HeartbeatIntervalSeconds < 1 {
		errs = append(errs, fmt.Sprintf("control.heartbeat_interval_seconds must be >= 1, got %d", cfg.Control.HeartbeatIntervalSeconds))
	}
	if cfg.Control.MaxRestartsDefault < 0 {
		errs = append(errs, fmt.Sprintf("control.max_restarts_default must be >= 0, got %d", cfg.Control.MaxRestartsDefault))
	}
	if cfg.Control.Tier2ConcurrencyCap < 1 {
		errs = append(errs, fmt.Sprintf("control.tier2_concurrency_cap must be >= 1, got %d", cfg.Control.Tier2ConcurrencyCap))
	}
	switch cfg.Governance.ParliamentRiskFloor {
	case "low", "medium", "high", "critical":
	default:
		errs = append(errs, fmt.Sprintf("governance.parliament_risk_floor must be one of low|medium|high|critical, got %q", cfg.Governance.ParliamentRiskFloor))
	}
	if cfg.Governance.ParliamentThreshold < 1 {
		errs = append(errs, fmt.Sprintf("governance.parliament_threshold must be >= 1, got %d", cfg.Governance.ParliamentThreshold))
	}
	if cfg.Immune.BudgetCapacity < 1 {
		errs = append(errs, fmt.Sprintf("immune.budget_capacity must be >= 1, got %d", cfg.Immune.BudgetCapacity))
	}
	if cfg.Immune.BudgetRefillPeriod < time.Second {
		errs = append(errs, fmt.Sprintf("immune.budget_refill_period must be >= 1s, got %s", cfg.Immune.BudgetRefillPeriod))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	if cfg.Gossip.Enabled {
		if cfg.Gossip.TLSCertFile == "" || cfg.Gossip.TLSKeyFile == "" || cfg.Gossip.TLSCAFile == "" {
			errs = append(errs, "gossip.tls_cert_file, tls_key_file, and tls_ca_file are required when gossip is enabled")
		}
		if len(cfg.Gossip.TrustedPeers) == 0 {
			errs = append(errs, "gossip.trusted_peers must list at least one peer when gossip is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

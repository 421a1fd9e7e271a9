// Package storage — bolt.go
//
// BoltDB-backed auxiliary storage for the Grace runtime core: kernel
// state snapshots (used as LastKnownGoodRef handoffs to repair agents)
// and a queryable decision ledger mirroring governance/synth outcomes
// for operational inspection. This is separate from internal/journal's
// hash-chained append log: the journal is the tamper-evident source of
// truth, this store is a fast, prunable, operator-queryable index over
// recent decisions and snapshots.
//
// Schema (BoltDB bucket layout):
//
//	/snapshots
//	    key:   kernel name
//	    value: JSON-encoded KernelSnapshot (one per kernel, overwritten)
//
//	/ledger
//	    key:   RFC3339Nano timestamp + "_" + correlation_id  [sortable]
//	    value: JSON-encoded DecisionRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Ledger entries older than RetentionDays are pruned once at startup
//     (cmd/grace calls PruneOldLedgerEntries); there is no periodic
//     pruning while the core runs.
//   - Snapshots are never automatically pruned (operator action required).
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The core logs a fatal event and refuses to start.
//     Recovery: restore from backup at /var/lib/grace/db.bak.
//   - Disk full: bbolt.Update() returns an error. The core logs the error
//     and continues without persisting (in-memory state preserved).
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/grace/grace.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default ledger retention period.
	DefaultRetentionDays = 30

	// bucketSnapshots is the BoltDB bucket name for kernel state snapshots.
	bucketSnapshots = "snapshots"

	// bucketLedger is the BoltDB bucket name for decision ledger entries.
	bucketLedger = "ledger"

	// bucketMeta is the BoltDB bucket name for schema metadata.
	bucketMeta = "meta"
)

// KernelSnapshot is the persisted last-known-good state for a kernel,
// referenced by failure.DiagnosticBundle.LastKnownGoodRef.
type KernelSnapshot struct {
	// KernelName identifies the kernel this snapshot belongs to.
	KernelName string `json:"kernel_name"`

	// StateBlob is an opaque, kernel-defined serialization of its
	// recoverable state. Grace does not interpret its contents.
	StateBlob []byte `json:"state_blob"`

	// CapturedAt is the snapshot timestamp.
	CapturedAt time.Time `json:"captured_at"`
}

// DecisionRecord is a single queryable decision outcome.
// Stored as JSON in the ledger bucket.
type DecisionRecord struct {
	// Timestamp is the decision time (nanosecond precision).
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID ties this record to its originating request.
	CorrelationID string `json:"correlation_id"`

	// Actor is the requesting identity.
	Actor string `json:"actor"`

	// Action is the requested action.
	Action string `json:"action"`

	// Outcome is the final governance/synth outcome (e.g. "approved",
	// "denied", "deferred").
	Outcome string `json:"outcome"`

	// Score is the synthesizer's weighted score, if applicable.
	Score float64 `json:"score"`

	// NodeID is the Grace node that recorded this entry.
	NodeID string `json:"node_id"`
}

// DB wraps a BoltDB instance with typed accessors for Grace data.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or schema is incompatible.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	// Initialise buckets and schema version in a single write transaction.
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketSnapshots, bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}

		// Write schema version if not present.
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	// Verify schema version compatibility.
	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, core requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Snapshot operations ──────────────────────────────────────────────────────

// PutSnapshot writes or overwrites the last-known-good snapshot for a kernel.
func (d *DB) PutSnapshot(snap KernelSnapshot) error {
	snap.CapturedAt = time.Now().UTC()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("PutSnapshot marshal: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSnapshots))
		if err := b.Put([]byte(snap.KernelName), data); err != nil {
			return fmt.Errorf("PutSnapshot bolt.Put: %w", err)
		}
		return nil
	})
}

// GetSnapshot retrieves the last-known-good snapshot for a kernel.
// Returns (nil, nil) if no snapshot exists for this kernel.
func (d *DB) GetSnapshot(kernelName string) (*KernelSnapshot, error) {
	var rec KernelSnapshot
	found := false

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSnapshots))
		data := b.Get([]byte(kernelName))
		if data == nil {
			return nil // Not found.
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetSnapshot(%q): %w", kernelName, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// ─── Ledger operations ────────────────────────────────────────────────────────

// ledgerKey constructs a sortable BoltDB key for a decision record.
// Format: RFC3339Nano + "_" + correlation ID.
// Lexicographic sort = chronological sort.
func ledgerKey(t time.Time, correlationID string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(time.RFC3339Nano), correlationID))
}

// AppendLedger writes a new decision ledger entry.
// Uses a single ACID write transaction.
func (d *DB) AppendLedger(entry DecisionRecord) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("AppendLedger marshal: %w", err)
	}

	key := ledgerKey(entry.Timestamp, entry.CorrelationID)

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendLedger bolt.Put: %w", err)
		}
		return nil
	})
}

// PruneOldLedgerEntries deletes ledger entries older than retentionDays.
// Called once on startup by cmd/grace.
// Returns the number of entries deleted.
func (d *DB) PruneOldLedgerEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, "")

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		// Collect keys to delete (cannot delete during iteration in bbolt).
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break // All remaining keys are newer than cutoff.
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldLedgerEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadLedger returns all decision ledger entries in chronological order.
// For operational use (CLI inspection). Not called on the hot path.
func (d *DB) ReadLedger() ([]DecisionRecord, error) {
	var entries []DecisionRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var entry DecisionRecord
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

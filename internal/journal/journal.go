// Package journal — journal.go
//
// Hash-chained, append-only audit journal. A single writer goroutine owns
// the tail sequence counter; callers submit entries over a bounded
// channel and receive backpressure, never silent drops, when the writer
// falls behind. Every entry's self_hash binds (sequence, prev_hash,
// payload_canonical); a verifier can walk the chain and detect the exact
// point of any tamper.
//
// Storage model follows internal/storage's bbolt layout: one bucket for
// entries keyed by big-endian sequence (sortable, O(1) tail append,
// O(k) range scan), one bucket for journal metadata.
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/event"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")
	bucketByID    = []byte("entries_by_id")
	keyLastSeq    = []byte("last_sequence")
	keyLastHash   = []byte("last_hash")
)

// ErrBusy is returned by Append when the writer has exhausted its write
// retries. Never invent a sequence number in this case — the caller must
// retry or escalate. (A full submission queue whose ctx expires returns
// ctx.Err() instead.)
var ErrBusy = errors.New("journal: busy, retry")

// Entry is one immutable record in the chain.
type Entry struct {
	Sequence  uint64
	PrevHash  [32]byte
	SelfHash  [32]byte
	Payload   event.Event
	Signature []byte // optional
}

// canonical returns the bytes hashed for SelfHash: (sequence, prev_hash,
// payload_canonical).
func (e Entry) canonicalForHash() []byte {
	buf := make([]byte, 8, 8+32+256)
	binary.BigEndian.PutUint64(buf, e.Sequence)
	buf = append(buf, e.PrevHash[:]...)
	buf = append(buf, e.Payload.Canonical()...)
	return buf
}

type submission struct {
	ev     event.Event
	sig    []byte
	result chan appendResult
}

type appendResult struct {
	seq uint64
	err error
}

// Config tunes the journal's writer.
type Config struct {
	QueueDepth    int           // bounded submission channel capacity
	RetryAttempts int           // write-contention retries before ErrBusy
	RetryBackoff  time.Duration // base backoff between retries
}

func DefaultConfig() Config {
	return Config{QueueDepth: 256, RetryAttempts: 3, RetryBackoff: 10 * time.Millisecond}
}

// Journal is the append-only hash-chained log.
type Journal struct {
	db  *bbolt.DB
	log *zap.Logger
	cfg Config

	submit chan submission
	cancel context.CancelFunc
	done   chan struct{}

	tail      atomic.Uint64 // last written sequence
	lastHash  [32]byte
	lastHashM sync.Mutex
}

// Open opens (creating if necessary) a journal at path and starts its
// writer goroutine. ctx governs the writer's lifetime; call Close to stop
// it deterministically.
func Open(ctx context.Context, path string, cfg Config, log *zap.Logger) (*Journal, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	var lastSeq uint64
	var lastHash [32]byte
	err = db.Update(func(tx *bbolt.Tx) error {
		eb, err := tx.CreateBucketIfNotExists(bucketEntries)
		if err != nil {
			return err
		}
		mb, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketByID); err != nil {
			return err
		}
		_ = eb
		if v := mb.Get(keyLastSeq); v != nil {
			lastSeq = binary.BigEndian.Uint64(v)
		}
		if v := mb.Get(keyLastHash); v != nil && len(v) == 32 {
			copy(lastHash[:], v)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init buckets: %w", err)
	}

	j := &Journal{db: db, log: log, cfg: cfg, submit: make(chan submission, cfg.QueueDepth), done: make(chan struct{})}
	j.tail.Store(lastSeq)
	j.lastHash = lastHash

	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	go j.writeLoop(runCtx)

	return j, nil
}

// Close stops the writer and closes the underlying store. Safe to call
// once; blocks until the writer goroutine exits.
func (j *Journal) Close() error {
	j.cancel()
	<-j.done
	return j.db.Close()
}

// Append canonicalises ev, computes prev_hash/self_hash, and writes the
// entry atomically. On write contention the writer retries internally
// with backoff; once exhausted it returns ErrBusy and never fabricates a
// sequence number. ctx bounds both how long the caller waits for the
// writer to accept the submission (queue admission) and how long it waits
// for the result; a submission already accepted is still written after
// ctx expires.
//
// Idempotent on event ID: appending an Event whose ID already has an
// entry in the chain writes nothing new and returns that entry's existing
// sequence, so append(E); append(E) never produces two entries referencing
// the same ID.
func (j *Journal) Append(ctx context.Context, ev event.Event, signature []byte) (uint64, error) {
	result := make(chan appendResult, 1)
	select {
	case j.submit <- submission{ev: ev, sig: signature, result: result}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case r := <-result:
		return r.seq, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (j *Journal) writeLoop(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-j.submit:
			seq, err := j.writeOne(s.ev, s.sig)
			s.result <- appendResult{seq: seq, err: err}
		}
	}
}

func (j *Journal) writeOne(ev event.Event, sig []byte) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt <= j.cfg.RetryAttempts; attempt++ {
		seq, err := j.tryWrite(ev, sig)
		if err == nil {
			return seq, nil
		}
		lastErr = err
		if !errors.Is(err, bbolt.ErrTimeout) {
			return 0, err
		}
		time.Sleep(j.cfg.RetryBackoff * time.Duration(1<<uint(attempt)))
	}
	j.log.Warn("journal: append exhausted retries", zap.Error(lastErr))
	return 0, ErrBusy
}

func (j *Journal) tryWrite(ev event.Event, sig []byte) (uint64, error) {
	nextSeq := j.tail.Load() + 1

	j.lastHashM.Lock()
	prevHash := j.lastHash
	j.lastHashM.Unlock()

	entry := Entry{Sequence: nextSeq, PrevHash: prevHash, Payload: ev, Signature: sig}
	entry.SelfHash = sha256Sum(entry.canonicalForHash())

	var dupSeq uint64
	var duplicate bool

	err := j.db.Update(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(bucketEntries)
		mb := tx.Bucket(bucketMeta)
		ib := tx.Bucket(bucketByID)

		// Idempotent on event ID: a previously-written entry for this
		// exact ID short-circuits here without touching the chain.
		if existing := ib.Get(ev.ID[:]); existing != nil {
			dupSeq = binary.BigEndian.Uint64(existing)
			duplicate = true
			return nil
		}

		encoded := encodeEntry(entry)

		var key [8]byte
		binary.BigEndian.PutUint64(key[:], nextSeq)
		if err := eb.Put(key[:], encoded); err != nil {
			return err
		}

		var seqBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], nextSeq)
		if err := mb.Put(keyLastSeq, seqBuf[:]); err != nil {
			return err
		}
		if err := ib.Put(ev.ID[:], seqBuf[:]); err != nil {
			return err
		}
		return mb.Put(keyLastHash, entry.SelfHash[:])
	})
	if err != nil {
		return 0, fmt.Errorf("journal: write sequence %d: %w", nextSeq, err)
	}
	if duplicate {
		return dupSeq, nil
	}

	j.tail.Store(nextSeq)
	j.lastHashM.Lock()
	j.lastHash = entry.SelfHash
	j.lastHashM.Unlock()

	return nextSeq, nil
}

// Tail returns the most recently written sequence number (0 if empty).
func (j *Journal) Tail() uint64 { return j.tail.Load() }

// VerifyAll runs Verify over the whole chain, from sequence 1 to the
// current tail. Used by the admin surface's on-demand verify-journal
// command; the background verifier (RunVerifier) only rescans a
// trailing window for cost reasons, but an operator-triggered check can
// afford the full walk.
func (j *Journal) VerifyAll() (valid bool, entriesVerified uint64, firstBrokenAt uint64, err error) {
	tail := j.Tail()
	if tail == 0 {
		return true, 0, 0, nil
	}
	report, err := j.Verify(1, tail)
	if err != nil {
		return false, 0, 0, err
	}
	return report.Valid, report.EntriesVerified, report.FirstBrokenAt, nil
}

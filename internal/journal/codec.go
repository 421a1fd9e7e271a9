// Package journal — codec.go
//
// On-disk entry framing: length-prefixed canonical event, prev_hash,
// self_hash, optional signature — matching the external wire layout
// fixed by the core's interface contract.
package journal

import (
	"crypto/sha256"
	"encoding/binary"
)

func sha256Sum(b []byte) [32]byte { return sha256.Sum256(b) }

// encodeEntry serialises an Entry for storage: sequence(8) | prev(32) |
// self(32) | siglen(4) | sig | payloadlen(4) | payload_canonical.
func encodeEntry(e Entry) []byte {
	payload := e.Payload.Canonical()
	buf := make([]byte, 0, 8+32+32+4+len(e.Signature)+4+len(payload))

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], e.Sequence)
	buf = append(buf, seqBuf[:]...)
	buf = append(buf, e.PrevHash[:]...)
	buf = append(buf, e.SelfHash[:]...)

	var sigLen [4]byte
	binary.BigEndian.PutUint32(sigLen[:], uint32(len(e.Signature)))
	buf = append(buf, sigLen[:]...)
	buf = append(buf, e.Signature...)

	var payLen [4]byte
	binary.BigEndian.PutUint32(payLen[:], uint32(len(payload)))
	buf = append(buf, payLen[:]...)
	buf = append(buf, payload...)
	return buf
}

// decodeEntry parses the bytes produced by encodeEntry. The payload is
// reconstructed only as its canonical bytes; callers that need the typed
// event.Event must carry it separately (the journal stores the canonical
// form as the source of truth for hashing, not a decodable Event).
type rawEntry struct {
	Sequence        uint64
	PrevHash        [32]byte
	SelfHash        [32]byte
	Signature       []byte
	PayloadCanonical []byte
}

func decodeEntry(b []byte) (rawEntry, bool) {
	var r rawEntry
	if len(b) < 8+32+32+4 {
		return r, false
	}
	r.Sequence = binary.BigEndian.Uint64(b[0:8])
	copy(r.PrevHash[:], b[8:40])
	copy(r.SelfHash[:], b[40:72])
	off := 72
	sigLen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) < off+sigLen+4 {
		return r, false
	}
	r.Signature = append([]byte(nil), b[off:off+sigLen]...)
	off += sigLen
	payLen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) < off+payLen {
		return r, false
	}
	r.PayloadCanonical = append([]byte(nil), b[off:off+payLen]...)
	return r, true
}

// recomputeSelfHash recomputes self_hash from a raw on-disk record, used
// by the verifier without needing to decode the typed Event payload.
func recomputeSelfHash(r rawEntry) [32]byte {
	buf := make([]byte, 8, 8+32+len(r.PayloadCanonical))
	binary.BigEndian.PutUint64(buf, r.Sequence)
	buf = append(buf, r.PrevHash[:]...)
	buf = append(buf, r.PayloadCanonical...)
	return sha256Sum(buf)
}

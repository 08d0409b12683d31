// Package ledger implements the append-only, hash-chained record of every
// negotiation and settlement event. Append is globally serialized so seq
// and prev_hash are strictly ordered; reads proceed concurrently and
// observe a consistent prefix.
package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/abdrafdev/agrimind/internal/model"
)

// computeHash produces the SHA-256 hex digest binding one event to its
// predecessor:
//
//	hash = H(prev_hash ‖ event_type ‖ payload ‖ seq)
//
// Each field is encoded as a 4-byte big-endian length prefix followed by
// the field bytes, so freeform payload text can never collide with field
// boundaries.
func computeHash(prevHash string, eventType model.EventType, payload []byte, seq uint64) string {
	h := sha256.New()
	writeField := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeField([]byte(prevHash))
	writeField([]byte(eventType))
	writeField(payload)

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	writeField(seqBuf[:])

	return hex.EncodeToString(h.Sum(nil))
}

// verifyEvent recomputes an event's hash and checks both the link to the
// previous event and the stored digest.
func verifyEvent(ev model.LedgerEvent, wantPrevHash string, wantSeq uint64) bool {
	if ev.Seq != wantSeq || ev.PrevHash != wantPrevHash {
		return false
	}
	return ev.Hash == computeHash(ev.PrevHash, ev.EventType, ev.Payload, ev.Seq)
}

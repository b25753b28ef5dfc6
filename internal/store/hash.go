package store

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// QuadHash computes the deterministic identity digest of a quad: a
// stable hash over the canonical concatenation of its four columns,
// portable across process restarts.
func QuadHash(subject, predicate, object, model string) uint64 {
	h, _ := blake2b.New256(nil)
	writeField(h, subject)
	writeField(h, predicate)
	writeField(h, object)
	writeField(h, model)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// writeField writes a length-prefixed field so that adjacent fields can
// never be confused by concatenation (e.g. ("ab","c") vs ("a","bc")).
func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// SubscriptionHash computes the deterministic id of a subscription: two
// structurally identical subscriptions collapse to the same digest.
func SubscriptionHash(kind, trigger, v string, patterns []string, models []string) uint64 {
	h, _ := blake2b.New256(nil)
	writeField(h, kind)
	writeField(h, trigger)
	writeField(h, v)
	for _, p := range patterns {
		writeField(h, p)
	}
	for _, m := range models {
		writeField(h, m)
	}
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

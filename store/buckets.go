package store

import (
	"encoding/binary"
	"time"

	"github.com/wolfeidau/doccache"
)

// Bucket names for bbolt storage.
var (
	bucketEntries = []byte("entries") // fingerprint -> Entry JSON

	// Retention index, forward and reverse.
	bucketEntriesByExpiry = []byte("entries_by_expiry") // timestamp+fingerprint -> fingerprint
	bucketExpiryByEntry   = []byte("expiry_by_entry")   // fingerprint -> 8-byte timestamp
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so expiry keys sort lexicographically in time order. An offset
// handles negative nanosecond values.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeExpiryKey creates a key for the entries_by_expiry index.
// Format: [8-byte timestamp][32-byte fingerprint]
func makeExpiryKey(expiresAt time.Time, key doccache.Fingerprint) []byte {
	result := make([]byte, 8+len(key))
	copy(result[:8], encodeTimestamp(expiresAt))
	copy(result[8:], key[:])
	return result
}

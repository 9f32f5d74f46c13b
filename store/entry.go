package store

import (
	"time"

	"github.com/wolfeidau/doccache"
)

// State tracks an entry through the conversion lifecycle. Entries are
// created pending, flip to ready when the converted artifact is published,
// and are deleted outright on failure so a retry starts fresh.
type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
)

// Entry is the metadata record for one cached conversion, keyed by the
// fingerprint of (source descriptor, output format).
type Entry struct {
	Key       doccache.Fingerprint      `json:"key"`
	State     State                     `json:"state"`
	Source    doccache.SourceDescriptor `json:"source"`
	Format    doccache.OutputFormat     `json:"format"`
	SourceExt string                    `json:"source_ext"`
	SizeBytes int64                     `json:"size_bytes,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
	ExpiresAt time.Time                 `json:"expires_at,omitzero"`
}

// Expired reports whether a ready entry's retention window has passed.
// Pending entries never expire through this path; the janitor reclaims
// them by age separately.
func (e *Entry) Expired(now time.Time) bool {
	return e.State == StateReady && !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

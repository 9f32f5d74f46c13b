// Package doccache provides the core types for the document conversion
// cache: source descriptors, output formats, and the fingerprints that key
// cached conversion artifacts.
package doccache

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// FingerprintSize is the size of a BLAKE3 fingerprint in bytes (256 bits).
const FingerprintSize = 32

// fingerprintVersion is mixed into the hash input so the keying scheme can
// be changed without colliding with keys from earlier versions.
const fingerprintVersion = "doccache/v1"

// Fingerprint identifies one (source descriptor, output format) pair.
// It is stable across process restarts: the same logical source requested
// in the same format always produces the same fingerprint.
type Fingerprint [FingerprintSize]byte

// NewFingerprint derives the cache key for a descriptor and output format.
// Keying is by descriptor, not by content: a URL and a local path that
// happen to reference byte-identical documents get distinct fingerprints.
func NewFingerprint(desc SourceDescriptor, format OutputFormat) Fingerprint {
	h := blake3.New()
	_, _ = h.WriteString(fingerprintVersion)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(desc.Kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(desc.Value)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(format))

	var fp Fingerprint
	h.Sum(fp[:0])
	return fp
}

// String returns the hex-encoded representation of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ShortString returns a shortened hex representation for display.
func (f Fingerprint) ShortString() string {
	return hex.EncodeToString(f[:8])
}

// IsZero returns true if the fingerprint is all zeros (uninitialized).
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	if len(text) != FingerprintSize*2 {
		return fmt.Errorf("invalid fingerprint length: expected %d hex chars, got %d", FingerprintSize*2, len(text))
	}
	_, err := hex.Decode(f[:], text)
	return err
}

// ParseFingerprint parses a hex-encoded fingerprint string.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	if err := f.UnmarshalText([]byte(s)); err != nil {
		return Fingerprint{}, err
	}
	return f, nil
}

// Package convert runs document conversions and coordinates concurrent
// requests so each fingerprint is converted at most once. Waiters for the
// same fingerprint share a single flight; converter invocations pass
// through a bounded gate.
package convert

import (
	"context"
	"io"

	"github.com/wolfeidau/doccache"
)

// Converter renders a source document on disk into an output format.
type Converter interface {
	// Convert renders the file at src and returns a reader over the
	// produced artifact. The reader owns any scratch space and releases
	// it on Close.
	Convert(ctx context.Context, src string, format doccache.OutputFormat) (io.ReadCloser, error)

	// Version probes the underlying converter, for health reporting.
	Version(ctx context.Context) (string, error)
}

package doccache

import "errors"

// Error taxonomy for the conversion pipeline. Callers classify failures
// with errors.Is; wrapped errors carry the operational detail.
var (
	// ErrInvalidDescriptor indicates a malformed source reference
	// (unparseable URL, relative path, empty input).
	ErrInvalidDescriptor = errors.New("invalid source descriptor")

	// ErrSourceNotFound indicates a local path that does not exist or is
	// not a readable regular file.
	ErrSourceNotFound = errors.New("source file not found")

	// ErrDownloadFailure indicates a remote fetch that failed: non-2xx
	// status, timeout, or transport error.
	ErrDownloadFailure = errors.New("download failed")

	// ErrSourceTooLarge indicates a source document, local or remote,
	// over the configured size cap.
	ErrSourceTooLarge = errors.New("source document too large")

	// ErrUnsupportedFormat indicates a file extension or output format
	// the service does not handle.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrConversionTimeout indicates the converter did not finish within
	// the configured conversion timeout, or a waiter gave up waiting on
	// another request's in-flight conversion.
	ErrConversionTimeout = errors.New("conversion timed out")

	// ErrConverterFault indicates the external converter returned an
	// error or produced no output.
	ErrConverterFault = errors.New("converter fault")

	// ErrCacheCorruption indicates a metadata record whose artifact file
	// is missing or unreadable. The offending entry is evicted and the
	// conversion retried once.
	ErrCacheCorruption = errors.New("cache corruption")

	// ErrAlreadyPending signals that another request holds the pending
	// slot for a fingerprint. It is an internal coordination signal,
	// never surfaced to callers.
	ErrAlreadyPending = errors.New("conversion already pending")

	// ErrNotFound is returned by store lookups for absent fingerprints.
	ErrNotFound = errors.New("not found")
)

package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wolfeidau/doccache"
)

// DefaultRetention is how long a published artifact stays cached before
// the janitor reclaims it.
const DefaultRetention = 24 * time.Hour

// Store is the artifact store: converted documents and their compressed
// originals on the filesystem, with entry metadata in a bbolt index.
//
// Layout under root:
//
//	index.db             entry metadata
//	originals/<fp>.dco   framed zstd source documents
//	converted/<fp>.pdf   published artifacts (or .html)
type Store struct {
	root         string
	originalsDir string
	convertedDir string
	index        *Index
	retention    time.Duration
	logger       *slog.Logger
	now          func() time.Time
	noSync       bool
}

// Option configures a Store instance.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithRetention sets how long published artifacts are retained.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// WithStoreNoSync disables fsync on the metadata index. Testing only.
func WithStoreNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// Open creates or opens an artifact store rooted at the given directory.
func Open(root string, opts ...Option) (*Store, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}

	s := &Store{
		root:         absRoot,
		originalsDir: filepath.Join(absRoot, "originals"),
		convertedDir: filepath.Join(absRoot, "converted"),
		retention:    DefaultRetention,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{absRoot, s.originalsDir, s.convertedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	s.index = NewIndex(WithIndexLogger(s.logger), WithNoSync(s.noSync))
	if err := s.index.Open(filepath.Join(absRoot, "index.db")); err != nil {
		return nil, err
	}

	return s, nil
}

// Close closes the store and its metadata index.
func (s *Store) Close() error {
	return s.index.Close()
}

// Retention returns the configured artifact retention window.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// Lookup retrieves the entry for a fingerprint.
func (s *Store) Lookup(ctx context.Context, key doccache.Fingerprint) (*Entry, error) {
	return s.index.Get(ctx, key)
}

// BeginPending claims a fingerprint for conversion. Exactly one caller
// wins; the rest get ErrAlreadyPending (or see the existing ready entry
// via Lookup).
func (s *Store) BeginPending(ctx context.Context, key doccache.Fingerprint, source doccache.SourceDescriptor, format doccache.OutputFormat, sourceExt string) (*Entry, error) {
	entry := &Entry{
		Key:       key,
		State:     StatePending,
		Source:    source,
		Format:    format,
		SourceExt: sourceExt,
		CreatedAt: s.now(),
	}
	if err := s.index.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// UpdateSourceExt records the extension learned during resolution, which
// can differ from the descriptor's (Content-Disposition wins for URLs).
func (s *Store) UpdateSourceExt(ctx context.Context, key doccache.Fingerprint, ext string) error {
	entry, err := s.index.Get(ctx, key)
	if err != nil {
		return err
	}
	if entry.SourceExt == ext {
		return nil
	}
	entry.SourceExt = ext
	return s.index.Put(ctx, entry)
}

// PutOriginal stores a fetched source document, zstd compressed behind a
// framed header, using an atomic temp+rename write. Returns the
// uncompressed size.
func (s *Store) PutOriginal(_ context.Context, key doccache.Fingerprint, name string, r io.Reader) (int64, error) {
	header := &OriginalHeader{
		Name:     filepath.Base(name),
		Ext:      strings.ToLower(filepath.Ext(name)),
		StoredAt: s.now(),
	}

	tmp, err := os.CreateTemp(s.originalsDir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := WriteOriginal(tmp, header, r)
	if err != nil {
		return 0, err
	}

	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.originalPath(key)); err != nil {
		return 0, fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return n, nil
}

// OpenOriginal opens the stored source document for a fingerprint,
// returning its header and a decompressing reader.
func (s *Store) OpenOriginal(_ context.Context, key doccache.Fingerprint) (*OriginalHeader, io.ReadCloser, error) {
	f, err := os.Open(s.originalPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, doccache.ErrNotFound
		}
		return nil, nil, fmt.Errorf("opening original: %w", err)
	}

	header, body, err := ReadOriginal(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%w: original %s: %s", doccache.ErrCacheCorruption, key.ShortString(), err)
	}

	return header, &originalReader{body: body, file: f}, nil
}

type originalReader struct {
	body io.ReadCloser
	file *os.File
}

func (r *originalReader) Read(p []byte) (int, error) { return r.body.Read(p) }

func (r *originalReader) Close() error {
	_ = r.body.Close()
	return r.file.Close()
}

// MaterializeOriginal decompresses the stored source document into a
// scratch directory under its original file name, for handing to a
// converter that works on paths. The cleanup func removes the directory.
func (s *Store) MaterializeOriginal(ctx context.Context, key doccache.Fingerprint) (string, func(), error) {
	header, body, err := s.OpenOriginal(ctx, key)
	if err != nil {
		return "", nil, err
	}
	defer body.Close()

	dir, err := os.MkdirTemp(s.root, ".work-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating work directory: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	name := filepath.Base(header.Name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "source" + header.Ext
	}
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("creating work file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("writing work file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("closing work file: %w", err)
	}

	return path, cleanup, nil
}

// Publish writes the converted artifact atomically, then flips the entry
// to ready with a fresh retention window. The file is fully on disk and
// renamed into place before the metadata becomes visible, so a ready
// entry always has a readable artifact.
func (s *Store) Publish(ctx context.Context, key doccache.Fingerprint, r io.Reader) (*Entry, error) {
	entry, err := s.index.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.State != StatePending {
		return nil, fmt.Errorf("publishing entry %s: state is %q, want pending", key.ShortString(), entry.State)
	}

	dst := s.convertedPath(key, entry.Format)

	tmp, err := os.CreateTemp(s.convertedDir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return nil, fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return nil, fmt.Errorf("renaming temp file: %w", err)
	}
	success = true

	entry.State = StateReady
	entry.SizeBytes = n
	entry.ExpiresAt = s.now().Add(s.retention)

	if err := s.index.Put(ctx, entry); err != nil {
		_ = os.Remove(dst)
		return nil, fmt.Errorf("publishing entry %s: %w", key.ShortString(), err)
	}

	return entry, nil
}

// MarkFailed removes a pending entry and its stored original so a later
// request starts a fresh conversion attempt.
func (s *Store) MarkFailed(ctx context.Context, key doccache.Fingerprint) error {
	if err := s.index.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting failed entry %s: %w", key.ShortString(), err)
	}
	if err := os.Remove(s.originalPath(key)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("removing original for failed entry", "key", key.ShortString(), "error", err)
	}
	return nil
}

// OpenConverted opens the published artifact for a ready entry. A ready
// entry whose artifact file is missing indicates cache corruption.
func (s *Store) OpenConverted(ctx context.Context, key doccache.Fingerprint) (*Entry, io.ReadCloser, error) {
	entry, err := s.index.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if entry.State != StateReady {
		return nil, nil, fmt.Errorf("%w: entry %s", doccache.ErrAlreadyPending, key.ShortString())
	}

	f, err := os.Open(s.convertedPath(key, entry.Format))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: artifact missing for ready entry %s", doccache.ErrCacheCorruption, key.ShortString())
		}
		return nil, nil, fmt.Errorf("opening artifact: %w", err)
	}

	return entry, f, nil
}

// Evict removes an entry and its files. Metadata goes first so no new
// reader can resolve the entry; the unlink that follows is safe for
// in-flight streams because an open descriptor keeps the bytes readable.
// The metadata delete is retried once; if both attempts fail the entry is
// left for the next sweep and no files are touched.
func (s *Store) Evict(ctx context.Context, key doccache.Fingerprint) error {
	err := s.index.Delete(ctx, key)
	if err != nil {
		s.logger.Warn("retrying entry delete", "key", key.ShortString(), "error", err)
		if err = s.index.Delete(ctx, key); err != nil {
			return fmt.Errorf("deleting entry %s: %w", key.ShortString(), err)
		}
	}

	s.removeFiles(key)
	return nil
}

// removeFiles unlinks all artifact files for a fingerprint, best effort.
func (s *Store) removeFiles(key doccache.Fingerprint) {
	paths := []string{
		s.originalPath(key),
		s.convertedPath(key, doccache.FormatPDF),
		s.convertedPath(key, doccache.FormatHTML),
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("removing artifact file", "path", p, "error", err)
		}
	}
}

// Expired returns ready entries whose retention window ended at or
// before the given time, oldest first.
func (s *Store) Expired(ctx context.Context, before time.Time, limit int) ([]*Entry, error) {
	return s.index.Expired(ctx, before, limit)
}

// StalePending returns pending entries created before the given cutoff.
// These are claims orphaned by a crash mid-conversion.
func (s *Store) StalePending(ctx context.Context, olderThan time.Time) ([]*Entry, error) {
	entries, err := s.index.List(ctx)
	if err != nil {
		return nil, err
	}

	var stale []*Entry
	for _, entry := range entries {
		if entry.State == StatePending && entry.CreatedAt.Before(olderThan) {
			stale = append(stale, entry)
		}
	}
	return stale, nil
}

// ClearResult reports what a ClearAll removed.
type ClearResult struct {
	Entries    int   `json:"entries"`
	BytesFreed int64 `json:"bytes_freed"`
}

// ClearAll evicts every entry in the store.
func (s *Store) ClearAll(ctx context.Context) (*ClearResult, error) {
	entries, err := s.index.List(ctx)
	if err != nil {
		return nil, err
	}

	result := &ClearResult{}
	var firstErr error
	for _, entry := range entries {
		if err := s.Evict(ctx, entry.Key); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		result.Entries++
		result.BytesFreed += entry.SizeBytes
	}

	return result, firstErr
}

// Stats summarizes the current cache population.
type Stats struct {
	ReadyEntries   int       `json:"ready_entries"`
	PendingEntries int       `json:"pending_entries"`
	TotalSizeBytes int64     `json:"total_size_bytes"`
	NextExpiry     time.Time `json:"next_expiry,omitzero"`
}

// Stats scans the index and reports entry counts, total published bytes
// and the soonest retention deadline.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	entries, err := s.index.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, entry := range entries {
		switch entry.State {
		case StateReady:
			stats.ReadyEntries++
			stats.TotalSizeBytes += entry.SizeBytes
			if !entry.ExpiresAt.IsZero() && (stats.NextExpiry.IsZero() || entry.ExpiresAt.Before(stats.NextExpiry)) {
				stats.NextExpiry = entry.ExpiresAt
			}
		case StatePending:
			stats.PendingEntries++
		}
	}
	return stats, nil
}

func (s *Store) originalPath(key doccache.Fingerprint) string {
	return filepath.Join(s.originalsDir, key.String()+".dco")
}

func (s *Store) convertedPath(key doccache.Fingerprint, format doccache.OutputFormat) string {
	return filepath.Join(s.convertedDir, key.String()+format.Ext())
}

// ArtifactName returns the public file name for a fingerprint's artifact,
// as used in served URLs.
func ArtifactName(key doccache.Fingerprint, format doccache.OutputFormat) string {
	return key.String() + format.Ext()
}

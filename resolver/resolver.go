// Package resolver fetches source documents from their descriptors and
// stages them in the artifact store ahead of conversion. URL sources are
// downloaded with a bounded body size; path sources are stat-checked
// against the same cap before staging.
package resolver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/wolfeidau/doccache"
	"github.com/wolfeidau/doccache/store"
)

const (
	// DefaultMaxBytes caps the uncompressed size of a downloaded source.
	DefaultMaxBytes = 256 << 20 // 256 MiB

	// DefaultFetchTimeout bounds a single upstream download.
	DefaultFetchTimeout = 2 * time.Minute
)

// Resolved describes a staged source document.
type Resolved struct {
	Name string // original file name, used for converter input
	Ext  string // lowercased extension with leading dot
	Size int64  // uncompressed bytes
}

// Resolver stages source documents into the artifact store.
type Resolver struct {
	store    *store.Store
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithHTTPClient sets the client used for URL sources.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		r.client = client
	}
}

// WithMaxBytes caps the size of fetched sources.
func WithMaxBytes(n int64) Option {
	return func(r *Resolver) {
		r.maxBytes = n
	}
}

// New creates a Resolver staging into the given store.
func New(s *store.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:    s,
		client:   &http.Client{Timeout: DefaultFetchTimeout},
		maxBytes: DefaultMaxBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve fetches the document behind the descriptor and stores it as the
// original for the given fingerprint. The returned name and extension are
// taken from the source itself (Content-Disposition wins over the URL
// path), so they can differ from the descriptor.
func (r *Resolver) Resolve(ctx context.Context, key doccache.Fingerprint, desc doccache.SourceDescriptor) (*Resolved, error) {
	switch desc.Kind {
	case doccache.SourcePath:
		return r.resolvePath(ctx, key, desc)
	case doccache.SourceURL:
		return r.resolveURL(ctx, key, desc)
	}
	return nil, fmt.Errorf("%w: source kind %q", doccache.ErrInvalidDescriptor, desc.Kind)
}

func (r *Resolver) resolvePath(ctx context.Context, key doccache.Fingerprint, desc doccache.SourceDescriptor) (*Resolved, error) {
	name := filepath.Base(desc.Value)
	ext, err := doccache.ValidateExtension(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(desc.Value)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", doccache.ErrSourceNotFound, desc.Value)
		}
		return nil, fmt.Errorf("opening source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", doccache.ErrSourceNotFound, desc.Value)
	}
	if info.Size() > r.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, cap is %d", doccache.ErrSourceTooLarge, desc.Value, info.Size(), r.maxBytes)
	}

	size, err := r.store.PutOriginal(ctx, key, name, f)
	if err != nil {
		return nil, fmt.Errorf("staging source: %w", err)
	}

	r.logger.Debug("resolved path source", "path", desc.Value, "size", size)
	return &Resolved{Name: name, Ext: ext, Size: size}, nil
}

func (r *Resolver) resolveURL(ctx context.Context, key doccache.Fingerprint, desc doccache.SourceDescriptor) (*Resolved, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.Value, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", doccache.ErrInvalidDescriptor, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s: %s", doccache.ErrDownloadFailure, desc.Value, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s returned %d", doccache.ErrSourceNotFound, desc.Value, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: %s returned %d", doccache.ErrDownloadFailure, desc.Value, resp.StatusCode)
	}

	name := dispositionFilename(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = desc.Base()
	}

	ext, err := doccache.ValidateExtension(name)
	if err != nil {
		return nil, err
	}

	// One extra byte past the cap tells us the body was too large without
	// reading the whole thing.
	limited := io.LimitReader(resp.Body, r.maxBytes+1)
	size, err := r.store.PutOriginal(ctx, key, name, limited)
	if err != nil {
		return nil, fmt.Errorf("%w: staging %s: %s", doccache.ErrDownloadFailure, desc.Value, err)
	}
	if size > r.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d byte cap", doccache.ErrSourceTooLarge, desc.Value, r.maxBytes)
	}

	r.logger.Debug("resolved url source", "url", desc.Value, "name", name, "size", size)
	return &Resolved{Name: name, Ext: ext, Size: size}, nil
}

// dispositionFilename extracts the filename parameter from a
// Content-Disposition header, returning "" when absent or malformed.
func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if name == "" {
		return ""
	}
	// Strip any path components an upstream might smuggle in.
	return filepath.Base(name)
}

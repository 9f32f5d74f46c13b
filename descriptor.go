package doccache

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// SourceKind distinguishes remote and local source references.
type SourceKind string

const (
	// SourceURL is a remote document fetched over HTTP(S).
	SourceURL SourceKind = "url"

	// SourcePath is a document on the local filesystem.
	SourcePath SourceKind = "path"
)

// SourceDescriptor is a normalized reference to a source document.
// Value is canonical: an absolute cleaned path, or a URL with sorted query
// parameters and tracking parameters removed. Descriptors are normalized
// once at the boundary so everything downstream can compare them directly.
type SourceDescriptor struct {
	Kind  SourceKind `json:"kind"`
	Value string     `json:"value"`
}

// trackingParams are query parameters that never affect the referenced
// content and are stripped during URL normalization.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"fbclid":       true,
	"gclid":        true,
}

// ParseURLDescriptor normalizes a remote source reference.
// The fragment is dropped, tracking parameters are removed, and remaining
// query parameters are sorted so equivalent URLs map to one fingerprint.
func ParseURLDescriptor(raw string) (SourceDescriptor, error) {
	if strings.TrimSpace(raw) == "" {
		return SourceDescriptor{}, fmt.Errorf("%w: empty url", ErrInvalidDescriptor)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return SourceDescriptor{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return SourceDescriptor{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDescriptor, u.Scheme)
	}
	if u.Host == "" {
		return SourceDescriptor{}, fmt.Errorf("%w: missing host", ErrInvalidDescriptor)
	}

	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)

	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			if trackingParams[strings.ToLower(name)] {
				q.Del(name)
			}
		}
		u.RawQuery = encodeSortedQuery(q)
	}

	return SourceDescriptor{Kind: SourceURL, Value: u.String()}, nil
}

// ParsePathDescriptor normalizes a local source reference to an absolute
// cleaned path.
func ParsePathDescriptor(raw string) (SourceDescriptor, error) {
	if strings.TrimSpace(raw) == "" {
		return SourceDescriptor{}, fmt.Errorf("%w: empty path", ErrInvalidDescriptor)
	}

	abs, err := filepath.Abs(raw)
	if err != nil {
		return SourceDescriptor{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	return SourceDescriptor{Kind: SourcePath, Value: filepath.Clean(abs)}, nil
}

// Base returns the referenced file name: the last path segment for local
// paths, or the last URL path segment with any query stripped.
func (d SourceDescriptor) Base() string {
	switch d.Kind {
	case SourcePath:
		return filepath.Base(d.Value)
	case SourceURL:
		u, err := url.Parse(d.Value)
		if err != nil {
			return ""
		}
		name, err := url.PathUnescape(path.Base(u.Path))
		if err != nil || name == "/" || name == "." {
			return ""
		}
		return name
	}
	return ""
}

// Ext returns the lowercased file extension of the referenced document,
// including the leading dot, or "" when the reference has none.
func (d SourceDescriptor) Ext() string {
	return strings.ToLower(path.Ext(d.Base()))
}

// String renders the descriptor for logging.
func (d SourceDescriptor) String() string {
	return string(d.Kind) + ":" + d.Value
}

// encodeSortedQuery encodes query values with keys (and per-key values) in
// a stable order. url.Values.Encode sorts keys but the ordering of repeated
// values is preserved as parsed, so values are sorted here too.
func encodeSortedQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), q[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

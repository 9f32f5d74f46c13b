package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/wolfeidau/doccache"
)

// DefaultTimeout bounds a single LibreOffice invocation.
const DefaultTimeout = 90 * time.Second

// sofficeCandidates are binary names probed in order when no explicit
// binary is configured.
var sofficeCandidates = []string{"soffice", "libreoffice"}

// LibreOffice converts documents by shelling out to a headless soffice
// process. Each conversion gets its own scratch output directory.
type LibreOffice struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// LibreOfficeOption configures the adapter.
type LibreOfficeOption func(*LibreOffice)

// WithBinary sets an explicit soffice binary path.
func WithBinary(path string) LibreOfficeOption {
	return func(l *LibreOffice) {
		l.binary = path
	}
}

// WithTimeout sets the per-conversion timeout.
func WithTimeout(d time.Duration) LibreOfficeOption {
	return func(l *LibreOffice) {
		l.timeout = d
	}
}

// WithLibreOfficeLogger sets the logger for the adapter.
func WithLibreOfficeLogger(logger *slog.Logger) LibreOfficeOption {
	return func(l *LibreOffice) {
		l.logger = logger
	}
}

// NewLibreOffice creates the adapter, locating the soffice binary on PATH
// unless one is configured.
func NewLibreOffice(opts ...LibreOfficeOption) (*LibreOffice, error) {
	l := &LibreOffice{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.binary == "" {
		binary, err := findSoffice()
		if err != nil {
			return nil, err
		}
		l.binary = binary
	}

	return l, nil
}

// findSoffice locates a LibreOffice binary on PATH.
func findSoffice() (string, error) {
	for _, name := range sofficeCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no soffice binary on PATH", doccache.ErrConverterFault)
}

// Timeout returns the configured per-conversion timeout.
func (l *LibreOffice) Timeout() time.Duration {
	return l.timeout
}

// Version runs `soffice --version` and returns the first output line.
func (l *LibreOffice) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, l.binary, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%w: probing version: %s", doccache.ErrConverterFault, err)
	}

	version, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return version, nil
}

// Convert runs a headless conversion into a scratch directory and returns
// a reader over the produced artifact. The scratch directory is removed
// when the reader is closed.
func (l *LibreOffice) Convert(ctx context.Context, src string, format doccache.OutputFormat) (io.ReadCloser, error) {
	outDir, err := os.MkdirTemp("", "doccache-convert-*")
	if err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	success := false
	defer func() {
		if !success {
			_ = os.RemoveAll(outDir)
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, l.binary,
		"--headless",
		"--convert-to", string(format),
		"--outdir", outDir,
		src,
	)

	start := time.Now()
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: after %s", doccache.ErrConversionTimeout, l.timeout)
		}
		return nil, fmt.Errorf("%w: %s: %s", doccache.ErrConverterFault, err, firstLine(output))
	}

	produced := outputPath(outDir, src, format)
	f, err := os.Open(produced)
	if err != nil {
		// A zero exit with no output file happens for inputs soffice
		// cannot read.
		return nil, fmt.Errorf("%w: no output produced: %s", doccache.ErrConverterFault, firstLine(output))
	}

	l.logger.Debug("converted document",
		"src", filepath.Base(src),
		"format", format,
		"duration", time.Since(start))

	success = true
	return &scratchReader{file: f, dir: outDir}, nil
}

// outputPath is where soffice writes the artifact: the source base name
// with the target extension, inside the output directory.
func outputPath(outDir, src string, format doccache.OutputFormat) string {
	base := filepath.Base(src)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(outDir, base+format.Ext())
}

func firstLine(output []byte) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(output)), "\n")
	return line
}

// scratchReader streams the produced artifact and removes the scratch
// directory on Close.
type scratchReader struct {
	file *os.File
	dir  string
}

func (r *scratchReader) Read(p []byte) (int, error) { return r.file.Read(p) }

func (r *scratchReader) Close() error {
	err := r.file.Close()
	_ = os.RemoveAll(r.dir)
	return err
}

// Compile-time interface check
var _ Converter = (*LibreOffice)(nil)

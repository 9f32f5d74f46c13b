package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
)

var (
	// originalMagic is the 4-byte prefix for framed original files.
	originalMagic = []byte("DCO1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected DCO1")

	// ErrHeaderTooLarge is returned when the header exceeds maxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// maxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const maxHeaderSize = 64 * 1024

// OriginalHeader describes a fetched source document as stored on disk.
// The body that follows it is zstd compressed.
type OriginalHeader struct {
	Name     string    `json:"name"`
	Ext      string    `json:"ext"`
	StoredAt time.Time `json:"stored_at"`
}

// WriteOriginal writes a framed original to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | zstd(BODY)
// Returns the uncompressed body size.
func WriteOriginal(w io.Writer, header *OriginalHeader, body io.Reader) (int64, error) {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > maxHeaderSize {
		return 0, ErrHeaderTooLarge
	}

	if _, err := w.Write(originalMagic); err != nil {
		return 0, fmt.Errorf("writing magic bytes: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return 0, fmt.Errorf("writing header length: %w", err)
	}

	if _, err := w.Write(headerBytes); err != nil {
		return 0, fmt.Errorf("writing header: %w", err)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("creating zstd writer: %w", err)
	}

	n, err := io.Copy(zw, body)
	if err != nil {
		_ = zw.Close()
		return n, fmt.Errorf("writing body: %w", err)
	}

	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("flushing zstd writer: %w", err)
	}

	return n, nil
}

// ReadOriginal reads a framed original from the reader.
// Returns the parsed header and a ReadCloser for the decompressed body.
func ReadOriginal(r io.Reader) (*OriginalHeader, io.ReadCloser, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, originalMagic) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}

	if headerLen > maxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header OriginalHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("creating zstd reader: %w", err)
	}

	return &header, zr.IOReadCloser(), nil
}

package doccache

import (
	"fmt"
	"path"
	"strings"
)

// FileType classifies a source document by its extension.
type FileType string

const (
	FileTypeText     FileType = "text"
	FileTypeImage    FileType = "image"
	FileTypeOffice   FileType = "office"
	FileTypeDocument FileType = "document"
	FileTypeUnknown  FileType = "unknown"
)

var (
	textExtensions = map[string]bool{
		".txt": true, ".md": true,
	}

	imageExtensions = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
		".bmp": true, ".tiff": true, ".webp": true,
	}

	officeExtensions = map[string]bool{
		".doc": true, ".docx": true, ".odt": true, ".rtf": true,
		".xls": true, ".xlsx": true, ".ods": true,
		".ppt": true, ".pptx": true, ".odp": true,
	}

	documentExtensions = map[string]bool{
		".pdf": true, ".csv": true,
	}
)

// FileTypeOf returns the classification for a lowercased extension
// (leading dot included).
func FileTypeOf(ext string) FileType {
	ext = strings.ToLower(ext)
	switch {
	case textExtensions[ext]:
		return FileTypeText
	case imageExtensions[ext]:
		return FileTypeImage
	case officeExtensions[ext]:
		return FileTypeOffice
	case documentExtensions[ext]:
		return FileTypeDocument
	}
	return FileTypeUnknown
}

// IsSupported reports whether the service accepts documents with this
// extension at all.
func IsSupported(ext string) bool {
	return FileTypeOf(ext) != FileTypeUnknown
}

// ValidateExtension extracts and validates the extension of a file name,
// returning it lowercased with the leading dot.
func ValidateExtension(filename string) (string, error) {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrUnsupportedFormat, filename)
	}
	if !IsSupported(ext) {
		return "", fmt.Errorf("%w: file extension %q", ErrUnsupportedFormat, ext)
	}
	return ext, nil
}

// AutoFormat picks the output format for /view by source type: office
// documents and PDFs render as PDF, everything else (text, CSV, markdown,
// images) renders as HTML.
func AutoFormat(ext string) (OutputFormat, error) {
	switch FileTypeOf(ext) {
	case FileTypeOffice:
		return FormatPDF, nil
	case FileTypeText, FileTypeImage:
		return FormatHTML, nil
	case FileTypeDocument:
		if strings.ToLower(ext) == ".pdf" {
			return FormatPDF, nil
		}
		return FormatHTML, nil
	}
	return "", fmt.Errorf("%w: file extension %q", ErrUnsupportedFormat, ext)
}

package doccache

import "fmt"

// OutputFormat is a conversion target format.
type OutputFormat string

const (
	// FormatPDF renders the source to PDF.
	FormatPDF OutputFormat = "pdf"

	// FormatHTML renders the source to HTML.
	FormatHTML OutputFormat = "html"
)

// ParseOutputFormat validates a user-supplied output format string.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case FormatPDF:
		return FormatPDF, nil
	case FormatHTML:
		return FormatHTML, nil
	}
	return "", fmt.Errorf("%w: output format %q", ErrUnsupportedFormat, s)
}

// Ext returns the artifact file extension for the format, with leading dot.
func (f OutputFormat) Ext() string {
	return "." + string(f)
}

// ContentType returns the MIME type served for artifacts of this format.
func (f OutputFormat) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatHTML:
		return "text/html; charset=utf-8"
	}
	return "application/octet-stream"
}

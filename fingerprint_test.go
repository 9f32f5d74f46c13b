package doccache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFingerprintDeterministic(t *testing.T) {
	desc, err := ParsePathDescriptor("/files/report.docx")
	require.NoError(t, err)

	a := NewFingerprint(desc, FormatPDF)
	b := NewFingerprint(desc, FormatPDF)
	require.Equal(t, a, b)
	require.False(t, a.IsZero())
}

func TestNewFingerprintDiffersByFormat(t *testing.T) {
	desc, err := ParsePathDescriptor("/files/report.docx")
	require.NoError(t, err)

	pdf := NewFingerprint(desc, FormatPDF)
	html := NewFingerprint(desc, FormatHTML)
	require.NotEqual(t, pdf, html)
}

func TestNewFingerprintDiffersByDescriptor(t *testing.T) {
	a, err := ParsePathDescriptor("/files/report.docx")
	require.NoError(t, err)
	b, err := ParsePathDescriptor("/files/other.docx")
	require.NoError(t, err)

	require.NotEqual(t, NewFingerprint(a, FormatPDF), NewFingerprint(b, FormatPDF))
}

func TestURLAndPathDescriptorsAreDistinctKeys(t *testing.T) {
	// Keying is by descriptor, not by content: even if both references
	// point at the same bytes, they cache independently.
	u, err := ParseURLDescriptor("http://example.com/files/1.xlsx")
	require.NoError(t, err)
	p, err := ParsePathDescriptor("/files/1.xlsx")
	require.NoError(t, err)

	require.NotEqual(t, NewFingerprint(u, FormatHTML), NewFingerprint(p, FormatHTML))
}

func TestParseFingerprintRoundTrip(t *testing.T) {
	desc, err := ParsePathDescriptor("/files/report.docx")
	require.NoError(t, err)

	fp := NewFingerprint(desc, FormatPDF)
	parsed, err := ParseFingerprint(fp.String())
	require.NoError(t, err)
	require.Equal(t, fp, parsed)

	_, err = ParseFingerprint("not-a-fingerprint")
	require.Error(t, err)
}

package convert

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/doccache"
)

func TestOutputPath(t *testing.T) {
	got := outputPath("/tmp/out", "/work/Quarterly Report.docx", doccache.FormatPDF)
	require.Equal(t, filepath.Join("/tmp/out", "Quarterly Report.pdf"), got)

	got = outputPath("/tmp/out", "/work/notes.md", doccache.FormatHTML)
	require.Equal(t, filepath.Join("/tmp/out", "notes.html"), got)
}

func TestFirstLine(t *testing.T) {
	require.Equal(t, "convert /x.docx", firstLine([]byte("convert /x.docx\nOverwriting: ...\n")))
	require.Equal(t, "", firstLine(nil))
}

func TestNewLibreOfficeWithBinary(t *testing.T) {
	l, err := NewLibreOffice(WithBinary("/opt/libreoffice/soffice"), WithTimeout(DefaultTimeout))
	require.NoError(t, err)
	require.Equal(t, DefaultTimeout, l.Timeout())
}

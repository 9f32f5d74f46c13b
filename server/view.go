package server

import (
	"html/template"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/wolfeidau/doccache"
	"github.com/wolfeidau/doccache/telemetry"
)

// titleScanLimit bounds how much of a converted HTML artifact is read when
// looking for its <title>.
const titleScanLimit = 64 * 1024

var viewTemplate = template.Must(template.New("view").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { margin: 0; font-family: sans-serif; }
header { padding: 8px 16px; background: #f4f4f4; border-bottom: 1px solid #ddd; }
header a { float: right; }
iframe, embed { border: 0; width: 100%; height: calc(100vh - 42px); }
</style>
</head>
<body>
<header>{{.Title}} <a href="{{.ArtifactURL}}">open raw</a></header>
{{if .IsPDF}}<iframe src="{{.ArtifactURL}}" title="{{.Title}}"></iframe>
{{else}}<embed src="{{.ArtifactURL}}" type="text/html">
{{end}}</body>
</html>
`))

var viewErrorTemplate = template.Must(template.New("viewError").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>doccache</title></head>
<body>
<h1>Cannot display document</h1>
<p>{{.Message}}</p>
</body>
</html>
`))

type viewData struct {
	Title       string
	ArtifactURL string
	IsPDF       bool
}

// handleView renders a minimal HTML page embedding the converted document.
// The output format is chosen from the source type: office documents and
// PDFs render as PDF, text/markdown/CSV/images as HTML.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "view")

	desc, err := parseSource(r)
	if err != nil {
		s.renderViewError(w, err)
		return
	}

	format, err := doccache.AutoFormat(desc.Ext())
	if err != nil {
		s.renderViewError(w, err)
		return
	}
	telemetry.SetFormat(r, string(format))

	entry, hit, err := s.coordinator.Ensure(r.Context(), desc, format)
	if err != nil {
		s.renderViewError(w, err)
		return
	}
	recordLookup(r, hit)
	if !hit {
		telemetry.RecordArtifactSize(r.Context(), string(entry.Format), entry.SizeBytes)
	}

	title := entry.Source.Base()
	if entry.Format == doccache.FormatHTML {
		if t := s.artifactTitle(r, entry.Key); t != "" {
			title = t
		}
	}
	if title == "" {
		title = "document"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := viewTemplate.Execute(w, viewData{
		Title:       title,
		ArtifactURL: artifactURL(entry),
		IsPDF:       entry.Format == doccache.FormatPDF,
	}); err != nil {
		s.logger.Warn("failed rendering view page", "error", err)
	}
}

// artifactTitle reads the <title> of a converted HTML artifact, if any.
func (s *Server) artifactTitle(r *http.Request, key doccache.Fingerprint) string {
	_, body, err := s.store.OpenConverted(r.Context(), key)
	if err != nil {
		return ""
	}
	defer body.Close()

	return extractTitle(io.LimitReader(body, titleScanLimit))
}

// extractTitle scans an HTML document for the text of its first <title>
// element. Returns "" when none is found.
func extractTitle(r io.Reader) string {
	z := html.NewTokenizer(r)
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			inTitle = string(name) == "title"
		case html.TextToken:
			if inTitle {
				if title := strings.TrimSpace(string(z.Text())); title != "" {
					return title
				}
			}
		case html.EndTagToken:
			inTitle = false
		}
	}
}

// renderViewError writes an HTML error page. Input problems are the
// browser user's to fix, so they get a 400 rather than the API's 200.
func (s *Server) renderViewError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	message := err.Error()
	if status == http.StatusOK {
		status = http.StatusBadRequest
	} else if status == http.StatusInternalServerError {
		message = "conversion failed"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = viewErrorTemplate.Execute(w, struct{ Message string }{Message: message})
}

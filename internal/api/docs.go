package api

import (
	"embed"
	"io"
	"net/http"
)

//go:embed static/openapi.yaml
var docsFS embed.FS

// resourcesDocsPage renders static/openapi.yaml with Redoc.
const resourcesDocsPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>Visual Grid Resources API</title>
  <meta name="description" content="Resolve captured snapshots into render bundles of content-hashed resources."/>
</head>
<body>
<redoc spec-url="/openapi.yaml" hide-download-button expand-responses="200"></redoc>
<script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
</body>
</html>`

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	// Go 1.21 equivalent of http.ServeFileFS(w, r, docsFS, "static/openapi.yaml").
	f, err := docsFS.Open("static/openapi.yaml")
	if err != nil {
		http.Error(w, "404 page not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f.(io.ReadSeeker))
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(resourcesDocsPage))
}

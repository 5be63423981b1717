package rgrid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"path"
	"strings"
)

// HashFormat names the digest used for content identity.
const HashFormat = "sha256"

// CDTContentType is the content type of a serialized frame document.
const CDTContentType = "x-applitools-html/cdt"

// Kind classifies a resource once at ingestion.
type Kind int

const (
	KindBinary Kind = iota
	KindCSS
	KindHTML
)

func (k Kind) String() string {
	switch k {
	case KindCSS:
		return "css"
	case KindHTML:
		return "html"
	default:
		return "binary"
	}
}

// Resource is one fetched or supplied resource, or a placeholder for one that
// could not be retrieved. A Resource is never modified after construction.
type Resource struct {
	URL         string
	ContentType string
	Content     []byte
	Kind        Kind

	// StatusCode and Err are set on placeholders only.
	StatusCode int
	Err        error

	hash string
}

// NewResource builds a resource and derives its kind and content hash.
func NewResource(rawURL, contentType string, content []byte) *Resource {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = InferContentType(rawURL)
	}
	return &Resource{
		URL:         rawURL,
		ContentType: contentType,
		Content:     content,
		Kind:        KindFor(contentType, rawURL),
		hash:        HashContent(content),
	}
}

// NewErrorResource builds a placeholder for a resource that failed to load.
func NewErrorResource(rawURL string, statusCode int, err error) *Resource {
	if err == nil {
		err = fmt.Errorf("load %s: status %d", rawURL, statusCode)
	}
	return &Resource{
		URL:        rawURL,
		Kind:       KindBinary,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Hash returns the hex encoded content digest. Placeholders have no hash.
func (r *Resource) Hash() string {
	if r == nil {
		return ""
	}
	return r.hash
}

// Failed reports whether r is an error placeholder.
func (r *Resource) Failed() bool {
	return r == nil || r.Err != nil
}

// IsCSS reports whether nested resources must be extracted from r.
func (r *Resource) IsCSS() bool {
	return r != nil && !r.Failed() && r.Kind == KindCSS
}

// HashContent digests content bytes.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// KindFor decides the resource kind from its content type, falling back to
// the URL extension when the content type is absent or generic.
func KindFor(contentType, rawURL string) Kind {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "text/css":
		return KindCSS
	case ct == "text/html", ct == "application/xhtml+xml", ct == CDTContentType:
		return KindHTML
	case ct == "" || ct == "application/octet-stream" || ct == "text/plain":
		if extension(rawURL) == ".css" {
			return KindCSS
		}
	}
	return KindBinary
}

var extensionTypes = map[string]string{
	".css":   "text/css",
	".js":    "application/javascript",
	".mjs":   "application/javascript",
	".json":  "application/json",
	".html":  "text/html",
	".htm":   "text/html",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".webp":  "image/webp",
	".ico":   "image/x-icon",
	".cur":   "image/x-icon",
	".bmp":   "image/bmp",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".eot":   "application/vnd.ms-fontobject",
}

// InferContentType guesses a content type from the URL path extension.
func InferContentType(rawURL string) string {
	ext := extension(rawURL)
	if ext == "" {
		return "application/octet-stream"
	}
	if ct, ok := extensionTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func extension(rawURL string) string {
	if strings.HasPrefix(rawURL, "data:") {
		return ""
	}
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	return strings.ToLower(path.Ext(rawURL))
}

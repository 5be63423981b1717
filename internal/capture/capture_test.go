package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visualgrid/internal/fetcher"
	"visualgrid/internal/screenshot"
	"visualgrid/pkg/types"
)

const indexHTML = `<!DOCTYPE html>
<html>
<head>
  <link rel="stylesheet" href="/css/site.css">
  <link rel="canonical" href="/canonical">
  <link rel="shortcut icon" href="favicon.ico">
  <style>.hero{background:url(hero.png)}</style>
  <script src="app.js"></script>
</head>
<body style="background-image:url(body.png)">
  <img src="logo.png" srcset="logo-1x.png 1x, logo-2x.png 2x">
  <img src="data:image/gif;base64,R0lGODlhAQABAAAAACw=">
  <picture><source srcset="wide.webp 1200w,narrow.webp 600w"></picture>
  <video poster="poster.jpg"></video>
  <svg><image xlink:href="sprite.svg"></image></svg>
  <a href="/not-a-resource">link</a>
  <iframe src="frame.html"></iframe>
  <iframe src="about:blank"></iframe>
</body>
</html>`

const frameHTML = `<html><body><img src="shared.png"><iframe src="nested.html"></iframe></body></html>`

const nestedHTML = `<html><body><img src="deep.png"></body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/index.html":  indexHTML,
		"/frame.html":  frameHTML,
		"/nested.html": nestedHTML,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newHTTPCapturer(t *testing.T, depth int) *Capturer {
	t.Helper()
	f, err := fetcher.NewHTTPFetcher(fetcher.Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	return New(NewHTTPRenderer(f, nil), depth, nil)
}

func TestBuildDocumentCollectsResources(t *testing.T) {
	doc, err := BuildDocument([]byte(indexHTML), "https://site.test/index.html")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"https://site.test/css/site.css",
		"https://site.test/favicon.ico",
		"https://site.test/app.js",
		"https://site.test/logo.png",
		"https://site.test/logo-1x.png",
		"https://site.test/logo-2x.png",
		"https://site.test/wide.webp",
		"https://site.test/narrow.webp",
		"https://site.test/poster.jpg",
		"https://site.test/sprite.svg",
	}, doc.Frame.ResourceURLs)

	require.Len(t, doc.Children, 1, "about:blank is not captured")
	assert.Equal(t, "frame.html", doc.Children[0].SrcAttr)
	assert.Equal(t, "https://site.test/frame.html", doc.Children[0].URL)
}

func TestBuildDocumentHonoursBaseHref(t *testing.T) {
	markup := `<html><head><base href="https://cdn.test/assets/"></head><body><img src="a.png"></body></html>`
	doc, err := BuildDocument([]byte(markup), "https://site.test/page")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.test/assets/a.png"}, doc.Frame.ResourceURLs)
	assert.Equal(t, "https://site.test/page", doc.Frame.URL)
}

func TestBuildDocumentCDT(t *testing.T) {
	doc, err := BuildDocument([]byte(indexHTML), "https://site.test/index.html")
	require.NoError(t, err)
	cdt := doc.Frame.CDT
	require.NotEmpty(t, cdt)
	assert.Equal(t, types.DocumentNode, cdt[0].NodeType)

	var body *types.CDTNode
	var styleText string
	for i := range cdt {
		n := cdt[i]
		for _, idx := range n.ChildNodeIndexes {
			require.Greater(t, idx, i, "children follow their parent")
			require.Less(t, idx, len(cdt))
		}
		switch n.NodeName {
		case "BODY":
			body = &cdt[i]
		case "STYLE":
			require.Len(t, n.ChildNodeIndexes, 1)
			styleText = cdt[n.ChildNodeIndexes[0]].NodeValue
		}
	}
	require.NotNil(t, body)
	style, ok := body.Attr("style")
	assert.True(t, ok)
	assert.Equal(t, "background-image:url(body.png)", style)
	assert.Equal(t, ".hero{background:url(hero.png)}", styleText)
	assert.Equal(t, types.DoctypeNode, cdt[cdt[0].ChildNodeIndexes[0]].NodeType)
}

func TestParseSrcset(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"a.png", []string{"a.png"}},
		{"a.png 1x, b.png 2x", []string{"a.png", "b.png"}},
		{" a.png 100w,b.png 200w ", []string{"a.png", "b.png"}},
		{"a.png, b.png", []string{"a.png", "b.png"}},
		{"data:image/png;base64,AAAA 1x, b.png 2x", []string{"data:image/png;base64,AAAA", "b.png"}},
		{"", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseSrcset(tt.in), tt.in)
	}
}

func TestCaptureRecursesIntoFrames(t *testing.T) {
	srv := newSite(t)
	c := newHTTPCapturer(t, 3)

	res, err := c.Capture(context.Background(), srv.URL+"/index.html")
	require.NoError(t, err)
	assert.Empty(t, res.Screenshot)
	frame := res.Frame
	assert.Equal(t, srv.URL+"/index.html", frame.URL)

	// about:blank is skipped, frame.html is captured with its own child
	require.Len(t, frame.Frames, 1)
	child := frame.Frames[0]
	assert.Equal(t, srv.URL+"/frame.html", child.URL)
	assert.Equal(t, "frame.html", child.SrcAttr)
	assert.Equal(t, []string{srv.URL + "/shared.png"}, child.ResourceURLs)

	require.Len(t, child.Frames, 1)
	assert.Equal(t, []string{srv.URL + "/deep.png"}, child.Frames[0].ResourceURLs)
}

func TestCaptureDepthLimit(t *testing.T) {
	srv := newSite(t)
	c := newHTTPCapturer(t, 1)

	res, err := c.Capture(context.Background(), srv.URL+"/index.html")
	require.NoError(t, err)
	require.Len(t, res.Frame.Frames, 1)
	assert.Empty(t, res.Frame.Frames[0].Frames)
}

type failingRenderer struct{}

func (failingRenderer) Render(ctx context.Context, target string) (*Page, error) {
	return nil, errors.New("browser crashed")
}

type shotRenderer struct{ png []byte }

func (r shotRenderer) Render(ctx context.Context, target string) (*Page, error) {
	return &Page{URL: target, FinalURL: target, HTML: []byte("<html></html>"), Screenshot: r.png}, nil
}

func TestCaptureProcessesScreenshot(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 10, 4))))

	c := New(shotRenderer{png: buf.Bytes()}, 0, nil)
	c.SetScreenshotPipeline(screenshot.NewPipeline(screenshot.Cut{Top: 1}, screenshot.Rotate{Degrees: 90}))
	res, err := c.Capture(context.Background(), "https://site.test/")
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(res.Screenshot))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 10), img.Bounds())
}

func TestCaptureRenderFailure(t *testing.T) {
	c := New(failingRenderer{}, 1, nil)
	_, err := c.Capture(context.Background(), "https://site.test/")
	assert.ErrorContains(t, err, "browser crashed")
}

func TestHTTPRendererPropagatesStatus(t *testing.T) {
	srv := newSite(t)
	c := newHTTPCapturer(t, 0)
	_, err := c.Capture(context.Background(), srv.URL+"/missing.html")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, fetcher.StatusCode(err))
}

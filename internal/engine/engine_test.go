package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visualgrid/internal/config"
	"visualgrid/pkg/types"
)

func newSite(t *testing.T, hits *int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		switch r.URL.Path {
		case "/robots.txt":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
		case "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<html><head><link rel="stylesheet" href="site.css"></head>` +
				`<body><img src="private/secret.png"></body></html>`))
		case "/site.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte(`body{background:url(bg.png)}`))
		case "/bg.png", "/private/secret.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = filepath.Join(t.TempDir(), "resources.db")
	cfg.Store.Upload = true
	require.NoError(t, cfg.Validate())
	return cfg
}

func newEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, e.Close()) })
	return e
}

func TestResolveSnapshotUploadsOnce(t *testing.T) {
	var hits int64
	srv := newSite(t, &hits)
	e := newEngine(t, testConfig(t))

	frame := types.Frame{
		URL:          srv.URL + "/index.html",
		CDT:          []types.CDTNode{{NodeType: types.DocumentNode}},
		ResourceURLs: []string{"site.css"},
	}
	first, err := e.ResolveSnapshot(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, first.AllResources, 2)
	for _, res := range first.Unique() {
		assert.True(t, first.Known(res.Hash()), "uploaded resources are known")
	}
	fetched := atomic.LoadInt64(&hits)

	second, err := e.ResolveSnapshot(context.Background(), frame)
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt64(&hits), fetched, "each check starts with an empty cache")
	for _, res := range second.Unique() {
		assert.True(t, second.Known(res.Hash()), "content is already in the store")
	}
	assert.NotEqual(t, first.RenderID, second.RenderID)
}

func TestSessionReuseIsExplicit(t *testing.T) {
	var hits int64
	srv := newSite(t, &hits)
	e := newEngine(t, testConfig(t))

	frame := types.Frame{
		URL:          srv.URL + "/index.html",
		CDT:          []types.CDTNode{{NodeType: types.DocumentNode}},
		ResourceURLs: []string{"site.css"},
	}
	sess, err := e.NewSession()
	require.NoError(t, err)
	_, err = e.ResolveSnapshotIn(context.Background(), sess, frame)
	require.NoError(t, err)
	fetched := atomic.LoadInt64(&hits)

	_, err = e.ResolveSnapshotIn(context.Background(), sess, frame)
	require.NoError(t, err)
	assert.Equal(t, fetched, atomic.LoadInt64(&hits), "a shared session serves resources from its cache")
}

func TestUnrelatedChecksDoNotShareFailures(t *testing.T) {
	var ready atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/logo.png" || !ready.Load() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("logo"))
	}))
	t.Cleanup(srv.Close)
	e := newEngine(t, testConfig(t))

	frame := types.Frame{
		URL:          srv.URL + "/",
		CDT:          []types.CDTNode{{NodeType: types.DocumentNode}},
		ResourceURLs: []string{"logo.png"},
	}
	first, err := e.ResolveSnapshot(context.Background(), frame)
	require.NoError(t, err)
	logo := srv.URL + "/logo.png"
	require.True(t, first.AllResources[logo].Failed())
	assert.Equal(t, http.StatusNotFound, first.AllResources[logo].StatusCode)

	ready.Store(true)
	second, err := e.ResolveSnapshot(context.Background(), frame)
	require.NoError(t, err)
	got := second.AllResources[logo]
	require.False(t, got.Failed(), "the second check fetches the resource again")
	assert.Equal(t, []byte("logo"), got.Content)
}

func TestResolveSnapshotRequiresURL(t *testing.T) {
	e := newEngine(t, testConfig(t))
	_, err := e.ResolveSnapshot(context.Background(), types.Frame{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCaptureAndResolveHonoursRobots(t *testing.T) {
	var hits int64
	srv := newSite(t, &hits)
	cfg := testConfig(t)
	cfg.Fetch.RespectRobots = true
	e := newEngine(t, cfg)

	got, err := e.CaptureAndResolve(context.Background(), srv.URL+"/index.html")
	require.NoError(t, err)
	all := got.Bundle.AllResources

	assert.False(t, all[srv.URL+"/site.css"].Failed())
	assert.False(t, all[srv.URL+"/bg.png"].Failed())
	secret := all[srv.URL+"/private/secret.png"]
	require.NotNil(t, secret)
	assert.True(t, secret.Failed(), "robots.txt disallows the private path")
	assert.Empty(t, got.Screenshot)
}

func TestCaptureAndResolveRejectsBadURL(t *testing.T) {
	e := newEngine(t, testConfig(t))
	_, err := e.CaptureAndResolve(context.Background(), "ftp://example.test/")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.CaptureAndResolve(context.Background(), "/relative")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBuildLogger(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "warning", "error"} {
		_, err := BuildLogger(config.LoggingConfig{Level: level})
		assert.NoError(t, err, level)
	}
	_, err := BuildLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

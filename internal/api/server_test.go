package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visualgrid/internal/config"
	"visualgrid/internal/engine"
	"visualgrid/internal/rgrid"
	"visualgrid/pkg/types"
)

type fakeEngine struct {
	err  error
	shot []byte
}

func (f *fakeEngine) ResolveSnapshot(ctx context.Context, frame types.Frame) (*rgrid.Bundle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return rgrid.NewBundle(&rgrid.Dom{URL: frame.URL, CDT: frame.CDT}, nil), nil
}

func (f *fakeEngine) CaptureAndResolve(ctx context.Context, target string) (*engine.Capture, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &engine.Capture{
		Bundle:     rgrid.NewBundle(&rgrid.Dom{URL: target}, nil),
		Screenshot: f.shot,
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServerHandlers(t *testing.T) {
	server := NewServer(&fakeEngine{}, discardLogger())

	assertRoute(t, server, http.MethodGet, "/health", "", http.StatusOK, "application/json")
	assertRoute(t, server, http.MethodGet, "/openapi.yaml", "", http.StatusOK, "application/yaml")
	assertRoute(t, server, http.MethodGet, "/docs", "", http.StatusOK, "text/html; charset=utf-8")

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/docs", nil))
	assert.Contains(t, rr.Body.String(), "Visual Grid Resources API")
	rr = httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	assert.Contains(t, rr.Body.String(), "/api/resources/resolve")
	assertRoute(t, server, http.MethodPost, "/api/resources/resolve", `{"url":"https://example.test/"}`, http.StatusOK, "application/json")
	assertRoute(t, server, http.MethodPost, "/api/resources/capture", `{"url":"https://example.test/"}`, http.StatusOK, "application/json")
}

func TestServerMethodChecks(t *testing.T) {
	server := NewServer(&fakeEngine{}, discardLogger())

	for path, method := range map[string]string{
		"/health":                http.MethodPost,
		"/api/resources/resolve": http.MethodGet,
		"/api/resources/capture": http.MethodPut,
	} {
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code, path)
		assert.NotEmpty(t, rr.Header().Get("Allow"), path)
	}
}

func TestServerErrorStatus(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "bad json", body: `{`, want: http.StatusBadRequest},
		{name: "invalid input", body: `{}`, err: fmt.Errorf("%w: snapshot url is required", engine.ErrInvalidInput), want: http.StatusBadRequest},
		{name: "cancelled", body: `{}`, err: fmt.Errorf("wait: %w", context.Canceled), want: http.StatusServiceUnavailable},
		{name: "internal", body: `{}`, err: fmt.Errorf("upload resources: disk full"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := NewServer(&fakeEngine{err: tc.err}, discardLogger())
			rr := httptest.NewRecorder()
			server.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/resources/resolve", strings.NewReader(tc.body)))
			assert.Equal(t, tc.want, rr.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestCaptureReturnsScreenshot(t *testing.T) {
	server := NewServer(&fakeEngine{shot: []byte{0x89, 'P', 'N', 'G'}}, discardLogger())
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/resources/capture", strings.NewReader(`{"url":" https://example.test/ "}`)))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Bundle struct {
			RenderID string `json:"renderId"`
		} `json:"bundle"`
		Screenshot []byte `json:"screenshot"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Bundle.RenderID)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, body.Screenshot)
}

func TestResolveEndToEnd(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, `@font-face{src:url(f.woff2)}`)
		case "/f.woff2":
			w.Header().Set("Content-Type", "font/woff2")
			_, _ = io.WriteString(w, "wOF2")
		default:
			http.NotFound(w, r)
		}
	}))
	defer site.Close()

	cfg := config.Default()
	cfg.Logging.Level = "error"
	e, err := engine.NewEngine(context.Background(), cfg)
	require.NoError(t, err)
	defer e.Close()

	api := httptest.NewServer(NewServer(e, discardLogger()))
	defer api.Close()

	frame := types.Frame{
		URL:          site.URL + "/",
		CDT:          []types.CDTNode{{NodeType: types.DocumentNode}},
		ResourceURLs: []string{"a.css", "missing.png"},
	}
	payload, err := json.Marshal(frame)
	require.NoError(t, err)
	resp, err := http.Post(api.URL+"/api/resources/resolve", "application/json", strings.NewReader(string(payload)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		RenderID string `json:"renderId"`
		Dom      struct {
			Resources map[string]map[string]any `json:"resources"`
		} `json:"rGridDom"`
		AllResources map[string]map[string]any `json:"allResources"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.RenderID)
	assert.Len(t, body.AllResources, 3)
	assert.Contains(t, body.AllResources, site.URL+"/f.woff2")
	assert.EqualValues(t, 404, body.Dom.Resources[site.URL+"/missing.png"]["errorStatusCode"])
}

func TestResolveAcceptsPlainTextContents(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/x.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "png")
	}))
	defer site.Close()

	cfg := config.Default()
	cfg.Logging.Level = "error"
	e, err := engine.NewEngine(context.Background(), cfg)
	require.NoError(t, err)
	defer e.Close()
	server := NewServer(e, discardLogger())

	body := fmt.Sprintf(`{
		"url": %q,
		"cdt": [{"nodeType": 9}],
		"resourceUrls": [],
		"resourceContents": {
			%q: {"type": "text/css", "value": "body{background:url(x.png)}"}
		}
	}`, site.URL+"/", site.URL+"/inline.css")
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/resources/resolve", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var got struct {
		AllResources map[string]map[string]any `json:"allResources"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Contains(t, got.AllResources, site.URL+"/inline.css")
	require.Contains(t, got.AllResources, site.URL+"/x.png")
	assert.Nil(t, got.AllResources[site.URL+"/x.png"]["errorStatusCode"])
}

func assertRoute(t *testing.T, h http.Handler, method, path, body string, wantStatus int, wantContentType string) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d (body=%s)", method, path, wantStatus, rr.Code, rr.Body.String())
	}
	if wantContentType != "" {
		if got := rr.Header().Get("Content-Type"); got != wantContentType {
			t.Fatalf("%s %s: expected content-type %s, got %s", method, path, wantContentType, got)
		}
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("%s %s: expected non-empty body", method, path)
	}
}

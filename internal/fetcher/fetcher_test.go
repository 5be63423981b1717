package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visualgrid/internal/rgrid"
	"visualgrid/pkg/types"
)

func newTestFetcher(t *testing.T, opts Options) *HTTPFetcher {
	t.Helper()
	f, err := NewHTTPFetcher(opts)
	require.NoError(t, err)
	return f
}

func TestFetchUsesContentTypeHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		_, _ = w.Write([]byte("body{}"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	res, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/x"})
	require.NoError(t, err)
	assert.Equal(t, "text/css; charset=utf-8", res.ContentType)
	assert.Equal(t, rgrid.KindCSS, res.Kind)
	assert.Equal(t, []byte("body{}"), res.Content)
	assert.Equal(t, rgrid.HashContent([]byte("body{}")), res.Hash())
}

func TestFetchInfersContentTypeFromExtension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte("a{}"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	res, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/static/site.css?v=2"})
	require.NoError(t, err)
	assert.Equal(t, "text/css", res.ContentType)
	assert.True(t, res.IsCSS())
}

func TestFetchNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.png":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/missing.png"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatus)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
	assert.False(t, IsTemporary(err))

	_, err = f.Fetch(context.Background(), Request{URL: srv.URL + "/flaky.png"})
	require.Error(t, err)
	assert.True(t, IsTemporary(err))
}

func TestFetchDecodesCompressedBodies(t *testing.T) {
	payload := []byte(strings.Repeat("compressed ", 50))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		switch r.URL.Path {
		case "/gz":
			w.Header().Set("Content-Encoding", "gzip")
			zw := gzip.NewWriter(&buf)
			_, _ = zw.Write(payload)
			_ = zw.Close()
		case "/br":
			w.Header().Set("Content-Encoding", "br")
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write(payload)
			_ = bw.Close()
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	for _, p := range []string{"/gz", "/br"} {
		res, err := f.Fetch(context.Background(), Request{URL: srv.URL + p})
		require.NoError(t, err, p)
		assert.Equal(t, payload, res.Content, p)
	}
}

func TestFetchSendsHeadersAndCookies(t *testing.T) {
	var gotUA, gotHeader, gotSession, gotOther string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		gotHeader = r.Header.Get("X-Eyes")
		if c, err := r.Cookie("session"); err == nil {
			gotSession = c.Value
		}
		if c, err := r.Cookie("other"); err == nil {
			gotOther = c.Value
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{
		UserAgent: "eyes-test",
		Headers:   map[string]string{"X-Eyes": "1"},
		Cookies:   []types.Cookie{{Name: "session", Value: "abc", Domain: "127.0.0.1"}},
	})
	_, err := f.Fetch(context.Background(), Request{
		URL:     srv.URL + "/a.png",
		Cookies: []types.Cookie{{Name: "other", Value: "x", Domain: "elsewhere.test"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "eyes-test", gotUA)
	assert.Equal(t, "1", gotHeader)
	assert.Equal(t, "abc", gotSession)
	assert.Empty(t, gotOther, "cookie for another domain must not be sent")
}

func TestFetchBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxBodyBytes: 16})
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/big.bin"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.False(t, IsTemporary(err))
}

func TestFetchNetworkFailureIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	f := newTestFetcher(t, Options{})
	_, err := f.Fetch(context.Background(), Request{URL: addr + "/gone.png"})
	require.Error(t, err)
	assert.True(t, IsTemporary(err))
}

type denyAll struct{ calls atomic.Int32 }

func (d *denyAll) Allowed(ctx context.Context, target *url.URL) bool {
	d.calls.Add(1)
	return false
}

func TestFetchPolicyBlocks(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	policy := &denyAll{}
	f := newTestFetcher(t, Options{Policy: policy})
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/a.png"})
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, int32(1), policy.calls.Load())
	assert.Zero(t, hits.Load())
}

func TestFetchDataURL(t *testing.T) {
	f := newTestFetcher(t, Options{})

	res, err := f.Fetch(context.Background(), Request{URL: "data:image/png;base64,aGVsbG8="})
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Equal(t, []byte("hello"), res.Content)

	res, err = f.Fetch(context.Background(), Request{URL: "data:,a%20b"})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", res.ContentType)
	assert.Equal(t, []byte("a b"), res.Content)

	_, err = f.Fetch(context.Background(), Request{URL: "data:image/png;base64"})
	assert.ErrorIs(t, err, ErrMalformedDataURL)
}

func TestFetchRejectsOtherSchemes(t *testing.T) {
	f := newTestFetcher(t, Options{})
	_, err := f.Fetch(context.Background(), Request{URL: "ftp://example.com/a.png"})
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestErrorTemporaryClassification(t *testing.T) {
	cases := []struct {
		err  *Error
		want bool
	}{
		{&Error{StatusCode: 503, Err: ErrStatus}, true},
		{&Error{StatusCode: 429, Err: ErrStatus}, true},
		{&Error{StatusCode: 403, Err: ErrStatus}, false},
		{&Error{Err: context.Canceled}, false},
		{&Error{Err: errors.New("connection reset")}, true},
		{&Error{Err: ErrBlocked}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.Temporary(), tc.err.Error())
	}
}

func TestHostLimiterDisabledByDefault(t *testing.T) {
	l := NewHostLimiter(RateLimiterSettings{})
	require.NoError(t, l.Wait(context.Background(), "example.com"))

	var nilLimiter *HostLimiter
	require.NoError(t, nilLimiter.Wait(context.Background(), "example.com"))
}

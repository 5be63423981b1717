package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"visualgrid/internal/rgrid"
	"visualgrid/pkg/types"
)

// Fetcher retrieves a single resource. Implementations make exactly one
// attempt per call; retrying is the caller's decision.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*rgrid.Resource, error)
}

// Policy decides whether a URL may be requested at all.
type Policy interface {
	Allowed(ctx context.Context, target *url.URL) bool
}

// Request describes one resource fetch.
type Request struct {
	URL     string
	Cookies []types.Cookie
	Headers map[string]string
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent       string
	Headers         map[string]string
	Cookies         []types.Cookie
	Timeout         time.Duration
	MaxBodyBytes    int64
	ProxyURL        string
	MaxConnsPerHost int
	RateLimit       RateLimiterSettings
	Policy          Policy
	Logger          *slog.Logger
}

// HTTPFetcher implements Fetcher via the Go http.Client.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	extraHeaders map[string]string
	cookies      []types.Cookie
	maxBodyBytes int64
	limiter      *HostLimiter
	policy       Policy
	logger       *slog.Logger
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 25 * 1024 * 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
	}

	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPFetcher{
		client:       &http.Client{Timeout: opts.Timeout, Transport: transport},
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
		cookies:      append([]types.Cookie(nil), opts.Cookies...),
		maxBodyBytes: opts.MaxBodyBytes,
		limiter:      NewHostLimiter(opts.RateLimit),
		policy:       opts.Policy,
		logger:       opts.Logger,
	}, nil
}

// Fetch downloads a single resource. data: URLs are decoded without I/O.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*rgrid.Resource, error) {
	if rgrid.IsDataURL(req.URL) {
		return decodeDataURL(req.URL)
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, &Error{URL: req.URL, Err: fmt.Errorf("parse url: %w", err)}
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, &Error{URL: req.URL, Err: fmt.Errorf("%w: %q", ErrUnsupportedScheme, target.Scheme)}
	}
	if f.policy != nil && !f.policy.Allowed(ctx, target) {
		return nil, &Error{URL: req.URL, Err: ErrBlocked}
	}
	if err := f.limiter.Wait(ctx, target.Hostname()); err != nil {
		return nil, &Error{URL: req.URL, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &Error{URL: req.URL, Err: fmt.Errorf("build request: %w", err)}
	}
	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range f.extraHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for _, c := range matchingCookies(target, f.cookies, req.Cookies) {
		httpReq.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &Error{URL: req.URL, Err: fmt.Errorf("http fetch failed: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		return nil, &Error{URL: req.URL, StatusCode: resp.StatusCode, Err: ErrStatus}
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, &Error{URL: req.URL, Err: err}
	}

	f.logger.Debug("resource fetched",
		"url", req.URL,
		"status", resp.StatusCode,
		"bytes", len(body),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return rgrid.NewResource(req.URL, resp.Header.Get("Content-Type"), body), nil
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, f.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, f.maxBodyBytes)
	}
	return body, nil
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt fetches).
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}

// SetPolicy installs the request policy. It must be called before the
// fetcher is shared between goroutines.
func (f *HTTPFetcher) SetPolicy(p Policy) {
	f.policy = p
}

func matchingCookies(target *url.URL, sets ...[]types.Cookie) []types.Cookie {
	host := strings.ToLower(target.Hostname())
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	var out []types.Cookie
	for _, set := range sets {
		for _, c := range set {
			if c.Domain != "" {
				domain := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
				if host != domain && !strings.HasSuffix(host, "."+domain) {
					continue
				}
			}
			if c.Path != "" && !strings.HasPrefix(path, c.Path) {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"visualgrid/internal/fetcher"
	"visualgrid/pkg/types"
)

// Page is the markup of one loaded document.
type Page struct {
	URL      string
	FinalURL string
	HTML     []byte

	// Screenshot is a full-page PNG when the renderer takes one.
	Screenshot []byte
}

// Renderer loads a document and returns its markup.
type Renderer interface {
	Render(ctx context.Context, target string) (*Page, error)
}

// HTTPRenderer returns the served markup as is, without running scripts.
type HTTPRenderer struct {
	fetcher fetcher.Fetcher
	cookies []types.Cookie
}

// NewHTTPRenderer renders pages through f.
func NewHTTPRenderer(f fetcher.Fetcher, cookies []types.Cookie) *HTTPRenderer {
	return &HTTPRenderer{fetcher: f, cookies: cookies}
}

// Render fetches target once.
func (r *HTTPRenderer) Render(ctx context.Context, target string) (*Page, error) {
	res, err := r.fetcher.Fetch(ctx, fetcher.Request{URL: target, Cookies: r.cookies})
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	return &Page{URL: target, FinalURL: target, HTML: res.Content}, nil
}

// RenderOptions configures the headless browser.
type RenderOptions struct {
	Timeout            time.Duration
	WaitForSelector    string
	WaitForDOMReady    bool
	UserAgent          string
	Headers            map[string]string
	Cookies            []types.Cookie
	MaxBodyBytes       int64
	DisableHeadless    bool
	ConcurrentSessions int
	CaptureDelay       time.Duration
	Screenshot         bool
	Logger             *slog.Logger
}

// ChromedpRenderer executes headless Chrome sessions using chromedp.
type ChromedpRenderer struct {
	opts      RenderOptions
	semaphore chan struct{}
	logger    *slog.Logger
}

// NewChromedpRenderer constructs a renderer with bounded concurrency.
func NewChromedpRenderer(opts RenderOptions) *ChromedpRenderer {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 25 * 1024 * 1024
	}
	if opts.ConcurrentSessions <= 0 {
		opts.ConcurrentSessions = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ChromedpRenderer{
		opts:      opts,
		semaphore: make(chan struct{}, opts.ConcurrentSessions),
		logger:    opts.Logger,
	}
}

// Render navigates to target and exports the final DOM outer HTML.
func (r *ChromedpRenderer) Render(parentCtx context.Context, target string) (*Page, error) {
	logger := r.logger.With(
		"url", target,
		"timeout", r.opts.Timeout.String(),
		"wait_for_selector", strings.TrimSpace(r.opts.WaitForSelector),
	)

	select {
	case r.semaphore <- struct{}{}:
		defer func() { <-r.semaphore }()
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}

	ctx, cancel := context.WithTimeout(parentCtx, r.opts.Timeout)
	defer cancel()

	execOpts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", !r.opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	}
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		execOpts = append(execOpts, chromedp.UserAgent(ua))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, execOpts...)
	defer allocCancel()

	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)
	defer chromeCancel()

	start := time.Now()
	var html, finalURL string
	var shot []byte

	actions := []chromedp.Action{network.Enable()}
	if len(r.opts.Headers) > 0 {
		headers := make(network.Headers, len(r.opts.Headers))
		for k, v := range r.opts.Headers {
			headers[k] = v
		}
		actions = append(actions, network.SetExtraHTTPHeaders(headers))
	}
	if len(r.opts.Cookies) > 0 {
		actions = append(actions, setCookies(target, r.opts.Cookies))
	}
	actions = append(actions, chromedp.Navigate(target))

	waitMode := "delay"
	switch {
	case r.opts.WaitForDOMReady:
		waitMode = "dom_ready"
		actions = append(actions, waitForDocumentReady(logger), chromedp.Sleep(250*time.Millisecond))
	case strings.TrimSpace(r.opts.WaitForSelector) != "":
		waitMode = "selector"
		actions = append(actions,
			chromedp.WaitReady(strings.TrimSpace(r.opts.WaitForSelector), chromedp.ByQuery),
			chromedp.Sleep(250*time.Millisecond),
		)
	default:
		delay := r.opts.CaptureDelay
		if delay <= 0 {
			delay = 1500 * time.Millisecond
		}
		actions = append(actions, chromedp.Sleep(delay))
	}
	logger.Debug("chromedp starting render", "wait_mode", waitMode)
	actions = append(actions,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	)
	if r.opts.Screenshot {
		actions = append(actions, chromedp.FullScreenshot(&shot, 100))
	}

	if err := chromedp.Run(chromeCtx, actions...); err != nil {
		logger.Error("chromedp run failed", "error", err)
		return nil, fmt.Errorf("chromedp run: %w", err)
	}

	if int64(len(html)) > r.opts.MaxBodyBytes {
		html = html[:r.opts.MaxBodyBytes]
	}
	if finalURL == "" {
		finalURL = target
	}

	logger.Debug("chromedp render complete",
		"latency_ms", time.Since(start).Milliseconds(),
		"final_url", finalURL,
		"html_bytes", len(html),
		"screenshot_bytes", len(shot),
	)
	return &Page{URL: target, FinalURL: finalURL, HTML: []byte(html), Screenshot: shot}, nil
}

func setCookies(target string, cookies []types.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			params := network.SetCookie(c.Name, c.Value)
			if c.Domain != "" {
				params = params.WithDomain(c.Domain)
			} else {
				params = params.WithURL(target)
			}
			if c.Path != "" {
				params = params.WithPath(c.Path)
			}
			if err := params.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

func waitForDocumentReady(logger *slog.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx); err != nil {
				logger.Warn("waitForDocumentReady evaluate failed", "error", err)
				return err
			}
			if readyState == "complete" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				logger.Warn("waitForDocumentReady cancelled", "error", ctx.Err())
				return ctx.Err()
			}
		}
	})
}

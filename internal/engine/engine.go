// Package engine wires configuration into a ready-to-use resolution engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"visualgrid/internal/capture"
	"visualgrid/internal/config"
	"visualgrid/internal/fetcher"
	"visualgrid/internal/resolver"
	"visualgrid/internal/rgrid"
	robotsclient "visualgrid/internal/robots"
	"visualgrid/internal/screenshot"
	"visualgrid/internal/store"
	"visualgrid/pkg/types"
)

// ErrInvalidInput reports a request the engine refuses before doing any work.
var ErrInvalidInput = errors.New("invalid input")

// Engine resolves captured pages into render bundles.
type Engine struct {
	cfg      config.Config
	logger   *slog.Logger
	fetcher  *fetcher.HTTPFetcher
	resolver *resolver.Resolver
	store    store.Store
	capturer *capture.Capturer

	closers   []func() error
	closeOnce sync.Once
}

// Capture is the outcome of capturing and resolving a live page.
type Capture struct {
	Bundle     *rgrid.Bundle
	Screenshot []byte
}

// NewEngine builds an engine from configuration.
func NewEngine(ctx context.Context, cfg config.Config) (*Engine, error) {
	logger, err := BuildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:       cfg.Fetch.UserAgent,
		Headers:         cfg.Fetch.Headers,
		Cookies:         cfg.Fetch.Cookies,
		Timeout:         cfg.Fetch.Timeout.Duration,
		MaxBodyBytes:    cfg.Fetch.MaxBodyBytes,
		ProxyURL:        cfg.Fetch.ProxyURL,
		MaxConnsPerHost: cfg.Fetch.MaxConnsPerHost,
		RateLimit: fetcher.RateLimiterSettings{
			Requests: cfg.Fetch.RateLimitPerHost.Requests,
			Window:   cfg.Fetch.RateLimitPerHost.Window.Duration,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("http fetcher: %w", err)
	}
	if cfg.Fetch.RespectRobots {
		agent := robotsclient.NewAgent(httpFetcher.Client(), cfg.Fetch.UserAgent, cfg.Fetch.RobotsCacheTTL.Duration, logger)
		httpFetcher.SetPolicy(agent)
	}

	res := resolver.New(httpFetcher, resolver.Options{
		MaxRetries: cfg.Fetch.MaxRetries,
		RetryDelay: cfg.Fetch.RetryDelay.Duration,
		Logger:     logger,
	})

	var renderer capture.Renderer
	switch strings.ToLower(cfg.Capture.Mode) {
	case "chromedp", "chrome":
		renderer = capture.NewChromedpRenderer(capture.RenderOptions{
			Timeout:         cfg.Capture.Timeout.Duration,
			WaitForSelector: cfg.Capture.WaitForSelector,
			UserAgent:       cfg.Fetch.UserAgent,
			Headers:         cfg.Fetch.Headers,
			Cookies:         cfg.Fetch.Cookies,
			MaxBodyBytes:    cfg.Fetch.MaxBodyBytes,
			DisableHeadless: cfg.Capture.DisableHeadless,
			CaptureDelay:    cfg.Capture.CaptureDelay.Duration,
			Screenshot:      cfg.Capture.Screenshot.Enabled,
			Logger:          logger,
		})
	case "http", "":
		renderer = capture.NewHTTPRenderer(httpFetcher, cfg.Fetch.Cookies)
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Capture.Mode)
	}
	capturer := capture.New(renderer, cfg.Capture.MaxFrameDepth, logger)
	capturer.SetScreenshotPipeline(screenshot.FromConfig(cfg.Capture.Screenshot))

	var closers []func() error
	blobs, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("resource store: %w", err)
	}
	if blobs != nil {
		closers = append(closers, blobs.Close)
	}

	logger.Info("engine ready",
		"capture_mode", cfg.Capture.Mode,
		"store_driver", cfg.Store.Driver,
		"respect_robots", cfg.Fetch.RespectRobots,
		"max_retries", cfg.Fetch.MaxRetries,
	)
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		fetcher:  httpFetcher,
		resolver: res,
		store:    blobs,
		capturer: capturer,
		closers:  closers,
	}, nil
}

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// NewSession creates an empty cache session. Pass it to ResolveSnapshotIn to
// keep resources warm across the steps of one check.
func (e *Engine) NewSession() (*resolver.Session, error) {
	return resolver.NewSession(e.cfg.Cache.MaxEntries)
}

// ResolveSnapshot resolves a captured frame tree as a check of its own: it
// gets a fresh session that is dropped when the call returns.
func (e *Engine) ResolveSnapshot(ctx context.Context, frame types.Frame) (*rgrid.Bundle, error) {
	sess, err := e.NewSession()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return e.ResolveSnapshotIn(ctx, sess, frame)
}

// ResolveSnapshotIn resolves frame using sess for caching. Resources already
// resolved in sess, failures included, are not fetched again.
func (e *Engine) ResolveSnapshotIn(ctx context.Context, sess *resolver.Session, frame types.Frame) (*rgrid.Bundle, error) {
	if strings.TrimSpace(frame.URL) == "" {
		return nil, fmt.Errorf("%w: snapshot url is required", ErrInvalidInput)
	}
	start := time.Now()
	bundle, err := e.resolver.CreateDOMAndMapping(ctx, sess, frame)
	if err != nil {
		return nil, err
	}

	known, err := store.MarkKnown(ctx, e.store, bundle)
	if err != nil {
		return nil, fmt.Errorf("check stored resources: %w", err)
	}
	uploaded := 0
	if e.cfg.Store.Upload {
		uploaded, err = store.Upload(ctx, e.store, bundle)
		if err != nil {
			return nil, fmt.Errorf("upload resources: %w", err)
		}
	}

	e.logger.Info("snapshot resolved",
		"url", frame.URL,
		"render_id", bundle.RenderID,
		"resources", len(bundle.AllResources),
		"failed", len(bundle.AllResources.Failed()),
		"known", known,
		"uploaded", uploaded,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return bundle, nil
}

// CaptureAndResolve snapshots target and resolves the capture.
func (e *Engine) CaptureAndResolve(ctx context.Context, target string) (*Capture, error) {
	if _, ok := rgrid.Resolve("", target); !ok || !rgrid.Fetchable(target) {
		return nil, fmt.Errorf("%w: capture url %q", ErrInvalidInput, target)
	}
	res, err := e.capturer.Capture(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	bundle, err := e.ResolveSnapshot(ctx, res.Frame)
	if err != nil {
		return nil, err
	}
	return &Capture{Bundle: bundle, Screenshot: res.Screenshot}, nil
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

// BuildLogger creates the process logger from configuration.
func BuildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}

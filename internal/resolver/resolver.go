package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"visualgrid/internal/css"
	"visualgrid/internal/fetcher"
	"visualgrid/internal/rgrid"
	"visualgrid/pkg/types"
)

// ErrOrchestration marks a failure of the resolution machinery itself, as
// opposed to a resource that could not be fetched.
var ErrOrchestration = errors.New("resource resolution failed")

// Options tunes the retry policy applied to temporary fetch failures.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Resolver computes resource closures for captured documents.
type Resolver struct {
	fetcher    fetcher.Fetcher
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// New builds a resolver on top of f.
func New(f fetcher.Fetcher, opts Options) *Resolver {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		fetcher:    f,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger,
	}
}

// Input describes one document whose resources must be resolved.
type Input struct {
	// BaseURL is the document URL; relative references resolve against it.
	BaseURL string
	// ResourceURLs are referenced directly by the document.
	ResourceURLs []string
	// ResourceContents were captured client-side and need no fetch.
	ResourceContents map[string]types.ResourceContent
	// CDT is scanned for style attributes and <style> text.
	CDT []types.CDTNode
}

// Stats counts how the URLs of one closure were satisfied.
type Stats struct {
	Supplied int64
	Cached   int64
	Fetched  int64
	Failed   int64
}

// GetAllResources returns the closure of every resource needed to render
// the document: the direct references, CSS-nested references of fetched and
// supplied stylesheets, transitively. Fetch failures become placeholders in
// the map. Only a cancelled context or an internal failure returns an error.
func (r *Resolver) GetAllResources(ctx context.Context, sess *Session, in Input) (rgrid.ResourceMap, error) {
	out, _, err := r.getAllResources(ctx, sess, in)
	return out, err
}

func (r *Resolver) getAllResources(ctx context.Context, sess *Session, in Input) (rgrid.ResourceMap, *Stats, error) {
	if sess == nil {
		return nil, nil, fmt.Errorf("%w: nil session", ErrOrchestration)
	}
	w := &walker{
		r:       r,
		sess:    sess,
		ctx:     ctx,
		out:     make(rgrid.ResourceMap),
		visited: make(map[string]struct{}),
		stats:   &Stats{},
	}

	// supplied contents are claimed first so they are never fetched
	var suppliedDeps []string
	for raw, content := range in.ResourceContents {
		key, ok := rgrid.Resolve(in.BaseURL, raw)
		if !ok {
			key = strings.TrimSpace(raw)
		}
		if key == "" {
			continue
		}
		res := rgrid.NewResource(key, content.Type, content.Value)
		w.visited[key] = struct{}{}
		w.out[key] = res
		w.stats.Supplied++
		if res.IsCSS() {
			suppliedDeps = append(suppliedDeps, css.ExtractURLs(string(res.Content), key)...)
		}
	}

	for _, raw := range in.ResourceURLs {
		if u, ok := rgrid.Resolve(in.BaseURL, raw); ok {
			w.visit(u)
		}
	}
	for _, u := range suppliedDeps {
		w.visit(u)
	}
	for _, u := range cdtURLs(in.CDT, in.BaseURL) {
		w.visit(u)
	}

	w.wg.Wait()
	if w.err != nil {
		return nil, nil, w.err
	}

	r.logger.Debug("resource closure resolved",
		"base_url", in.BaseURL,
		"resources", len(w.out),
		"supplied", w.stats.Supplied,
		"cached", w.stats.Cached,
		"fetched", w.stats.Fetched,
		"failed", w.stats.Failed,
	)
	return w.out, w.stats, nil
}

// walker expands one closure. Every URL is marked visited before its
// goroutine starts, so a cycle ends at the already visited URL.
type walker struct {
	r    *Resolver
	sess *Session
	ctx  context.Context

	mu      sync.Mutex
	out     rgrid.ResourceMap
	visited map[string]struct{}
	stats   *Stats
	err     error

	wg sync.WaitGroup
}

func (w *walker) visit(u string) {
	if !rgrid.Fetchable(u) {
		return
	}
	w.mu.Lock()
	if _, seen := w.visited[u]; seen || w.err != nil {
		w.mu.Unlock()
		return
	}
	w.visited[u] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				w.fail(fmt.Errorf("%w: %s: panic: %v", ErrOrchestration, u, rec))
			}
		}()

		p, err := w.r.process(w.ctx, w.sess, u, w.stats)
		if err != nil {
			w.fail(err)
			return
		}
		if p.res.Failed() {
			atomic.AddInt64(&w.stats.Failed, 1)
		}
		w.mu.Lock()
		w.out[u] = p.res
		w.mu.Unlock()

		for _, dep := range p.deps {
			w.visit(dep)
		}
	}()
}

func (w *walker) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}

// process returns the processed form of u, doing the work at most once per
// session. The owner runs the fetch detached from ctx so an abandoned
// caller never leaves a cancellation result behind in the cache.
func (r *Resolver) process(ctx context.Context, sess *Session, u string, stats *Stats) (processed, error) {
	entry, claimed := sess.processed.Claim(u)
	if claimed {
		atomic.AddInt64(&stats.Fetched, 1)
		go r.fill(context.WithoutCancel(ctx), sess, u)
	} else {
		atomic.AddInt64(&stats.Cached, 1)
	}
	p, err := entry.Wait(ctx)
	if err != nil {
		return processed{}, fmt.Errorf("%w: waiting for %s: %w", ErrOrchestration, u, err)
	}
	return p, nil
}

func (r *Resolver) fill(ctx context.Context, sess *Session, u string) {
	var p processed
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("%w: %s: panic: %v", ErrOrchestration, u, rec)
			r.logger.Error("resource processing panicked", "url", u, "error", err)
			p = processed{res: rgrid.NewErrorResource(u, 0, err)}
		}
		if err := sess.processed.Fill(u, p); err != nil {
			r.logger.Error("processed cache fill failed", "url", u, "error", err)
		}
	}()

	res := r.raw(ctx, sess, u)
	p = processed{res: res}
	if res.IsCSS() {
		p.deps = css.ExtractURLs(string(res.Content), u)
	}
}

// raw returns the fetched resource for u through the session's raw cache.
func (r *Resolver) raw(ctx context.Context, sess *Session, u string) *rgrid.Resource {
	entry, claimed := sess.Raw.Claim(u)
	if !claimed {
		res, err := entry.Wait(ctx)
		if err != nil {
			return rgrid.NewErrorResource(u, 0, err)
		}
		return res
	}
	res := r.fetchWithRetry(ctx, sess, u)
	if err := sess.Raw.Fill(u, res); err != nil {
		r.logger.Error("raw cache fill failed", "url", u, "error", err)
	}
	return res
}

func (r *Resolver) fetchWithRetry(ctx context.Context, sess *Session, u string) *rgrid.Resource {
	logger := r.logger.With("url", u)
	for attempt := 0; ; attempt++ {
		res, err := r.fetcher.Fetch(ctx, fetcher.Request{URL: u, Cookies: sess.Cookies})
		if err == nil && res == nil {
			err = fmt.Errorf("%w: fetcher returned no resource for %s", ErrOrchestration, u)
		}
		if err == nil {
			return res
		}
		if attempt >= r.maxRetries || !fetcher.IsTemporary(err) {
			logger.Warn("resource fetch failed", "attempts", attempt+1, "error", err)
			return rgrid.NewErrorResource(u, fetcher.StatusCode(err), err)
		}
		logger.Debug("retrying resource fetch", "attempt", attempt+1, "error", err)
		if err := sleep(ctx, r.retryDelay); err != nil {
			return rgrid.NewErrorResource(u, 0, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

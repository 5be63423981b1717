package robots

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// Agent answers whether a resource URL may be fetched according to the
// origin's robots.txt. Rules are cached per origin; failures fail open.
type Agent struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	fetched time.Time
	group   *robotstxt.Group
}

// NewAgent constructs a robots agent. A nil client gets a short-timeout default.
func NewAgent(client *http.Client, userAgent string, ttl time.Duration, logger *slog.Logger) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		logger:    logger,
		cache:     make(map[string]cacheEntry),
	}
}

// Allowed reports whether the target URL is permitted.
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	if target == nil || !target.IsAbs() {
		return false
	}
	group, err := a.group(ctx, target)
	if err != nil {
		a.logger.Debug("robots lookup failed, allowing", "url", target.String(), "error", err)
		return true
	}
	if group == nil {
		return true
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	return group.Test(path)
}

func (a *Agent) group(ctx context.Context, target *url.URL) (*robotstxt.Group, error) {
	origin := strings.ToLower(target.Scheme + "://" + target.Host)

	a.mu.RLock()
	entry, ok := a.cache[origin]
	a.mu.RUnlock()
	if ok && time.Since(entry.fetched) < a.ttl {
		return entry.group, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	group := data.FindGroup(a.userAgent)

	a.mu.Lock()
	a.cache[origin] = cacheEntry{fetched: time.Now(), group: group}
	a.mu.Unlock()
	return group, nil
}

// Purge evicts cached rules for an origin such as "https://example.com".
func (a *Agent) Purge(origin string) {
	origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
	if origin == "" {
		return
	}
	a.mu.Lock()
	delete(a.cache, origin)
	a.mu.Unlock()
}

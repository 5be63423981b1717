package resolver

import (
	"fmt"

	"visualgrid/internal/cache"
	"visualgrid/internal/rgrid"
	"visualgrid/pkg/types"
)

// processed is a resource together with the absolute URLs found inside it.
type processed struct {
	res  *rgrid.Resource
	deps []string
}

// Session holds the caches of one check. It may be reused across the steps
// of the same test to keep resources warm, and is dropped afterwards.
type Session struct {
	// Raw holds fetch results keyed by URL.
	Raw *cache.ResourceCache[*rgrid.Resource]
	// Cookies are sent with every fetch made for this session.
	Cookies []types.Cookie

	processed *cache.ResourceCache[processed]
}

// NewSession creates empty raw and processed caches. maxEntries bounds how
// many resolved entries each cache retains; zero means unbounded.
func NewSession(maxEntries int, cookies ...types.Cookie) (*Session, error) {
	raw, err := cache.New[*rgrid.Resource](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("raw cache: %w", err)
	}
	proc, err := cache.New[processed](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("processed cache: %w", err)
	}
	return &Session{Raw: raw, Cookies: cookies, processed: proc}, nil
}

// Reset discards every resolved entry of both caches.
func (s *Session) Reset() {
	s.Raw.Purge()
	s.processed.Purge()
}

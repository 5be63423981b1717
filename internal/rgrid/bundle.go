package rgrid

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Bundle is the render-ready output for one captured page: the top-level
// document and every resource any of its frames needs.
type Bundle struct {
	RenderID     string
	Dom          *Dom
	AllResources ResourceMap

	mu    sync.RWMutex
	known map[string]struct{}
}

// NewBundle wraps a resolved document.
func NewBundle(dom *Dom, all ResourceMap) *Bundle {
	if all == nil {
		all = ResourceMap{}
	}
	return &Bundle{
		RenderID:     uuid.NewString(),
		Dom:          dom,
		AllResources: all,
		known:        make(map[string]struct{}),
	}
}

// MarkKnown records that the remote store already holds content with hash,
// so it is serialized as a reference only.
func (b *Bundle) MarkKnown(hash string) {
	if hash == "" {
		return
	}
	b.mu.Lock()
	b.known[hash] = struct{}{}
	b.mu.Unlock()
}

// Known reports whether content with hash is already stored remotely.
func (b *Bundle) Known(hash string) bool {
	b.mu.RLock()
	_, ok := b.known[hash]
	b.mu.RUnlock()
	return ok
}

// Unique returns one resource per distinct content hash, skipping
// placeholders, ordered by URL.
func (b *Bundle) Unique() []*Resource {
	urls := make([]string, 0, len(b.AllResources))
	for u := range b.AllResources {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	seen := make(map[string]struct{}, len(urls))
	out := make([]*Resource, 0, len(urls))
	for _, u := range urls {
		r := b.AllResources[u]
		if r.Failed() {
			continue
		}
		if _, ok := seen[r.Hash()]; ok {
			continue
		}
		seen[r.Hash()] = struct{}{}
		out = append(out, r)
	}
	return out
}

type resourceJSON struct {
	URL             string `json:"url"`
	Type            string `json:"type,omitempty"`
	HashFormat      string `json:"hashFormat,omitempty"`
	Hash            string `json:"hash,omitempty"`
	Content         []byte `json:"content,omitempty"`
	ErrorStatusCode int    `json:"errorStatusCode,omitempty"`
	Error           string `json:"error,omitempty"`
}

type bundleJSON struct {
	RenderID     string                  `json:"renderId"`
	Dom          *Dom                    `json:"rGridDom"`
	AllResources map[string]resourceJSON `json:"allResources"`
}

// MarshalJSON encodes the bundle. Content is inlined unless its hash is known.
func (b *Bundle) MarshalJSON() ([]byte, error) {
	all := make(map[string]resourceJSON, len(b.AllResources))
	for u, r := range b.AllResources {
		all[u] = b.encodeResource(u, r)
	}
	return json.Marshal(bundleJSON{RenderID: b.RenderID, Dom: b.Dom, AllResources: all})
}

func (b *Bundle) encodeResource(u string, r *Resource) resourceJSON {
	if r.Failed() {
		ref := refFor(r)
		out := resourceJSON{URL: u, ErrorStatusCode: ref.ErrorStatusCode}
		if r != nil && r.Err != nil {
			out.Error = r.Err.Error()
		}
		return out
	}
	out := resourceJSON{
		URL:        u,
		Type:       r.ContentType,
		HashFormat: HashFormat,
		Hash:       r.Hash(),
	}
	if !b.Known(r.Hash()) {
		out.Content = r.Content
		if out.Content == nil {
			out.Content = []byte{}
		}
	}
	return out
}

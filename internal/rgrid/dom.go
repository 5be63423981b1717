package rgrid

import (
	"encoding/json"
	"errors"
	"fmt"

	"visualgrid/pkg/types"
)

// ResourceMap maps absolute URLs to resources. It is always flat.
type ResourceMap map[string]*Resource

// Merge copies every entry of other into m. Entries already present are kept,
// which makes merging maps that share URLs idempotent.
func (m ResourceMap) Merge(other ResourceMap) {
	for u, r := range other {
		if _, ok := m[u]; !ok {
			m[u] = r
		}
	}
}

// Failed lists the URLs of placeholder entries.
func (m ResourceMap) Failed() []string {
	var out []string
	for u, r := range m {
		if r.Failed() {
			out = append(out, u)
		}
	}
	return out
}

// Dom is the render-grid representation of one captured document: its CDT and
// the resources reachable from it. Child frames are also registered in
// Resources under their own URL as CDT resources.
type Dom struct {
	URL       string
	CDT       []types.CDTNode
	Resources ResourceMap
	Frames    []*Dom
}

type resourceRef struct {
	HashFormat      string `json:"hashFormat,omitempty"`
	Hash            string `json:"hash,omitempty"`
	ContentType     string `json:"contentType,omitempty"`
	ErrorStatusCode int    `json:"errorStatusCode,omitempty"`
}

type domJSON struct {
	CDT       []types.CDTNode        `json:"cdt"`
	Resources map[string]resourceRef `json:"resources"`
}

// MarshalJSON encodes the document with resources as hash references.
// encoding/json sorts map keys, so the output is stable.
func (d *Dom) MarshalJSON() ([]byte, error) {
	refs := make(map[string]resourceRef, len(d.Resources))
	for u, r := range d.Resources {
		refs[u] = refFor(r)
	}
	cdt := d.CDT
	if cdt == nil {
		cdt = []types.CDTNode{}
	}
	return json.Marshal(domJSON{CDT: cdt, Resources: refs})
}

func refFor(r *Resource) resourceRef {
	if r.Failed() {
		code := 0
		if r != nil {
			code = r.StatusCode
		}
		if code == 0 {
			code = 504
		}
		return resourceRef{ErrorStatusCode: code}
	}
	return resourceRef{HashFormat: HashFormat, Hash: r.Hash(), ContentType: r.ContentType}
}

// AsResource serializes d into a CDT resource so a parent document can
// reference it by hash like any other resource.
func (d *Dom) AsResource() (*Resource, error) {
	if d == nil {
		return nil, errors.New("nil dom")
	}
	data, err := d.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("serialise dom %s: %w", d.URL, err)
	}
	return NewResource(d.URL, CDTContentType, data), nil
}

// Hash returns the content hash of the serialized document.
func (d *Dom) Hash() (string, error) {
	res, err := d.AsResource()
	if err != nil {
		return "", err
	}
	return res.Hash(), nil
}

package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Node types used in a CDT. They follow the DOM nodeType numbering.
const (
	ElementNode  = 1
	TextNode     = 3
	CommentNode  = 8
	DocumentNode = 9
	DoctypeNode  = 10
)

// Attribute is a single name/value pair on a CDT element.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CDTNode is one node of a serialized DOM tree. Children are referenced by
// their index in the enclosing node list.
type CDTNode struct {
	NodeType         int         `json:"nodeType"`
	NodeName         string      `json:"nodeName,omitempty"`
	NodeValue        string      `json:"nodeValue,omitempty"`
	Attributes       []Attribute `json:"attributes,omitempty"`
	ChildNodeIndexes []int       `json:"childNodeIndexes,omitempty"`
}

// Attr returns the value of the named attribute.
func (n CDTNode) Attr(name string) (string, bool) {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// ResourceContent is a resource whose bytes were captured client-side.
//
// In JSON, value is plain text when type is textual (text/*, CSS, JavaScript,
// JSON, XML, SVG) and base64 otherwise. "encoding": "base64" forces base64
// for any type.
type ResourceContent struct {
	Type  string
	Value []byte
}

type resourceContentJSON struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Encoding string `json:"encoding,omitempty"`
}

// MarshalJSON writes textual values as text and everything else as base64.
func (c ResourceContent) MarshalJSON() ([]byte, error) {
	if IsTextual(c.Type) {
		return json.Marshal(resourceContentJSON{Type: c.Type, Value: string(c.Value)})
	}
	return json.Marshal(resourceContentJSON{
		Type:     c.Type,
		Value:    base64.StdEncoding.EncodeToString(c.Value),
		Encoding: "base64",
	})
}

// UnmarshalJSON accepts both the text and the base64 form.
func (c *ResourceContent) UnmarshalJSON(b []byte) error {
	var raw resourceContentJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	c.Type = raw.Type
	switch strings.ToLower(raw.Encoding) {
	case "base64":
	case "", "text", "utf-8", "utf8":
		if raw.Encoding != "" || IsTextual(raw.Type) {
			c.Value = []byte(raw.Value)
			return nil
		}
	default:
		return fmt.Errorf("resource content: unsupported encoding %q", raw.Encoding)
	}
	v, err := base64.StdEncoding.DecodeString(raw.Value)
	if err != nil {
		return fmt.Errorf("resource content: %w", err)
	}
	c.Value = v
	return nil
}

// IsTextual reports whether contentType carries text that can travel in JSON
// as is.
func IsTextual(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	for _, marker := range []string{"css", "javascript", "ecmascript", "json", "xml", "svg"} {
		if strings.Contains(ct, marker) {
			return true
		}
	}
	return false
}

// Frame is the capture of one document together with its child frames.
type Frame struct {
	URL              string                     `json:"url"`
	SrcAttr          string                     `json:"srcAttr,omitempty"`
	CDT              []CDTNode                  `json:"cdt"`
	ResourceURLs     []string                   `json:"resourceUrls"`
	ResourceContents map[string]ResourceContent `json:"resourceContents,omitempty"`
	Frames           []Frame                    `json:"frames,omitempty"`
}

// Cookie is a cookie forwarded with resource requests.
type Cookie struct {
	Name   string `json:"name" yaml:"name"`
	Value  string `json:"value" yaml:"value"`
	Domain string `json:"domain,omitempty" yaml:"domain"`
	Path   string `json:"path,omitempty" yaml:"path"`
}

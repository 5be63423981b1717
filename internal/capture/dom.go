package capture

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"visualgrid/internal/rgrid"
	"visualgrid/pkg/types"
)

// ChildFrame is an iframe found in a document.
type ChildFrame struct {
	SrcAttr string
	URL     string
}

// Document is a parsed page ready to be resolved.
type Document struct {
	Frame    types.Frame
	Children []ChildFrame
}

// resourceSelectors lists the elements whose attributes reference resources
// the page needs to render.
var resourceSelectors = []struct {
	selector string
	attr     string
	srcset   bool
}{
	{"img[src]", "src", false},
	{"img[srcset]", "srcset", true},
	{"source[src]", "src", false},
	{"source[srcset]", "srcset", true},
	{"video[poster]", "poster", false},
	{"input[type=image][src]", "src", false},
	{"script[src]", "src", false},
	{"embed[src]", "src", false},
	{"object[data]", "data", false},
	{"image[href]", "href", false},
	{"use[href]", "href", false},
}

var linkRels = map[string]struct{}{
	"stylesheet":       {},
	"icon":             {},
	"shortcut":         {},
	"apple-touch-icon": {},
	"preload":          {},
	"prefetch":         {},
	"manifest":         {},
}

// BuildDocument parses markup served from pageURL into a frame capture: the
// CDT, every referenced resource URL, and the iframes to capture next.
func BuildDocument(markup []byte, pageURL string) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)

	base := pageURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, ok := rgrid.Resolve(pageURL, href); ok {
			base = resolved
		}
	}

	frame := types.Frame{
		URL: pageURL,
		CDT: buildCDT(root),
	}

	seen := make(map[string]struct{})
	add := func(raw string) {
		u, ok := rgrid.Resolve(base, raw)
		if !ok || rgrid.IsDataURL(u) {
			return
		}
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		frame.ResourceURLs = append(frame.ResourceURLs, u)
	}

	for _, rs := range resourceSelectors {
		doc.Find(rs.selector).Each(func(_ int, s *goquery.Selection) {
			val, _ := s.Attr(rs.attr)
			if rs.srcset {
				for _, candidate := range parseSrcset(val) {
					add(candidate)
				}
				return
			}
			add(val)
		})
	}
	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		rel, _ := s.Attr("rel")
		for _, token := range strings.Fields(strings.ToLower(rel)) {
			if _, ok := linkRels[token]; ok {
				href, _ := s.Attr("href")
				add(href)
				return
			}
		}
	})
	// SVG 1.1 documents still use the namespaced form.
	doc.Find("image, use").Each(func(_ int, s *goquery.Selection) {
		for _, a := range s.Nodes[0].Attr {
			if a.Namespace == "xlink" && a.Key == "href" {
				add(a.Val)
			}
		}
	})

	out := &Document{Frame: frame}
	doc.Find("iframe[src], frame[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		u, ok := rgrid.Resolve(base, src)
		if !ok {
			return
		}
		out.Children = append(out.Children, ChildFrame{SrcAttr: src, URL: u})
	})
	return out, nil
}

// buildCDT flattens the node tree. Parents precede their children, so the
// document node is always at index zero.
func buildCDT(root *html.Node) []types.CDTNode {
	var nodes []types.CDTNode
	var walk func(n *html.Node) int
	walk = func(n *html.Node) int {
		idx := len(nodes)
		nodes = append(nodes, cdtNode(n))
		var children []int
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ErrorNode || c.Type == html.RawNode {
				continue
			}
			children = append(children, walk(c))
		}
		nodes[idx].ChildNodeIndexes = children
		return idx
	}
	walk(root)
	return nodes
}

func cdtNode(n *html.Node) types.CDTNode {
	switch n.Type {
	case html.DocumentNode:
		return types.CDTNode{NodeType: types.DocumentNode, NodeName: "#document"}
	case html.DoctypeNode:
		return types.CDTNode{NodeType: types.DoctypeNode, NodeName: n.Data}
	case html.TextNode:
		return types.CDTNode{NodeType: types.TextNode, NodeName: "#text", NodeValue: n.Data}
	case html.CommentNode:
		return types.CDTNode{NodeType: types.CommentNode, NodeName: "#comment", NodeValue: n.Data}
	}
	node := types.CDTNode{NodeType: types.ElementNode, NodeName: strings.ToUpper(n.Data)}
	for _, a := range n.Attr {
		name := a.Key
		if a.Namespace != "" {
			name = a.Namespace + ":" + a.Key
		}
		node.Attributes = append(node.Attributes, types.Attribute{Name: name, Value: a.Val})
	}
	return node
}

// parseSrcset returns the URL of every image candidate in a srcset value.
// A candidate URL runs to the next whitespace; its descriptors run to the
// next comma outside parentheses.
func parseSrcset(value string) []string {
	var out []string
	i := 0
	for i < len(value) {
		for i < len(value) && (isSpace(value[i]) || value[i] == ',') {
			i++
		}
		start := i
		for i < len(value) && !isSpace(value[i]) {
			i++
		}
		candidate := strings.TrimRight(value[start:i], ",")
		if candidate != "" {
			out = append(out, candidate)
		}
		if !strings.HasSuffix(value[start:i], ",") {
			i = skipDescriptors(value, i)
		}
	}
	return out
}

// skipDescriptors returns the index just past the comma that ends the
// current candidate's descriptors.
func skipDescriptors(value string, i int) int {
	depth := 0
	for ; i < len(value); i++ {
		switch value[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

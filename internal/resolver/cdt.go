package resolver

import (
	"strings"

	"visualgrid/internal/css"
	"visualgrid/pkg/types"
)

// cdtURLs collects the URLs referenced from CSS embedded in a CDT: style
// attributes and the text of <style> elements.
func cdtURLs(cdt []types.CDTNode, base string) []string {
	var out []string
	for _, node := range cdt {
		if node.NodeType != types.ElementNode {
			continue
		}
		if style, ok := node.Attr("style"); ok && strings.TrimSpace(style) != "" {
			out = append(out, css.ExtractFromStyleAttr(style, base)...)
		}
		if !strings.EqualFold(node.NodeName, "style") {
			continue
		}
		var text strings.Builder
		for _, idx := range node.ChildNodeIndexes {
			if idx < 0 || idx >= len(cdt) {
				continue
			}
			if child := cdt[idx]; child.NodeType == types.TextNode {
				text.WriteString(child.NodeValue)
			}
		}
		out = append(out, css.ExtractURLs(text.String(), base)...)
	}
	return out
}

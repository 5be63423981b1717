// Package css discovers the resources a stylesheet or style attribute refers to.
package css

import (
	"strconv"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"

	"visualgrid/internal/rgrid"
)

// Reference is one URL found in CSS text.
type Reference struct {
	// Raw is the URL as written in the source.
	Raw string
	// URL is Raw resolved against the stylesheet base.
	URL string
	// Import is set for @import targets.
	Import bool
}

// ExtractURLs returns the absolute URLs referenced by a stylesheet, resolved
// against the stylesheet's own URL. The result is deduplicated and keeps
// first-seen order. Malformed fragments are skipped.
func ExtractURLs(text, base string) []string {
	return urls(Extract(text, base))
}

// ExtractFromStyleAttr does the same for the value of a style attribute,
// resolved against the owning document's base URL.
func ExtractFromStyleAttr(value, base string) []string {
	return urls(Extract(value, base))
}

// ExtractImports returns only the @import targets of a stylesheet.
func ExtractImports(text, base string) []string {
	var out []string
	for _, ref := range Extract(text, base) {
		if ref.Import {
			out = append(out, ref.URL)
		}
	}
	return out
}

func urls(refs []Reference) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref.URL)
	}
	return out
}

// Extract tokenizes text and collects every fetchable reference: @import
// targets, url(...) in any value (cursor lists and font-face src included)
// and the string candidates of image-set().
func Extract(text, base string) []Reference {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var (
		refs          []Reference
		seen          = make(map[string]int)
		depth         int
		imageSetDepth = -1
		urlFuncDepth  = -1
		inImport      bool
	)

	add := func(raw string, isImport bool) {
		resolved, ok := rgrid.Resolve(base, raw)
		if !ok {
			return
		}
		if i, dup := seen[resolved]; dup {
			refs[i].Import = refs[i].Import || isImport
			return
		}
		seen[resolved] = len(refs)
		refs = append(refs, Reference{Raw: raw, URL: resolved, Import: isImport})
	}

	l := css.NewLexer(parse.NewInputString(text))
	for {
		tt, data := l.Next()
		switch tt {
		case css.ErrorToken:
			return refs
		case css.WhitespaceToken, css.CommentToken:
			continue
		case css.AtKeywordToken:
			inImport = strings.EqualFold(string(data), "@import")
			continue
		case css.URLToken:
			add(unwrapURLToken(data), inImport)
		case css.FunctionToken:
			name := strings.ToLower(string(data))
			switch name {
			case "url(":
				urlFuncDepth = depth
			case "image-set(", "-webkit-image-set(":
				if imageSetDepth < 0 {
					imageSetDepth = depth
				}
			}
			depth++
			continue
		case css.LeftParenthesisToken:
			depth++
			continue
		case css.RightParenthesisToken:
			if depth > 0 {
				depth--
			}
			if depth == urlFuncDepth {
				urlFuncDepth = -1
			}
			if depth == imageSetDepth {
				imageSetDepth = -1
			}
			continue
		case css.StringToken:
			switch {
			case urlFuncDepth >= 0 && depth == urlFuncDepth+1:
				add(unquote(data), inImport)
			case inImport:
				add(unquote(data), true)
			case imageSetDepth >= 0 && depth == imageSetDepth+1:
				add(unquote(data), false)
			}
		case css.SemicolonToken, css.LeftBraceToken, css.RightBraceToken:
			depth = 0
			urlFuncDepth = -1
			imageSetDepth = -1
		}
		// an @import prelude ends at its first meaningful token
		if tt != css.FunctionToken && urlFuncDepth < 0 {
			inImport = false
		}
	}
}

// unwrapURLToken strips url( ... ) from an unquoted or quoted url token.
func unwrapURLToken(data []byte) string {
	s := string(data)
	if len(s) >= 4 && strings.EqualFold(s[:4], "url(") {
		s = s[4:]
	}
	s = strings.TrimSuffix(s, ")")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') {
		return unquote([]byte(s))
	}
	return unescape(s)
}

func unquote(data []byte) string {
	s := string(data)
	if len(s) >= 1 && (s[0] == '"' || s[0] == '\'') {
		q := s[0]
		s = s[1:]
		if len(s) >= 1 && s[len(s)-1] == q {
			s = s[:len(s)-1]
		}
	}
	return unescape(s)
}

// unescape resolves CSS backslash escapes.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return strings.TrimSpace(s)
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		if s[i] == '\n' {
			continue
		}
		j := i
		for j < len(s) && j-i < 6 && isHex(s[j]) {
			j++
		}
		if j == i {
			b.WriteByte(s[i])
			continue
		}
		if cp, err := strconv.ParseUint(s[i:j], 16, 32); err == nil && cp != 0 {
			b.WriteRune(rune(cp))
		}
		if j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n') {
			j++
		}
		i = j - 1
	}
	return strings.TrimSpace(b.String())
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

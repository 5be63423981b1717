package rgrid

import (
	"net"
	"net/url"
	"strings"
)

// IsDataURL reports whether raw is an inline data: URL.
func IsDataURL(raw string) bool {
	return len(raw) >= 5 && strings.EqualFold(raw[:5], "data:")
}

// Resolve resolves ref against base and returns the canonical absolute form
// used as a resource key. Data URLs are returned untouched. ok is false for
// references that cannot be fetched (empty, javascript:, about:, fragments,
// unparseable input).
func Resolve(base, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	if IsDataURL(ref) {
		return ref, true
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "about:") || strings.HasPrefix(lower, "blob:") {
		return "", false
	}

	target, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if !target.IsAbs() {
		baseURL, err := url.Parse(base)
		if err != nil || !baseURL.IsAbs() {
			return "", false
		}
		target = baseURL.ResolveReference(target)
	}
	return Canonical(target), true
}

// Canonical renders u without its fragment, with a lower-cased scheme and
// host, and without the scheme's default port.
func Canonical(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.Scheme = strings.ToLower(c.Scheme)
	host := strings.ToLower(c.Hostname())
	switch port := c.Port(); {
	case port != "" && port != defaultPortForScheme(c.Scheme):
		c.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		c.Host = "[" + host + "]"
	default:
		c.Host = host
	}
	if c.Path == "" && c.Opaque == "" && (c.Scheme == "http" || c.Scheme == "https") {
		c.Path = "/"
	}
	return c.String()
}

// Fetchable reports whether the URL is retrieved over the network.
func Fetchable(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}

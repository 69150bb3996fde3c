// URL normalization for source identity. Matching is by exact normalized
// URL; query-insensitive or protocol-insensitive canonicalization is
// deliberately not attempted.
package extract

import (
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a source URL: trims whitespace, lowercases the
// scheme and host, drops the fragment, and strips a single trailing slash
// from the path. A missing scheme defaults to https. The boolean is false
// for values that do not parse as an absolute URL with a host.
func NormalizeURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if strings.HasSuffix(u.Path, "/") && u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	if u.Path == "/" && u.RawQuery == "" {
		u.Path = ""
	}
	return u.String(), true
}

// Host extracts the lowercased host of an already-normalized URL; empty when
// the value does not parse.
func Host(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

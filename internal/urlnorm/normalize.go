// Package urlnorm canonicalizes URLs so the fetch pipeline can dedupe
// submissions and redirect chains against a single stable form.
package urlnorm

import (
	"fmt"
	"net/url"
	"strings"
)

// Canonical converts any user-supplied URL into the single canonical
// form used for storage and equality comparisons:
//
//  1. trim surrounding whitespace
//  2. default to an https scheme when none is given
//  3. parse; on parse failure, fall back to best-effort host lowercasing
//  4. lowercase the host
//  5. strip a single leading "www."
//  6. keep the port
//  7. keep the path case-sensitively, dropping a trailing "/" from a
//     longer path and dropping a path that is exactly "/"
//  8. keep the query and fragment verbatim
//  9. force the scheme to https in the result
func Canonical(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	withScheme := ensureScheme(raw)

	u, err := url.Parse(withScheme)
	if err != nil || u.Host == "" {
		return fallback(raw)
	}

	host := stripWWW(strings.ToLower(u.Host))
	path := normalizePath(u.Path)

	var b strings.Builder
	b.WriteString("https://")
	b.WriteString(host)
	b.WriteString(path)
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	if u.Fragment != "" {
		b.WriteString("#")
		b.WriteString(u.Fragment)
	}
	return b.String()
}

// Equivalent reports whether two raw URLs share the same canonical form.
func Equivalent(a, b string) bool {
	return Canonical(a) == Canonical(b)
}

func ensureScheme(raw string) string {
	if strings.Contains(raw, "://") {
		return raw
	}
	return "https://" + raw
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return ""
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return strings.TrimSuffix(path, "/")
	}
	return path
}

func stripWWW(host string) string {
	const prefix = "www."
	if strings.HasPrefix(host, prefix) {
		return strings.TrimPrefix(host, prefix)
	}
	return host
}

// fallback performs a best-effort host-only lowercasing when the URL
// cannot be parsed at all, preserving whatever remainder followed the
// host verbatim.
func fallback(raw string) string {
	stripped := raw
	if idx := strings.Index(stripped, "://"); idx >= 0 {
		stripped = stripped[idx+3:]
	}
	host := stripped
	rest := ""
	if idx := strings.IndexAny(stripped, "/?#"); idx >= 0 {
		host = stripped[:idx]
		rest = stripped[idx:]
	}
	host = stripWWW(strings.ToLower(host))
	return fmt.Sprintf("https://%s%s", host, rest)
}

// Variants returns the set of URL forms a legacy, pre-normalization
// record might have been stored under, so repository lookups can match
// rows written before canonicalization was enforced: the raw input,
// the canonical form, a bare-host form, and explicit http/https
// prefixed forms.
func Variants(raw string) []string {
	canonical := Canonical(raw)
	bare := strings.TrimPrefix(strings.TrimPrefix(canonical, "https://"), "http://")

	seen := make(map[string]struct{}, 5)
	variants := make([]string, 0, 5)
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		variants = append(variants, v)
	}

	add(strings.TrimSpace(raw))
	add(canonical)
	add(bare)
	add("http://" + bare)
	add("https://" + bare)
	return variants
}

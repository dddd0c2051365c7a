// Package page turns fetched HTML into the link sets the crawl engine
// consumes: image URIs and nested page URIs, resolved and normalized.
package page

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL so the visited set and cache keys treat
// trivially different spellings as one resource. It lowercases the scheme
// and host, removes default ports and fragments, and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// resolve joins a possibly relative reference against the page URL and
// normalizes the result. Non-navigational schemes are rejected.
func resolve(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	lower := strings.ToLower(ref)
	for _, skip := range []string{"javascript:", "mailto:", "tel:", "data:", "#"} {
		if strings.HasPrefix(lower, skip) {
			return "", false
		}
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(parsed)
	normalized, err := NormalizeURL(abs.String())
	if err != nil {
		return "", false
	}
	return normalized, true
}

// SameHost reports whether two normalized URLs share a hostname.
func SameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Hostname(), ub.Hostname())
}

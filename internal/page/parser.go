package page

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page is the parsed handle the engine crawls: one fetched document reduced
// to its normalized image and nested-page URIs, deduplicated within the
// page. Cross-page dedup is the engine's job.
type Page struct {
	URI       string
	ImageURIs []string
	PageURIs  []string
}

// Parse extracts image and nested-page URIs from an HTML document. pageURL
// must be the final URL the document was fetched from so relative references
// resolve correctly; a <base href> inside the document takes precedence.
func Parse(pageURL string, body []byte) (*Page, error) {
	normalized, err := NormalizeURL(pageURL)
	if err != nil {
		return nil, fmt.Errorf("page url: %w", err)
	}
	base, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("page url: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", normalized, err)
	}

	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if parsed, parseErr := url.Parse(strings.TrimSpace(href)); parseErr == nil {
			base = base.ResolveReference(parsed)
		}
	}

	p := &Page{URI: normalized}
	seenImages := make(map[string]struct{})
	seenPages := make(map[string]struct{})

	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		for _, attr := range []string{"src", "data-src"} {
			raw, ok := sel.Attr(attr)
			if !ok {
				continue
			}
			if resolved, ok := resolve(base, raw); ok {
				addUnique(&p.ImageURIs, seenImages, resolved)
				break
			}
		}
	})

	doc.Find("source[srcset], img[srcset]").Each(func(_ int, sel *goquery.Selection) {
		raw, ok := sel.Attr("srcset")
		if !ok {
			return
		}
		if candidate := firstSrcsetURL(raw); candidate != "" {
			if resolved, ok := resolve(base, candidate); ok {
				addUnique(&p.ImageURIs, seenImages, resolved)
			}
		}
	})

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		raw, ok := sel.Attr("href")
		if !ok {
			return
		}
		resolved, ok := resolve(base, raw)
		if !ok || resolved == normalized {
			return
		}
		addUnique(&p.PageURIs, seenPages, resolved)
	})

	return p, nil
}

func addUnique(dst *[]string, seen map[string]struct{}, uri string) {
	if _, dup := seen[uri]; dup {
		return
	}
	seen[uri] = struct{}{}
	*dst = append(*dst, uri)
}

// firstSrcsetURL returns the URL of the first srcset candidate, dropping the
// width/density descriptor.
func firstSrcsetURL(srcset string) string {
	first, _, _ := strings.Cut(srcset, ",")
	fields := strings.Fields(strings.TrimSpace(first))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Package detector decides when to promote fetches to a headless render.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/imagecrawl/imagecrawl/internal/fetcher"
)

// Heuristic implements a handful of rule-based promotions. A document that
// already carries image markup is never promoted: whatever a render would
// add, the static document is enough to harvest.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

var imageMarkers = [][]byte{
	[]byte("<img"),
	[]byte("<picture"),
	[]byte("srcset="),
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp fetcher.Response) bool {
	if resp.Rendered || resp.StatusCode != http.StatusOK {
		return false
	}
	if len(resp.Body) == 0 {
		return true
	}
	body := bytes.ToLower(resp.Body)
	if containsAny(body, imageMarkers) {
		return false
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	return containsAny(body, spaMarkers)
}

func containsAny(body []byte, markers [][]byte) bool {
	for _, marker := range markers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script tags cover at least a quarter of
// the document. body must already be lowercased.
func scriptDensityHigh(body []byte) bool {
	doc := string(body)
	total := len(doc)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(doc[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(doc[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(doc[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}

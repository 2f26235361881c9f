// Package detector decides when a listing response is a script-rendered
// shell that only a headless browser can turn into a feed.
package detector

import (
	"bytes"
	"net/http"

	"github.com/PuerkitoBio/goquery"
)

// Heuristic implements a handful of rule-based promotions.
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

// spaRoots are the mount points of common client-rendered frameworks.
const spaRoots = "#__next, #__nuxt, #root, #app, [data-reactroot]"

// ShouldPromote decides whether a headless fetch is required for a listing
// response that did not decode as a feed.
func (h *Heuristic) ShouldPromote(status int, body []byte) bool {
	if status != http.StatusOK {
		return false
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return true
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(doc, len(body)) {
		return true
	}
	return doc.Find(spaRoots).Length() > 0
}

// scriptDensityHigh reports whether script elements make up at least a
// quarter of the document.
func scriptDensityHigh(doc *goquery.Document, total int) bool {
	if total == 0 {
		return false
	}
	coverage := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		html, err := goquery.OuterHtml(s)
		if err == nil {
			coverage += len(html)
		}
	})
	return coverage*100/total >= 25
}

// Package detector decides when a statically fetched search page must be
// re-rendered in a real browser.
package detector

import (
	"strings"
)

// Heuristic flags client-rendered shells. Pages that already carry product
// card markup are never promoted.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. threshold <= 0 selects 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = []string{
	`id="__next"`,
	`id="__nuxt"`,
	`id="root"`,
	`id="app"`,
	`data-reactroot`,
	`window.__initial_state__`,
}

var productMarkers = []string{
	`itemprop="name"`,
	`itemprop=name`,
	`data-product-id`,
	`data-scroll-id`,
	`schema.org/product`,
}

// ShouldPromote reports whether html looks like an empty application shell
// whose products are rendered by scripts.
func (h *Heuristic) ShouldPromote(html string) bool {
	if strings.TrimSpace(html) == "" {
		return true
	}
	lower := strings.ToLower(html)
	for _, marker := range productMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	if len(lower) < h.BodyLengthThreshold && scriptCoverage(lower) >= 25 {
		return true
	}
	for _, marker := range spaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptCoverage returns the percentage of lower spanned by <script> blocks.
// An unterminated tag covers the rest of the document.
func scriptCoverage(lower string) int {
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	total := len(lower)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := total
		if gt := strings.IndexByte(lower[start:], '>'); gt != -1 {
			body := start + gt + 1
			if rel := strings.Index(lower[body:], closeTag); rel != -1 {
				end = body + rel + len(closeTag)
			}
		}
		covered += end - start
		pos = end
		if pos >= total {
			break
		}
	}
	return covered * 100 / total
}

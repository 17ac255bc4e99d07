// Package detector decides when a plain HTTP fetch should be redone in a browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/scrapegate/internal/scrape"
)

// Heuristic promotes pages that look like client-rendered shells.
type Heuristic struct {
	// TextThreshold is the visible-text length under which a page counts as thin.
	TextThreshold int
	// ScriptShare is the percentage of the document that, when taken by
	// inline scripts on a thin page, triggers promotion.
	ScriptShare int
}

// NewHeuristic creates a detector. Zero values pick the defaults.
func NewHeuristic(textThreshold int) *Heuristic {
	if textThreshold <= 0 {
		textThreshold = 512
	}
	return &Heuristic{TextThreshold: textThreshold, ScriptShare: 25}
}

var mountPoints = []string{"#__next", "#root", "#app", "[data-reactroot]", "[ng-app]"}

// ShouldPromote reports whether resp needs a headless render.
func (h *Heuristic) ShouldPromote(resp scrape.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}

	body := doc.Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	text := len(strings.TrimSpace(body.Text()))
	if text >= h.TextThreshold {
		return false
	}

	for _, sel := range mountPoints {
		if mount := doc.Find(sel); mount.Length() > 0 && strings.TrimSpace(mount.Text()) == "" {
			return true
		}
	}
	return h.scriptHeavy(doc, len(resp.Body))
}

func (h *Heuristic) scriptHeavy(doc *goquery.Document, total int) bool {
	if total == 0 {
		return false
	}
	scripts := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scripts += len(s.Text())
		if src, ok := s.Attr("src"); ok {
			scripts += len(src)
		}
	})
	return scripts*100/total >= h.ScriptShare
}

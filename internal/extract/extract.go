// Package extract pulls text items out of fetched HTML by CSS selector.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/scrapegate/internal/resilience"
)

// CheckSelector reports whether selector compiles. An empty selector is valid.
func CheckSelector(selector string) error {
	if strings.TrimSpace(selector) == "" {
		return nil
	}
	if _, err := cascadia.Compile(selector); err != nil {
		return resilience.Validation(fmt.Errorf("invalid selector %q: %w", selector, err))
	}
	return nil
}

// Items returns the trimmed text of every node matching selector, up to limit
// items when limit > 0. An empty selector extracts nothing. A selector with no
// matches is an extraction failure, since the element may still be rendering.
func Items(body []byte, selector string, limit int) ([]string, error) {
	if strings.TrimSpace(selector) == "" {
		return nil, nil
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, resilience.Validation(fmt.Errorf("invalid selector %q: %w", selector, err))
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, resilience.Extraction(fmt.Errorf("parse html: %w", err))
	}

	var items []string
	doc.FindMatcher(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return true
		}
		items = append(items, text)
		return limit <= 0 || len(items) < limit
	})
	if len(items) == 0 {
		return nil, resilience.Extraction(fmt.Errorf("no elements matched %q", selector))
	}
	return items, nil
}

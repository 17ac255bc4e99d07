package scrape

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/scrapegate/internal/resilience"
)

// Blocklist refuses requests for configured hosts. Entries are exact hosts or
// suffix wildcards written "*.example.com" or ".example.com".
type Blocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewBlocklist compiles patterns. It returns nil when no pattern survives
// trimming; a nil Blocklist blocks nothing.
func NewBlocklist(patterns []string) *Blocklist {
	b := &Blocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		p := strings.ToLower(strings.TrimSpace(raw))
		suffix, isSuffix := strings.CutPrefix(p, "*.")
		if !isSuffix {
			suffix, isSuffix = strings.CutPrefix(p, ".")
		}
		switch {
		case p == "":
		case isSuffix && suffix != "":
			b.addSuffix(suffix)
		case !isSuffix:
			b.exact[p] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

func (b *Blocklist) addSuffix(suffix string) {
	for _, s := range b.suffixes {
		if s == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// Blocked reports whether host matches an entry.
func (b *Blocklist) Blocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, s := range b.suffixes {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

// Check returns a validation failure when the request targets a blocked host.
func (b *Blocklist) Check(req Request) error {
	if domain := DomainOf(req.URL); b.Blocked(domain) {
		return resilience.Validation(fmt.Errorf("domain %q is blocked", domain))
	}
	return nil
}

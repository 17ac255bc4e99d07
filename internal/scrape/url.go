package scrape

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/JakeFAU/scrapegate/internal/resilience"
)

// DomainOf returns the lowercase host of rawURL without its port. URLs that
// cannot be parsed, or have no host, map to resilience.DefaultDomain.
func DomainOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return resilience.DefaultDomain
	}
	host := u.Hostname()
	if host == "" {
		return resilience.DefaultDomain
	}
	return strings.ToLower(host)
}

// NormalizeURL lowercases the scheme and host, drops default ports and the
// fragment, and gives an empty path a trailing slash. Unparseable input is
// returned trimmed.
func NormalizeURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if port := u.Port(); (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		u.Host = strings.TrimSuffix(u.Host, ":"+port)
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

// CacheKey identifies requests that would produce the same result: the
// normalized URL, the selector, the item limit and the rendering mode.
func CacheKey(r Request) string {
	raw := fmt.Sprintf("%s\n%s\n%d\n%t", NormalizeURL(r.URL), strings.TrimSpace(r.Selector), r.MaxItems, r.Headless)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Validate checks a request before it is accepted. Errors are tagged as
// validation failures.
func (r Request) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return resilience.Validation(errors.New("url is required"))
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return resilience.Validation(fmt.Errorf("parse url: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return resilience.Validation(fmt.Errorf("url scheme %q must be http or https", u.Scheme))
	}
	if u.Hostname() == "" {
		return resilience.Validation(errors.New("url must include a host"))
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.IsUnspecified() {
		return resilience.Validation(fmt.Errorf("url host %q is not routable", u.Hostname()))
	}
	if r.MaxItems < 0 {
		return resilience.Validation(errors.New("max_items must be >= 0"))
	}
	return nil
}

// NewTaskID returns a time-ordered UUIDv7 string.
func NewTaskID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuidv7: %w", err)
	}
	return id.String(), nil
}

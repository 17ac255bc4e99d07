package scrape

import (
	"net/http"

	"github.com/JakeFAU/scrapegate/internal/resilience"
)

// ClassifyStatus tags err by the HTTP status the target answered with. It
// returns nil for 2xx/3xx statuses, and err untouched when status is zero.
func ClassifyStatus(status int, err error) error {
	switch {
	case status == 0:
		return err
	case status == http.StatusTooManyRequests:
		return resilience.RateSignal(err)
	case status >= http.StatusInternalServerError:
		return resilience.Navigation(err)
	case status >= http.StatusBadRequest:
		return resilience.Tag(resilience.KindRejected, err)
	default:
		return nil
	}
}

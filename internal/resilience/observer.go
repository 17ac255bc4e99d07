package resilience

import "time"

// Observer receives engine telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveWait(domain string, waited time.Duration)
	ObserveAttempt(domain string, kind Kind, verdict Verdict)
	ObserveOutcome(domain string, succeeded bool, attempts int)
	SetInFlight(domain string, n int)
}

type nopObserver struct{}

func (nopObserver) ObserveWait(string, time.Duration) {}
func (nopObserver) ObserveAttempt(string, Kind, Verdict) {}
func (nopObserver) ObserveOutcome(string, bool, int) {}
func (nopObserver) SetInFlight(string, int) {}

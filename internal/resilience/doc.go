// Package resilience gates, retries and accounts for outbound network
// operations.
//
// Every operation runs through an Engine:
//
//	acquire(domain) -> run with retries -> record stats -> release(domain)
//
// The per-domain gate enforces a minimum interval between starts, a rolling
// per-window ceiling and a concurrency bound. Failures carry a Kind; the
// Classifier maps kinds to retryable or fatal, and a RetryPolicy can only
// narrow what is retried. Failures for a task accumulate in a TaskLog.
package resilience

// Package metrics exposes Prometheus collectors for the scrapegate service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/scrapegate/internal/resilience"
)

var (
	tasksTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	gateWaitSeconds            *prometheus.HistogramVec
	attemptFailuresTotal       *prometheus.CounterVec
	executionsTotal            *prometheus.CounterVec
	executionAttempts          *prometheus.HistogramVec
	domainInFlight             *prometheus.GaugeVec
	cacheLookupsTotal          *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapegate_tasks_total",
				Help: "Total number of scrape tasks finished, labeled by status.",
			},
			[]string{"status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapegate_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapegate_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		gateWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapegate_gate_wait_seconds",
				Help:    "Histogram of time callers spent parked at a domain gate.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"domain"},
		)

		attemptFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapegate_attempt_failures_total",
				Help: "Failed attempts, labeled by domain, failure kind and verdict.",
			},
			[]string{"domain", "kind", "verdict"},
		)

		executionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapegate_executions_total",
				Help: "Completed engine executions, labeled by domain and outcome.",
			},
			[]string{"domain", "outcome"},
		)

		executionAttempts = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapegate_execution_attempts",
				Help:    "Attempts consumed per engine execution.",
				Buckets: []float64{1, 2, 3, 5, 8},
			},
			[]string{"domain"},
		)

		domainInFlight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scrapegate_domain_in_flight",
				Help: "Operations currently holding a domain gate.",
			},
			[]string{"domain"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapegate_result_cache_lookups_total",
				Help: "Result cache lookups, labeled by hit, miss or error.",
			},
			[]string{"result"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask increments the task counter for a terminal status.
func ObserveTask(status string) {
	Init()
	tasksTotal.WithLabelValues(status).Inc()
}

// ObserveFetch records the bytes pulled from a site.
func ObserveFetch(site string, bytesFetched int) {
	Init()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCacheLookup counts one result cache lookup.
func ObserveCacheLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// DefaultMaxDomainLabels bounds how many distinct domains the engine
// collectors label individually.
const DefaultMaxDomainLabels = 100

// OtherDomain is the label shared by every domain past the label budget.
const OtherDomain = "other"

// domainLabels hands out per-domain label values until max distinct domains
// have been seen, then folds the rest into OtherDomain.
type domainLabels struct {
	mu   sync.Mutex
	max  int
	seen map[string]struct{}
}

func (d *domainLabels) label(domain string) (string, bool) {
	domain = SanitizeSite(domain)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[domain]; ok {
		return domain, true
	}
	if len(d.seen) >= d.max {
		return OtherDomain, false
	}
	d.seen[domain] = struct{}{}
	return domain, true
}

// EngineObserver forwards engine telemetry into the package collectors.
type EngineObserver struct {
	labels *domainLabels
}

var _ resilience.Observer = (*EngineObserver)(nil)

// NewEngineObserver initializes the collectors and returns an observer for
// resilience.WithObserver. At most maxDomains domains get their own label;
// maxDomains <= 0 selects DefaultMaxDomainLabels.
func NewEngineObserver(maxDomains int) *EngineObserver {
	Init()
	if maxDomains <= 0 {
		maxDomains = DefaultMaxDomainLabels
	}
	return &EngineObserver{labels: &domainLabels{max: maxDomains, seen: make(map[string]struct{})}}
}

// ObserveWait records a parked acquire.
func (o *EngineObserver) ObserveWait(domain string, waited time.Duration) {
	label, _ := o.labels.label(domain)
	gateWaitSeconds.WithLabelValues(label).Observe(waited.Seconds())
}

// ObserveAttempt records one failed attempt and the verdict it drew.
func (o *EngineObserver) ObserveAttempt(domain string, kind resilience.Kind, verdict resilience.Verdict) {
	label, _ := o.labels.label(domain)
	attemptFailuresTotal.WithLabelValues(label, string(kind), verdict.String()).Inc()
}

// ObserveOutcome records the end of an execution.
func (o *EngineObserver) ObserveOutcome(domain string, succeeded bool, attempts int) {
	outcome := "failure"
	if succeeded {
		outcome = "success"
	}
	label, _ := o.labels.label(domain)
	executionsTotal.WithLabelValues(label, outcome).Inc()
	executionAttempts.WithLabelValues(label).Observe(float64(attempts))
}

// SetInFlight mirrors a domain's in-flight count. Domains folded into
// OtherDomain are skipped since a shared gauge cannot hold per-domain values.
func (o *EngineObserver) SetInFlight(domain string, n int) {
	label, own := o.labels.label(domain)
	if !own {
		return
	}
	domainInFlight.WithLabelValues(label).Set(float64(n))
}

package resilience

import (
	"sync"
	"time"
)

// DomainStats is the per-domain slice of ExecutionStats.
type DomainStats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// ExecutionStats is a consistent point-in-time view of engine counters.
type ExecutionStats struct {
	TotalRequests       int64                  `json:"total_requests"`
	SuccessfulRequests  int64                  `json:"successful_requests"`
	FailedRequests      int64                  `json:"failed_requests"`
	RateLimitedRequests int64                  `json:"rate_limited_requests"`
	TotalWaitTime       time.Duration          `json:"total_wait_time_ns"`
	StartTime           time.Time              `json:"start_time"`
	Uptime              time.Duration          `json:"uptime_ns"`
	SuccessRate         float64                `json:"success_rate"`
	AverageWaitTime     time.Duration          `json:"average_wait_time_ns"`
	RequestsPerMinute   float64                `json:"requests_per_minute"`
	Domains             map[string]DomainStats `json:"domains,omitempty"`
}

// StatsCollector aggregates execution outcomes across the process.
type StatsCollector struct {
	now func() time.Time

	mu          sync.Mutex
	total       int64
	successful  int64
	failed      int64
	rateLimited int64
	wait        time.Duration
	start       time.Time
	domains     map[string]*DomainStats
}

// NewStatsCollector starts a collector whose elapsed time is measured with now.
func NewStatsCollector(now func() time.Time) *StatsCollector {
	if now == nil {
		now = time.Now
	}
	return &StatsCollector{
		now:     now,
		start:   now(),
		domains: make(map[string]*DomainStats),
	}
}

// RecordAttempt counts one finished execution. waited is the time spent in
// the domain gate; any positive wait counts as rate limited.
func (c *StatsCollector) RecordAttempt(domain string, waited time.Duration, succeeded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.domains[domain]
	if !ok {
		d = &DomainStats{}
		c.domains[domain] = d
	}
	c.total++
	d.Total++
	if succeeded {
		c.successful++
		d.Successful++
	} else {
		c.failed++
		d.Failed++
	}
	if waited > 0 {
		c.wait += waited
		c.rateLimited++
	}
}

// Snapshot derives every field from a single read of the counters.
func (c *StatsCollector) Snapshot() ExecutionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := c.now().Sub(c.start)
	s := ExecutionStats{
		TotalRequests:       c.total,
		SuccessfulRequests:  c.successful,
		FailedRequests:      c.failed,
		RateLimitedRequests: c.rateLimited,
		TotalWaitTime:       c.wait,
		StartTime:           c.start,
		Uptime:              elapsed,
		Domains:             make(map[string]DomainStats, len(c.domains)),
	}
	if c.total > 0 {
		s.SuccessRate = float64(c.successful) / float64(c.total)
		s.AverageWaitTime = c.wait / time.Duration(c.total)
	}
	if minutes := elapsed.Minutes(); minutes > 0 {
		s.RequestsPerMinute = float64(c.total) / minutes
	}
	for name, d := range c.domains {
		s.Domains[name] = *d
	}
	return s
}

// Reset zeroes every counter and restarts the clock.
func (c *StatsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total, c.successful, c.failed, c.rateLimited = 0, 0, 0, 0
	c.wait = 0
	c.start = c.now()
	c.domains = make(map[string]*DomainStats)
}

package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStatsSnapshotDerivedFields(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_000, 0)}
	c := NewStatsCollector(clock.Now)

	empty := c.Snapshot()
	require.Zero(t, empty.SuccessRate)
	require.Zero(t, empty.RequestsPerMinute)
	require.Zero(t, empty.AverageWaitTime)

	c.RecordAttempt("a.test", 0, true)
	c.RecordAttempt("a.test", 2*time.Second, false)
	c.RecordAttempt("b.test", time.Second, true)
	c.RecordAttempt("b.test", 0, true)
	clock.Advance(2 * time.Minute)

	s := c.Snapshot()
	require.EqualValues(t, 4, s.TotalRequests)
	require.EqualValues(t, 3, s.SuccessfulRequests)
	require.EqualValues(t, 1, s.FailedRequests)
	require.EqualValues(t, 2, s.RateLimitedRequests)
	require.Equal(t, 3*time.Second, s.TotalWaitTime)
	require.InDelta(t, 0.75, s.SuccessRate, 1e-9)
	require.Equal(t, 750*time.Millisecond, s.AverageWaitTime)
	require.InDelta(t, 2.0, s.RequestsPerMinute, 1e-9)
	require.Equal(t, 2*time.Minute, s.Uptime)
	require.Equal(t, DomainStats{Total: 2, Successful: 1, Failed: 1}, s.Domains["a.test"])
	require.Equal(t, DomainStats{Total: 2, Successful: 2}, s.Domains["b.test"])
}

func TestStatsConcurrentRecordsStayConsistent(t *testing.T) {
	t.Parallel()

	c := NewStatsCollector(nil)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := c.Snapshot()
			if s.SuccessfulRequests+s.FailedRequests != s.TotalRequests {
				t.Errorf("inconsistent snapshot: %+v", s)
				return
			}
		}
	}()

	var writers sync.WaitGroup
	for i := 0; i < 20; i++ {
		writers.Add(1)
		go func(i int) {
			defer writers.Done()
			for j := 0; j < 100; j++ {
				c.RecordAttempt("c.test", time.Millisecond, (i+j)%2 == 0)
			}
		}(i)
	}
	writers.Wait()
	close(stop)
	wg.Wait()

	s := c.Snapshot()
	require.EqualValues(t, 2000, s.TotalRequests)
	require.EqualValues(t, 1000, s.SuccessfulRequests)
	require.EqualValues(t, 1000, s.FailedRequests)
}

func TestStatsReset(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewStatsCollector(clock.Now)
	c.RecordAttempt("r.test", time.Second, true)
	clock.Advance(time.Hour)
	c.Reset()

	s := c.Snapshot()
	require.Zero(t, s.TotalRequests)
	require.Zero(t, s.TotalWaitTime)
	require.Empty(t, s.Domains)
	require.Equal(t, clock.Now(), s.StartTime)
}

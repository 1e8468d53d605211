// Package stats aggregates performance data from many load test clients and
// prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from load test clients. All methods are
// goroutine-safe.
type Collector struct {
	mu          sync.Mutex
	latencies   map[string][]time.Duration
	errors      int
	rateLimited int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// Latency series names.
const (
	SeriesConnect = "connect"
	SeriesMatch   = "match"
	SeriesMessage = "message"
)

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		latencies: make(map[string][]time.Duration),
		startTime: time.Now(),
	}
}

// SetScraper attaches a Prometheus scraper whose report is appended to
// Report's output.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection and its greeting latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connections++
	c.latencies[SeriesConnect] = append(c.latencies[SeriesConnect], d)
	c.mu.Unlock()
}

// Add records one sample in the named latency series.
func (c *Collector) Add(series string, d time.Duration) {
	c.mu.Lock()
	c.latencies[series] = append(c.latencies[series], d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// AddRateLimited counts frames the server rejected with rate_limited.
func (c *Collector) AddRateLimited(n int) {
	c.mu.Lock()
	c.rateLimited += n
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Samples returns a copy of the named latency series.
func (c *Collector) Samples(series string) []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.latencies[series]...)
}

// Report prints a summary of everything collected so far.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:      %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Connections:   %d\n", c.connections)
	fmt.Printf("Errors:        %d\n", c.errors)
	fmt.Printf("Rate limited:  %d\n", c.rateLimited)
	if c.connections > 0 {
		fmt.Printf("Error rate:    %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	for _, series := range []string{SeriesConnect, SeriesMatch, SeriesMessage} {
		if d := c.latencies[series]; len(d) > 0 {
			p := Summarize(d)
			fmt.Printf("\n--- %s latency ---\n", series)
			fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
				p.Avg.Round(time.Microsecond), p.P50.Round(time.Microsecond),
				p.P95.Round(time.Microsecond), p.P99.Round(time.Microsecond),
				p.Max.Round(time.Microsecond), p.N)
		}
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// Percentiles summarizes a latency series.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes percentiles over durations. It sorts a copy; the
// input is left untouched.
func Summarize(durations []time.Duration) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}

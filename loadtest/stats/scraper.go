package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Server metric names read from /metrics.
const (
	metricConnections    = "colmate_connections_total"
	metricMessages       = "colmate_messages_total"
	metricActiveRooms    = "colmate_active_rooms"
	metricQueueSize      = "colmate_match_queue_size"
	metricMatches        = "colmate_matches_total"
	metricArchiveDropped = "colmate_archive_dropped_total"
	metricLatencySum     = "colmate_message_latency_seconds_sum"
	metricLatencyCount   = "colmate_message_latency_seconds_count"
	metricMatchWaitSum   = "colmate_match_wait_seconds_sum"
	metricMatchWaitCount = "colmate_match_wait_seconds_count"
)

// snapshot maps metric name to value at one point in time. Labelled
// series of the same metric are summed.
type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper periodically fetches server metrics during a load test and keeps
// the snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper reading metricsURL every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot now and then every interval until ctx is done or
// Stop is called. A final snapshot is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the scraper and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// Server may not be up yet.
		return
	}
	defer resp.Body.Close()

	values, err := parseMetrics(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snapshot{at: time.Now(), values: values})
	s.mu.Unlock()
}

// parseMetrics reads Prometheus text exposition and sums every sample by
// metric name, ignoring labels.
func parseMetrics(r io.Reader) (map[string]float64, error) {
	values := make(map[string]float64)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, v, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		values[name] += v
	}
	return values, scanner.Err()
}

// parseMetricLine splits "name{labels} value" or "name value" into the bare
// name and the value.
func parseMetricLine(line string) (string, float64, bool) {
	var name, rest string
	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.IndexByte(line[open:], '}')
		if closing == -1 {
			return "", 0, false
		}
		name, rest = line[:open], line[open+closing+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", 0, false
		}
		name, rest = fields[0], strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta and peak for each tracked metric,
// plus histogram averages over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct{ label, metric string }{
		{"Connections", metricConnections},
		{"Active Rooms", metricActiveRooms},
		{"Queue Size", metricQueueSize},
		{"Matches", metricMatches},
		{"Messages", metricMessages},
		{"Archive Dropped", metricArchiveDropped},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, r := range rows {
		initial, final := first.values[r.metric], last.values[r.metric]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peak(snaps, r.metric))
	}

	fmt.Println()
	printHistogramAvg("Msg Latency", first, last, metricLatencySum, metricLatencyCount)
	printHistogramAvg("Match Wait", first, last, metricMatchWaitSum, metricMatchWaitCount)
}

func printHistogramAvg(label string, first, last snapshot, sumName, countName string) {
	count := last.values[countName] - first.values[countName]
	if count <= 0 {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", label)
		return
	}
	avg := (last.values[sumName] - first.values[sumName]) / count
	fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", label, avg, count)
}

func peak(snaps []snapshot, metric string) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		if v := s.values[metric]; v > p {
			p = v
		}
	}
	return p
}

// Scraper periodically fetches server-side Prometheus metrics during a
// load test and records snapshots for post-test reporting.
package stats

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// metricSnapshot holds the values of all tracked server metrics at a
// point in time.
type metricSnapshot struct {
	timestamp   time.Time
	submissions float64
	rateLimited float64
	modActions  float64
	mentions    float64
	// histogram _sum and _count for computing the average spam score
	scoreSum   float64
	scoreCount float64
}

// Scraper periodically fetches Prometheus metrics from the server and
// records snapshots that can be included in the load test report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a new Scraper that will fetch metrics from
// metricsURL at the given interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start begins scraping in the background. It takes an initial snapshot
// immediately and then scrapes at the configured interval until the
// context is cancelled or Stop is called.
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
				// Take a final snapshot before exiting.
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// Silently skip failed scrapes; the server may not be ready yet.
		return
	}

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (metricSnapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return metricSnapshot{}, err
	}
	defer resp.Body.Close()

	snap := metricSnapshot{timestamp: time.Now()}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		// Labeled counters appear as multiple lines; sum them.
		switch name {
		case "comment_submissions_total":
			snap.submissions += value
		case "comment_ratelimit_rejections_total":
			snap.rateLimited += value
		case "comment_moderation_actions_total":
			snap.modActions += value
		case "comment_mention_queries_total":
			snap.mentions = value
		case "comment_spam_score_sum":
			snap.scoreSum = value
		case "comment_spam_score_count":
			snap.scoreCount = value
		}
	}

	return snap, scanner.Err()
}

// parseMetricLine parses a Prometheus text exposition line into the
// metric name (without labels) and its float value. Returns false if the
// line cannot be parsed.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if idx := strings.IndexByte(raw, '{'); idx != -1 {
		name = raw[:idx]
		closing := strings.IndexByte(raw[idx:], '}')
		if closing == -1 {
			return "", 0, false
		}
		raw = name + raw[idx+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints a summary of the server-side metrics collected during
// the load test: initial value, final value, delta, and peak.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]metricSnapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	type counter struct {
		label   string
		initial float64
		final   float64
		peak    float64
	}

	counters := []counter{
		{label: "Submissions", initial: first.submissions, final: last.submissions,
			peak: peakValue(snaps, func(s metricSnapshot) float64 { return s.submissions })},
		{label: "Rate Limited", initial: first.rateLimited, final: last.rateLimited,
			peak: peakValue(snaps, func(s metricSnapshot) float64 { return s.rateLimited })},
		{label: "Mod Actions", initial: first.modActions, final: last.modActions,
			peak: peakValue(snaps, func(s metricSnapshot) float64 { return s.modActions })},
		{label: "Mention Queries", initial: first.mentions, final: last.mentions,
			peak: peakValue(snaps, func(s metricSnapshot) float64 { return s.mentions })},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, c := range counters {
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			c.label, c.initial, c.final, c.final-c.initial, c.peak)
	}

	fmt.Println()
	printHistogramAvg("Spam Score", first.scoreSum, first.scoreCount,
		last.scoreSum, last.scoreCount)
}

// printHistogramAvg prints the average computed from histogram
// _sum/_count deltas between the first and last snapshot.
func printHistogramAvg(label string, sumFirst, countFirst, sumLast, countLast float64) {
	deltaSum := sumLast - sumFirst
	deltaCount := countLast - countFirst
	if deltaCount > 0 {
		fmt.Printf("  %-16s avg: %.2f  (%.0f observations)\n", label, deltaSum/deltaCount, deltaCount)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", label)
	}
}

// peakValue returns the maximum value of the given extractor across all
// snapshots.
func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}

// Package stats provides a goroutine-safe metrics collector that aggregates
// performance data from multiple load test workers and prints a summary
// report with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from load test workers. All methods are
// goroutine-safe and can be called concurrently.
type Collector struct {
	mu              sync.Mutex
	submitLatencies []time.Duration
	listLatencies   []time.Duration
	outcomes        map[string]int // submission outcome -> count (status, rate_limited, error)
	events          int            // moderation events received over the WS feed
	errors          int
	startTime       time.Time
	scraper         *Scraper
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		outcomes:  make(map[string]int),
		startTime: time.Now(),
	}
}

// SetScraper attaches a Prometheus metrics scraper. When set, Report also
// prints server-side metrics.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddSubmit records one comment submission with its latency and outcome.
func (c *Collector) AddSubmit(d time.Duration, outcome string) {
	c.mu.Lock()
	c.submitLatencies = append(c.submitLatencies, d)
	c.outcomes[outcome]++
	c.mu.Unlock()
}

// AddList records one list request latency.
func (c *Collector) AddList(d time.Duration) {
	c.mu.Lock()
	c.listLatencies = append(c.listLatencies, d)
	c.mu.Unlock()
}

// AddEvent counts one event received on the moderation stream.
func (c *Collector) AddEvent() {
	c.mu.Lock()
	c.events++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ErrorCount returns the current number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints a formatted summary of the collected metrics to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)
	total := len(c.submitLatencies)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Submissions:  %d\n", total)
	fmt.Printf("Errors:       %d\n", c.errors)
	if total > 0 {
		fmt.Printf("Throughput:   %.1f req/s\n", float64(total)/elapsed.Seconds())
	}

	if len(c.outcomes) > 0 {
		fmt.Println("\n--- Submission Outcomes ---")
		keys := make([]string, 0, len(c.outcomes))
		for k := range c.outcomes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %-16s %d\n", k, c.outcomes[k])
		}
	}

	if len(c.submitLatencies) > 0 {
		fmt.Println("\n--- Submit Latency ---")
		printPercentiles(c.submitLatencies)
	}
	if len(c.listLatencies) > 0 {
		fmt.Println("\n--- List Latency ---")
		printPercentiles(c.listLatencies)
	}
	if c.events > 0 {
		fmt.Printf("\nStream events received: %d\n", c.events)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// printPercentiles sorts the given durations and prints avg, p50, p95,
// p99, and max values along with the sample count.
func printPercentiles(durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	p50 := durations[n/2]
	p95 := durations[int(math.Ceil(float64(n)*0.95))-1]
	p99 := durations[int(math.Ceil(float64(n)*0.99))-1]

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(n)

	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		avg.Round(time.Microsecond),
		p50.Round(time.Microsecond),
		p95.Round(time.Microsecond),
		p99.Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}

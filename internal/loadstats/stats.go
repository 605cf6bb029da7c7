// Package loadstats aggregates latencies and errors from load test clients
// and prints them as percentile tables, optionally next to the gateway's own
// Prometheus counters.
package loadstats

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

// Series names one latency being measured.
type Series int

const (
	SeriesConnect Series = iota // dial to session_created
	SeriesShown                 // keystroke to indicator on the peer
	SeriesCleared               // keystroke to indicator gone on the peer
	numSeries
)

var seriesLabels = [numSeries]string{
	SeriesConnect: "connect",
	SeriesShown:   "indicator shown",
	SeriesCleared: "indicator cleared",
}

func (s Series) String() string { return seriesLabels[s] }

// Collector is safe for concurrent use by many client goroutines.
type Collector struct {
	started time.Time

	mu      sync.Mutex
	samples [numSeries][]time.Duration
	errors  int
	scraper *Scraper
}

func NewCollector() *Collector {
	return &Collector{started: time.Now()}
}

// SetScraper makes Report include the server-side counters s collected.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scraper = s
}

// Add records one sample of series s.
func (c *Collector) Add(s Series, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[s] = append(c.samples[s], d)
}

// AddConnect records a successful connection. Every connect sample counts
// towards ConnectionCount.
func (c *Collector) AddConnect(d time.Duration) { c.Add(SeriesConnect, d) }
func (c *Collector) AddShown(d time.Duration)   { c.Add(SeriesShown, d) }
func (c *Collector) AddCleared(d time.Duration) { c.Add(SeriesCleared, d) }

func (c *Collector) AddError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors++
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples[SeriesConnect])
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the run summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	conns := len(c.samples[SeriesConnect])
	fmt.Printf("\n== results (%s) ==\n", time.Since(c.started).Round(time.Second))
	fmt.Printf("connections  %d\n", conns)
	fmt.Printf("errors       %d", c.errors)
	if attempts := conns + c.errors; attempts > 0 {
		fmt.Printf(" (%.2f%% of attempts)", 100*float64(c.errors)/float64(attempts))
	}
	fmt.Println()

	fmt.Printf("\n%-18s %8s %10s %10s %10s %10s %10s\n", "latency", "n", "avg", "p50", "p95", "p99", "max")
	for s := Series(0); s < numSeries; s++ {
		if len(c.samples[s]) == 0 {
			continue
		}
		d := Percentiles(c.samples[s])
		fmt.Printf("%-18s %8d %10v %10v %10v %10v %10v\n", s, d.N,
			round(d.Avg), round(d.P50), round(d.P95), round(d.P99), round(d.Max))
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

func round(d time.Duration) time.Duration { return d.Round(time.Microsecond) }

// Distribution summarizes a set of latency samples.
type Distribution struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Percentiles sorts durations in place and summarizes them. P95 and P99 use
// the nearest-rank method. An empty slice yields a zero Distribution.
func Percentiles(durations []time.Duration) Distribution {
	n := len(durations)
	if n == 0 {
		return Distribution{}
	}
	slices.Sort(durations)

	rank := func(p float64) time.Duration {
		return durations[int(math.Ceil(float64(n)*p))-1]
	}
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Distribution{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: durations[n-1],
	}
}

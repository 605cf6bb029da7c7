package loadstats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// metricSnapshot is one scrape of the gateway counters a load test watches.
type metricSnapshot struct {
	at          time.Time
	connections float64
	contexts    float64
	sent        float64 // announcements published
	skipped     float64 // announcements throttled
	received    float64 // announcements applied by peers
	evictions   float64
	rateLimited float64 // summed over rules
}

// Scraper polls a gateway's /metrics endpoint so the report can show the
// server's view of the run next to the clients'.
type Scraper struct {
	url      string
	interval time.Duration
	http     *http.Client

	mu    sync.Mutex
	snaps []metricSnapshot

	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Start takes a first snapshot right away, then one per interval until ctx
// ends or Stop is called. A final snapshot is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)
	s.scrape(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.scrape(ctx)
			case <-ctx.Done():
				s.scrape(context.Background())
				return
			}
		}
	}()
}

// Stop ends scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.stop == nil {
		return
	}
	s.stop()
	s.wg.Wait()
}

// scrape records one snapshot. Failures are skipped; the gateway may not be
// up yet.
func (s *Scraper) scrape(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	snap.at = time.Now()

	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

// parseSnapshot reads a Prometheus text exposition and picks out the typing
// gateway's metrics.
func parseSnapshot(r io.Reader) (metricSnapshot, error) {
	var snap metricSnapshot

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "typing_connections_total":
			snap.connections = value
		case "typing_open_contexts":
			snap.contexts = value
		case "typing_announcements_total":
			switch labels["outcome"] {
			case "sent":
				snap.sent = value
			case "skipped":
				snap.skipped = value
			case "received":
				snap.received = value
			}
		case "typing_evictions_total":
			snap.evictions = value
		case "typing_rate_limited_total":
			// One line per rule.
			snap.rateLimited += value
		}
	}

	return snap, scanner.Err()
}

// parseMetricLine parses a Prometheus text exposition line into the metric
// name, its labels and its float value. Returns false if the line cannot be
// parsed.
//
//	metric_name 1.23
//	metric_name{label="value",other="x"} 1.23
func parseMetricLine(line string) (name string, labels map[string]string, value float64, ok bool) {
	rest := line
	if idx := strings.IndexByte(line, '{'); idx != -1 {
		closing := strings.IndexByte(line[idx:], '}')
		if closing == -1 {
			return "", nil, 0, false
		}
		name = line[:idx]
		labels = parseLabels(line[idx+1 : idx+closing])
		rest = line[idx+closing+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", nil, 0, false
		}
		name = fields[0]
		rest = strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", nil, 0, false
	}
	// An optional timestamp may follow the value.
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", nil, 0, false
	}
	return name, labels, v, true
}

func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		labels[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return labels
}

// Report prints, per tracked metric, its first and last scraped value, the
// change between them and the peak.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]metricSnapshot(nil), s.snaps...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\nserver metrics: nothing scraped")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]
	fmt.Printf("\nserver metrics: %d scrapes over %s\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct {
		label string
		get   func(metricSnapshot) float64
	}{
		{"connections", func(m metricSnapshot) float64 { return m.connections }},
		{"open contexts", func(m metricSnapshot) float64 { return m.contexts }},
		{"announce sent", func(m metricSnapshot) float64 { return m.sent }},
		{"announce skipped", func(m metricSnapshot) float64 { return m.skipped }},
		{"announce recv", func(m metricSnapshot) float64 { return m.received }},
		{"evictions", func(m metricSnapshot) float64 { return m.evictions }},
		{"rate limited", func(m metricSnapshot) float64 { return m.rateLimited }},
	}
	fmt.Printf("%-18s %10s %10s %10s %10s\n", "metric", "first", "last", "delta", "peak")
	for _, r := range rows {
		peak := r.get(first)
		for _, m := range snaps[1:] {
			peak = max(peak, r.get(m))
		}
		f, l := r.get(first), r.get(last)
		fmt.Printf("%-18s %10.0f %10.0f %10.0f %10.0f\n", r.label, f, l, l-f, peak)
	}

	if sent := last.sent - first.sent; sent > 0 {
		fmt.Printf("fan-out: %.2f receptions per sent announcement\n", (last.received-first.received)/sent)
	}
}

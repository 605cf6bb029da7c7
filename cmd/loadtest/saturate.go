package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/campusly/presence/internal/loadstats"
	"github.com/campusly/presence/internal/wsclient"
)

type saturateOpts struct {
	url         string
	connections int
	groups      int
	ramp        time.Duration
	hold        time.Duration
	concurrency int
}

// runSaturate ramps up to -connections clients and holds them, reporting
// drops. With -groups each client also opens one of that many group
// contexts, so the gateway carries a subscription per connection.
func runSaturate(args []string) {
	var o saturateOpts
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	fs.StringVar(&o.url, "url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	fs.IntVar(&o.connections, "connections", 1000, "connections to open")
	fs.IntVar(&o.groups, "groups", 0, "group contexts to spread connections over (0 = none)")
	fs.DurationVar(&o.ramp, "ramp", 10*time.Second, "time to spread connection attempts over")
	fs.DurationVar(&o.hold, "hold", 30*time.Second, "time to hold connections once open")
	fs.IntVar(&o.concurrency, "concurrency", 50, "max connection attempts in flight")
	metricsURL := fs.String("metrics-url", "", "gateway /metrics URL to scrape (empty = none)")
	scrapeEvery := fs.Duration("scrape-interval", 2*time.Second, "time between scrapes")
	fs.Parse(args)
	if o.connections <= 0 || o.concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "saturate: -connections and -concurrency must be positive")
		os.Exit(2)
	}

	fmt.Printf("saturate: %d connections to %s, groups=%d ramp=%s hold=%s concurrency=%d\n",
		o.connections, o.url, o.groups, o.ramp, o.hold, o.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	if *metricsURL != "" {
		scraper := loadstats.NewScraper(*metricsURL, *scrapeEvery)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
		defer scraper.Stop()
	}

	clients := rampUp(ctx, o, collector)
	defer func() {
		fmt.Printf("\nclosing %d connections\n", len(clients))
		for _, c := range clients {
			c.Close()
		}
		collector.Report()
	}()

	if ctx.Err() != nil {
		fmt.Println("interrupted during ramp-up, skipping hold")
		return
	}
	if dropped := holdOpen(ctx, clients, o.hold); dropped > 0 {
		fmt.Printf("\n%d connections dropped during hold\n", dropped)
	}
}

// rampUp starts one connection attempt per ramp/connections interval and
// returns the clients that connected.
func rampUp(ctx context.Context, o saturateOpts, collector *loadstats.Collector) []*wsclient.Client {
	fmt.Println("\n== ramp-up ==")

	interval := max(o.ramp/time.Duration(o.connections), time.Millisecond)
	tick := time.NewTicker(interval)
	defer tick.Stop()

	stopProgress := make(chan struct{})
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		reportProgress("ramp", collector, o.connections, time.Second, stopProgress)
	}()

	var (
		mu      sync.Mutex
		clients = make([]*wsclient.Client, 0, o.connections)
		g       errgroup.Group
	)
	g.SetLimit(o.concurrency)
	start := time.Now()

launch:
	for n := 0; n < o.connections; n++ {
		select {
		case <-ctx.Done():
			break launch
		case <-tick.C:
		}
		g.Go(func() error {
			c, err := dialSaturating(ctx, o, n)
			if err != nil {
				collector.AddError()
				return nil
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	close(stopProgress)
	<-progressDone

	fmt.Printf("\nramp-up done: %d/%d connected in %s, %d errors\n",
		len(clients), o.connections, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return clients
}

// dialSaturating connects participant sat-n and opens its group context.
func dialSaturating(ctx context.Context, o saturateOpts, n int) (*wsclient.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := wsclient.Dial(ctx, o.url+"?participant="+url.QueryEscape(fmt.Sprintf("sat-%d", n)))
	if err != nil {
		return nil, err
	}
	err = c.WaitForSession(ctx)
	if err == nil && o.groups > 0 {
		err = c.OpenGroup(fmt.Sprintf("sat-%d", n%o.groups))
	}
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// holdOpen waits out d, printing liveness every five seconds, and returns
// how many clients dropped meanwhile.
func holdOpen(ctx context.Context, clients []*wsclient.Client, d time.Duration) int {
	fmt.Printf("\n== hold ==\nholding %d connections for %s\n", len(clients), d)

	done := time.After(d)
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("interrupted during hold")
			return len(clients) - countAlive(clients)
		case <-done:
			return len(clients) - countAlive(clients)
		case <-status.C:
			alive := countAlive(clients)
			fmt.Printf("  [hold] alive %d/%d, dropped %d\n", alive, len(clients), len(clients)-alive)
		}
	}
}

// countAlive returns how many clients still have a running read loop.
func countAlive(clients []*wsclient.Client) int {
	alive := 0
	for _, c := range clients {
		select {
		case <-c.Done():
		default:
			alive++
		}
	}
	return alive
}

// reportProgress prints the connection count and rate every tick until stop
// is closed.
func reportProgress(phase string, collector *loadstats.Collector, target int, tick time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(tick)
	defer t.Stop()

	prev, prevAt := 0, time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			n := collector.ConnectionCount()
			rate := float64(n-prev) / now.Sub(prevAt).Seconds()
			fmt.Printf("  [%s] %d/%d connected, %d errors, %.1f conn/s\n",
				phase, n, target, collector.ErrorCount(), rate)
			prev, prevAt = n, now
		}
	}
}

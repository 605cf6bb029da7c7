package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/campusly/presence/internal/loadstats"
	"github.com/campusly/presence/internal/protocol"
	"github.com/campusly/presence/internal/typing"
	"github.com/campusly/presence/internal/wsclient"
)

// typingPair is one direct conversation under test. a types, b watches.
type typingPair struct {
	a, b     *wsclient.Client
	key      string
	aName    string
	bTypists <-chan protocol.TypistsMsg
}

// runTyping connects pairs of participants into direct contexts. In every
// round the first participant sends a burst of keystrokes and the second
// records when the indicator appears and when it clears.
func runTyping(args []string) {
	fs := flag.NewFlagSet("typing", flag.ExitOnError)
	wsURL := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of direct conversation pairs")
	rounds := fs.Int("rounds", 3, "Typing rounds per pair")
	keystrokes := fs.Int("keystrokes", 5, "Keystrokes per round")
	keystrokeInterval := fs.Duration("keystroke-interval", 200*time.Millisecond, "Interval between keystrokes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Typing test: %d pairs to %s (rounds=%d, keystrokes=%d every %s)\n",
		*pairs, *wsURL, *rounds, *keystrokes, *keystrokeInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1: connect and open contexts
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect pairs ---")

	run := uuid.NewString()[:8]
	var mu sync.Mutex
	ready := make([]*typingPair, 0, *pairs)
	var all []*wsclient.Client

	progressStop := make(chan struct{})
	go reportProgress("connect", collector, *pairs*2, 2*time.Second, progressStop)

	var g errgroup.Group
	g.SetLimit(*concurrency)
	for i := 0; i < *pairs; i++ {
		g.Go(func() error {
			p, clients, err := connectPair(ctx, *wsURL, fmt.Sprintf("lt-%s-%d", run, i), collector)
			mu.Lock()
			all = append(all, clients...)
			if err == nil {
				ready = append(ready, p)
			}
			mu.Unlock()
			if err != nil {
				collector.AddError()
				fmt.Printf("  pair %d: %v\n", i, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	close(progressStop)

	fmt.Printf("\n%d/%d pairs ready (%d errors)\n", len(ready), *pairs, collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Phase 2: typing rounds
	// -----------------------------------------------------------------------
	if ctx.Err() == nil && len(ready) > 0 {
		fmt.Println("\n--- Phase 2: Typing rounds ---")
		// A round lasts until the indicator has cleared: the burst plus the
		// expiry window plus one sweep, with slack for a loaded gateway.
		cfg := typing.DefaultConfig()
		roundTimeout := time.Duration(*keystrokes)*(*keystrokeInterval) + cfg.ExpiryWindow + cfg.SweepInterval + 5*time.Second

		var wg sync.WaitGroup
		for _, p := range ready {
			wg.Add(1)
			go func(p *typingPair) {
				defer wg.Done()
				for r := 0; r < *rounds && ctx.Err() == nil; r++ {
					if err := p.round(ctx, *keystrokes, *keystrokeInterval, roundTimeout, collector); err != nil {
						collector.AddError()
					}
				}
			}(p)
		}
		wg.Wait()
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	for _, c := range all {
		c.Close()
	}
	scraper.Stop()
	collector.Report()
}

// connectPair dials both participants of a pair, opens their shared direct
// context and waits until both are subscribed. The returned clients must be
// closed by the caller even on error.
func connectPair(ctx context.Context, wsURL, prefix string, collector *loadstats.Collector) (*typingPair, []*wsclient.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	names := [2]string{prefix + "-a", prefix + "-b"}
	var clients []*wsclient.Client
	for _, name := range names {
		c, err := wsclient.Dial(connCtx, wsURL+"?participant="+url.QueryEscape(name))
		if err != nil {
			return nil, clients, err
		}
		clients = append(clients, c)
		if err := c.WaitForSession(connCtx); err != nil {
			return nil, clients, fmt.Errorf("%s session: %w", name, err)
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)
	}
	a, b := clients[0], clients[1]

	p := &typingPair{a: a, b: b, aName: names[0], key: typing.DirectKey(names[0], names[1])}
	typists := make(chan protocol.TypistsMsg, 16)
	b.On(protocol.TypeTypists, func(raw json.RawMessage) {
		var msg protocol.TypistsMsg
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		select {
		case typists <- msg:
		default:
		}
	})
	p.bTypists = typists

	for i, c := range clients {
		opened := make(chan struct{}, 1)
		c.On(protocol.TypeContextOpened, func(json.RawMessage) {
			select {
			case opened <- struct{}{}:
			default:
			}
		})
		if err := c.OpenDirect(names[1-i]); err != nil {
			return nil, clients, fmt.Errorf("%s open: %w", names[i], err)
		}
		select {
		case <-opened:
		case <-connCtx.Done():
			return nil, clients, fmt.Errorf("%s: timeout waiting for context_opened", names[i])
		}
	}
	return p, clients, nil
}

// round sends one keystroke burst and waits for b's indicator to show a and
// then clear.
func (p *typingPair) round(ctx context.Context, keystrokes int, interval, timeout time.Duration, collector *loadstats.Collector) error {
	roundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	go func() {
		for k := 0; k < keystrokes; k++ {
			if k > 0 {
				select {
				case <-time.After(interval):
				case <-roundCtx.Done():
					return
				}
			}
			if err := p.a.Typing(p.key); err != nil {
				return
			}
		}
	}()

	shown := false
	for {
		select {
		case msg := <-p.bTypists:
			switch {
			case !shown && len(msg.Participants) == 1 && msg.Participants[0] == p.aName:
				shown = true
				collector.AddShown(time.Since(start))
			case shown && len(msg.Participants) == 0:
				collector.AddCleared(time.Since(start))
				return nil
			}
		case <-roundCtx.Done():
			return fmt.Errorf("round timed out (shown=%v)", shown)
		}
	}
}

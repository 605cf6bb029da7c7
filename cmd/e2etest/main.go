// Package main implements a standalone end-to-end probe for a running typing
// gateway. It checks the health endpoints, the WebSocket handshake, typing
// indicators in direct and group contexts, indicator expiry, and rate
// limiting.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/campusly/presence/internal/protocol"
	"github.com/campusly/presence/internal/typing"
	"github.com/campusly/presence/internal/wsclient"
)

// expiryBound is the longest a typist may stay visible after its last
// announcement: the expiry window plus one sweep interval.
var expiryBound = typing.DefaultConfig().ExpiryWindow + typing.DefaultConfig().SweepInterval

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Typing Presence E2E Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Participant and group names are unique per run.
	run := truncateID(uuid.NewString())

	var results []scenarioResult
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2ConnectHandshake(ctx, *wsURL, run))

	// Scenarios 3 and 4 share one direct conversation.
	s3, s4 := scenario34DirectTypingAndExpiry(ctx, *wsURL, run)
	results = append(results, s3, s4)

	results = append(results, scenario5GroupIndicator(ctx, *wsURL, run))

	// Optional scenarios (non-fatal).
	results = append(results, scenario6RateLimiting(ctx, *wsURL, run))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Contexts    int    `json:"contexts"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health JSON parse: %v", err)}
	}
	if health.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health status %q", health.Status)}
	}

	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "typing_connections_total") {
		return scenarioResult{name, resultFail, "/metrics: missing typing_connections_total"}
	}

	return scenarioResult{name, resultPass,
		fmt.Sprintf("connections=%d, contexts=%d", health.Connections, health.Contexts)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect and Handshake
// ---------------------------------------------------------------------------

func scenario2ConnectHandshake(ctx context.Context, wsURL, run string) scenarioResult {
	name := "Scenario 2: Connect and Handshake"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	participant := "hs-" + run
	c, err := connect(connCtx, wsURL, participant)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer c.Close()

	if c.SessionID() == "" {
		return scenarioResult{name, resultFail, "empty session ID"}
	}
	if got := c.ParticipantID(); got != participant {
		return scenarioResult{name, resultFail, fmt.Sprintf("participant_id %q, want %q", got, participant)}
	}

	anon, err := connect(connCtx, wsURL, "")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("anonymous: %v", err)}
	}
	defer anon.Close()
	if anon.ParticipantID() == "" {
		return scenarioResult{name, resultFail, "anonymous connection got no participant_id"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("session=%s, anonymous=%s",
		truncateID(c.SessionID()), truncateID(anon.ParticipantID()))}
}

// ---------------------------------------------------------------------------
// Scenarios 3, 4: Direct Typing, Expiry
// ---------------------------------------------------------------------------

func scenario34DirectTypingAndExpiry(ctx context.Context, wsURL, run string) (scenarioResult, scenarioResult) {
	s3Name := "Scenario 3: Direct Typing Indicator"
	s4Name := "Scenario 4: Indicator Expiry"
	skipped := scenarioResult{s4Name, resultFail, "skipped: direct typing failed"}

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 30*time.Second)
	defer scenarioCancel()

	a, b := "alice-"+run, "bob-"+run
	clientA, err := connect(scenarioCtx, wsURL, a)
	if err != nil {
		return scenarioResult{s3Name, resultFail, err.Error()}, skipped
	}
	defer clientA.Close()
	clientB, err := connect(scenarioCtx, wsURL, b)
	if err != nil {
		return scenarioResult{s3Name, resultFail, err.Error()}, skipped
	}
	defer clientB.Close()

	typistsA := collect(clientA, protocol.TypeTypists)
	typistsB := collect(clientB, protocol.TypeTypists)

	key, err := openAll(scenarioCtx, func(c *wsclient.Client, peer string) error {
		return c.OpenDirect(peer)
	}, []*wsclient.Client{clientA, clientB}, []string{b, a})
	if err != nil {
		return scenarioResult{s3Name, resultFail, err.Error()}, skipped
	}
	if key != typing.DirectKey(a, b) {
		return scenarioResult{s3Name, resultFail, fmt.Sprintf("context key %q", key)}, skipped
	}

	typedAt := time.Now()
	if err := clientA.Typing(key); err != nil {
		return scenarioResult{s3Name, resultFail, fmt.Sprintf("typing: %v", err)}, skipped
	}

	shown, err := awaitTypists(scenarioCtx, typistsB, 5*time.Second)
	if err != nil {
		return scenarioResult{s3Name, resultFail, "B: " + err.Error()}, skipped
	}
	if len(shown.Participants) != 1 || shown.Participants[0] != a {
		return scenarioResult{s3Name, resultFail, fmt.Sprintf("B saw %v, want [%s]", shown.Participants, a)}, skipped
	}
	if want := typing.FormatIndicator([]string{a}); shown.Text != want {
		return scenarioResult{s3Name, resultFail, fmt.Sprintf("text %q, want %q", shown.Text, want)}, skipped
	}
	s3 := scenarioResult{s3Name, resultPass, fmt.Sprintf("shown after %s", time.Since(typedAt).Round(time.Millisecond))}

	// B must see the indicator clear on its own, and A never sees itself.
	cleared, err := awaitTypists(scenarioCtx, typistsB, expiryBound+2*time.Second)
	if err != nil {
		return s3, scenarioResult{s4Name, resultFail, "B: " + err.Error()}
	}
	elapsed := time.Since(typedAt)
	if len(cleared.Participants) != 0 {
		return s3, scenarioResult{s4Name, resultFail, fmt.Sprintf("B saw %v, want none", cleared.Participants)}
	}
	if elapsed > expiryBound+500*time.Millisecond {
		return s3, scenarioResult{s4Name, resultFail, fmt.Sprintf("cleared after %s, bound %s", elapsed, expiryBound)}
	}

	select {
	case raw := <-typistsA:
		return s3, scenarioResult{s4Name, resultFail, fmt.Sprintf("A received its own indicator: %s", raw)}
	default:
	}

	return s3, scenarioResult{s4Name, resultPass, fmt.Sprintf("cleared after %s", elapsed.Round(time.Millisecond))}
}

// ---------------------------------------------------------------------------
// Scenario 5: Group Indicator
// ---------------------------------------------------------------------------

func scenario5GroupIndicator(ctx context.Context, wsURL, run string) scenarioResult {
	name := "Scenario 5: Group Indicator"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 20*time.Second)
	defer scenarioCancel()

	names := []string{"gal-" + run, "gbo-" + run, "gcy-" + run}
	clients := make([]*wsclient.Client, len(names))
	for i, n := range names {
		c, err := connect(scenarioCtx, wsURL, n)
		if err != nil {
			return scenarioResult{name, resultFail, err.Error()}
		}
		defer c.Close()
		clients[i] = c
	}
	watcher := collect(clients[2], protocol.TypeTypists)

	group := "e2e-" + run
	key, err := openAll(scenarioCtx, func(c *wsclient.Client, groupID string) error {
		return c.OpenGroup(groupID)
	}, clients, []string{group, group, group})
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}

	for _, c := range clients[:2] {
		if err := c.Typing(key); err != nil {
			return scenarioResult{name, resultFail, fmt.Sprintf("typing: %v", err)}
		}
	}

	// The watcher sees one typist, then two.
	for {
		msg, err := awaitTypists(scenarioCtx, watcher, 5*time.Second)
		if err != nil {
			return scenarioResult{name, resultFail, err.Error()}
		}
		if len(msg.Participants) < 2 {
			continue
		}
		if len(msg.Participants) != 2 || !containsAll(msg.Participants, names[:2]) {
			return scenarioResult{name, resultFail, fmt.Sprintf("typists %v", msg.Participants)}
		}
		if want := typing.FormatIndicator(msg.Participants); msg.Text != want {
			return scenarioResult{name, resultFail, fmt.Sprintf("text %q, want %q", msg.Text, want)}
		}
		return scenarioResult{name, resultPass, fmt.Sprintf("%q", msg.Text)}
	}
}

// ---------------------------------------------------------------------------
// Scenario 6: Rate Limiting (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenario6RateLimiting(ctx context.Context, wsURL, run string) scenarioResult {
	name := "Scenario 6: Rate Limiting"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 20*time.Second)
	defer scenarioCancel()

	c, err := connect(scenarioCtx, wsURL, "rl-"+run)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer c.Close()

	rateLimited := make(chan int, 1)
	c.On(protocol.TypeRateLimited, func(raw json.RawMessage) {
		var msg protocol.RateLimitedMsg
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case rateLimited <- msg.RetryAfter:
			default:
			}
		}
	})

	key, err := openAll(scenarioCtx, func(c *wsclient.Client, groupID string) error {
		return c.OpenGroup(groupID)
	}, []*wsclient.Client{c}, []string{"rl-" + run})
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}

	// The typing rule allows 30 frames per 10s.
	sentCount := 0
	for i := 0; i < 40; i++ {
		if err := c.Typing(key); err != nil {
			break
		}
		sentCount++
	}

	rlCtx, rlCancel := context.WithTimeout(scenarioCtx, 5*time.Second)
	defer rlCancel()

	select {
	case retryAfter := <-rateLimited:
		return scenarioResult{name, resultInfo, fmt.Sprintf("rate_limited after %d frames, retry_after=%ds", sentCount, retryAfter)}
	case <-rlCtx.Done():
		return scenarioResult{name, resultInfo, fmt.Sprintf("no rate_limited after %d frames (gateway may run without Redis)", sentCount)}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// connect dials the gateway as participant and waits for the handshake. An
// empty participant lets the server assign one.
func connect(ctx context.Context, wsURL, participant string) (*wsclient.Client, error) {
	target := wsURL
	if participant != "" {
		target += "?participant=" + url.QueryEscape(participant)
	}
	c, err := wsclient.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("%s connect: %w", participant, err)
	}
	if err := c.WaitForSession(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("%s session: %w", participant, err)
	}
	return c, nil
}

// collect buffers the frames of one type a client receives.
func collect(c *wsclient.Client, msgType string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 64)
	c.On(msgType, func(raw json.RawMessage) {
		select {
		case ch <- raw:
		default:
		}
	})
	return ch
}

// openAll opens one context per client with open(client, arg) and waits for
// every context_opened. All clients must land on the same key.
func openAll(ctx context.Context, open func(*wsclient.Client, string) error,
	clients []*wsclient.Client, args []string) (string, error) {

	opened := make([]<-chan json.RawMessage, len(clients))
	for i, c := range clients {
		opened[i] = collect(c, protocol.TypeContextOpened)
		if err := open(c, args[i]); err != nil {
			return "", fmt.Errorf("open_context: %w", err)
		}
	}

	openCtx, openCancel := context.WithTimeout(ctx, 5*time.Second)
	defer openCancel()

	var key string
	for i := range clients {
		select {
		case raw := <-opened[i]:
			var msg protocol.ContextOpenedMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				return "", fmt.Errorf("context_opened JSON parse: %w", err)
			}
			if key != "" && msg.ContextKey != key {
				return "", fmt.Errorf("clients opened %q and %q", key, msg.ContextKey)
			}
			key = msg.ContextKey
		case <-openCtx.Done():
			return "", fmt.Errorf("timeout waiting for context_opened on client %d", i+1)
		}
	}
	return key, nil
}

func awaitTypists(ctx context.Context, ch <-chan json.RawMessage, wait time.Duration) (protocol.TypistsMsg, error) {
	var msg protocol.TypistsMsg

	waitCtx, waitCancel := context.WithTimeout(ctx, wait)
	defer waitCancel()

	select {
	case raw := <-ch:
		if err := json.Unmarshal(raw, &msg); err != nil {
			return msg, fmt.Errorf("typists JSON parse: %w", err)
		}
		return msg, nil
	case <-waitCtx.Done():
		return msg, fmt.Errorf("timeout waiting for typists")
	}
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// truncateID returns the first 8 characters of an ID for display purposes.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

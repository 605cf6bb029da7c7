// Package metrics provides Prometheus instrumentation for the typing presence
// gateway. It exposes gauges for connections and open conversation contexts,
// and counters for announcement outcomes and sweep evictions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Announcement outcomes used as the "outcome" label of AnnouncementsTotal.
const (
	OutcomeSent      = "sent"      // local announcement published
	OutcomeSkipped   = "skipped"   // local announcement throttled
	OutcomeDropped   = "dropped"   // local announcement lost to a transport error
	OutcomeReceived  = "received"  // remote announcement applied
	OutcomeMalformed = "malformed" // remote payload missing id or timestamp
	OutcomeSelf      = "self"      // our own announcement echoed back
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "typing_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OpenContexts tracks conversation contexts currently subscribed.
	OpenContexts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "typing_open_contexts",
		Help: "Current number of open conversation contexts",
	})

	// AnnouncementsTotal counts typing announcements by outcome.
	AnnouncementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "typing_announcements_total",
		Help: "Typing announcements processed, by outcome",
	}, []string{"outcome"})

	// EvictionsTotal counts peers removed from a typing set by the sweep.
	EvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "typing_evictions_total",
		Help: "Typing peers evicted after the expiry window",
	})

	// FramesTotal counts client frames by type and by what the dispatcher
	// did with them: "handled", "ping", "invalid" or "unsupported".
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "typing_client_frames_total",
		Help: "Client frames received, by type and result",
	}, []string{"type", "result"})

	// RateLimitedTotal counts client frames rejected by the rate limiter,
	// labeled by rule name.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "typing_rate_limited_total",
		Help: "Client frames rejected by rate limiting",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OpenContexts,
		AnnouncementsTotal,
		EvictionsTotal,
		FramesTotal,
		RateLimitedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

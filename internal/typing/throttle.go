package typing

import "time"

// DefaultThrottleInterval is the minimum spacing between two announcements
// from the same participant in the same context.
const DefaultThrottleInterval = 2500 * time.Millisecond

// Decision is the outcome of Throttle.RequestAnnounce.
type Decision int

const (
	Skip Decision = iota
	SendNow
)

func (d Decision) String() string {
	if d == SendNow {
		return "send_now"
	}
	return "skip"
}

// Throttle decides whether a local typing signal should be published. It
// never touches the transport. Not safe for concurrent use.
type Throttle struct {
	intervalMs int64
	lastSentMs int64
	sent       bool
}

// NewThrottle creates a throttle enforcing the given interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{intervalMs: interval.Milliseconds()}
}

// RequestAnnounce returns SendNow for the first request, or when at least
// the interval has passed since the last SendNow, and records nowMs as the
// last send time. Otherwise it returns Skip and changes nothing.
func (t *Throttle) RequestAnnounce(nowMs int64) Decision {
	if t.sent && nowMs-t.lastSentMs < t.intervalMs {
		return Skip
	}
	t.sent = true
	t.lastSentMs = nowMs
	return SendNow
}

// LastSent returns the time of the last SendNow decision, if any.
func (t *Throttle) LastSent() (int64, bool) {
	return t.lastSentMs, t.sent
}

// Reset forgets the last send, making the next request exempt again.
func (t *Throttle) Reset() {
	t.sent = false
	t.lastSentMs = 0
}

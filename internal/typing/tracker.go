package typing

import "time"

// DefaultExpiryWindow is how long a typing announcement keeps a peer visible
// without a refresh.
const DefaultExpiryWindow = 5000 * time.Millisecond

// PeerRecord is the tracker's view of one remote participant.
type PeerRecord struct {
	ParticipantID string
	LastSeenMs    int64
}

// Tracker holds the remote participants currently typing in one conversation
// context, in the order they started typing. It is not safe for concurrent
// use; Conversation serializes access.
type Tracker struct {
	localID  string
	expiryMs int64
	lastSeen map[string]int64
	order    []string
}

// NewTracker creates a tracker that ignores announcements from localID and
// expires records after the given window.
func NewTracker(localID string, expiry time.Duration) *Tracker {
	return &Tracker{
		localID:  localID,
		expiryMs: expiry.Milliseconds(),
		lastSeen: make(map[string]int64),
	}
}

// OnRemoteAnnouncement inserts or refreshes participantID. The stored
// timestamp only moves forward, so a late duplicate cannot make a record look
// older than it is. Announcements from the local participant and empty ids
// are ignored. It reports whether the visible membership changed: a new
// record, or a record that had aged past the expiry window by timestampMs
// and is visible again.
func (t *Tracker) OnRemoteAnnouncement(participantID string, timestampMs int64) bool {
	if participantID == "" || participantID == t.localID {
		return false
	}
	if seen, ok := t.lastSeen[participantID]; ok {
		if timestampMs <= seen {
			return false
		}
		t.lastSeen[participantID] = timestampMs
		return timestampMs-seen >= t.expiryMs
	}
	t.lastSeen[participantID] = timestampMs
	t.order = append(t.order, participantID)
	return true
}

// Sweep removes every record whose age at nowMs has reached the expiry
// window and returns how many were removed.
func (t *Tracker) Sweep(nowMs int64) int {
	kept := t.order[:0]
	removed := 0
	for _, id := range t.order {
		if nowMs-t.lastSeen[id] >= t.expiryMs {
			delete(t.lastSeen, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	for i := len(kept); i < len(t.order); i++ {
		t.order[i] = ""
	}
	t.order = kept
	return removed
}

// CurrentTypists returns the tracked participants in insertion order.
func (t *Tracker) CurrentTypists() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// TypistsAt is CurrentTypists with records already past the expiry window
// at nowMs hidden, even if no sweep has removed them yet.
func (t *Tracker) TypistsAt(nowMs int64) []string {
	out := make([]string, 0, len(t.order))
	for _, id := range t.order {
		if nowMs-t.lastSeen[id] < t.expiryMs {
			out = append(out, id)
		}
	}
	return out
}

// LastSeen returns the effective timestamp recorded for participantID.
func (t *Tracker) LastSeen(participantID string) (int64, bool) {
	ts, ok := t.lastSeen[participantID]
	return ts, ok
}

// Len returns the number of tracked records, expired or not.
func (t *Tracker) Len() int {
	return len(t.order)
}

// Reset drops every record.
func (t *Tracker) Reset() {
	t.lastSeen = make(map[string]int64)
	t.order = nil
}

// Package typing implements ephemeral typing presence for conversation
// contexts: a throttled emitter for the local participant's announcements,
// a tracker holding the set of remote participants currently typing, and the
// Conversation lifecycle that binds both to a channel subscription.
package typing

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventTyping is the only event name published on a typing channel.
const EventTyping = "typing"

// Mode distinguishes direct (1:1) conversations from group conversations.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeGroup  Mode = "group"
)

// ParseMode validates a mode string received from a client.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDirect, ModeGroup:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("typing: unknown context mode %q", s)
	}
}

// ErrMalformed is returned by ParseAnnouncement when the participant id or
// the timestamp is missing.
var ErrMalformed = errors.New("typing: malformed announcement")

// Announcement is the payload broadcast on a typing channel each time a
// participant's throttled emitter decides to send. It is never persisted.
type Announcement struct {
	ParticipantID string `json:"participantId"`
	TimestampMs   int64  `json:"timestampMs"`
	ContextMode   Mode   `json:"contextMode"`
}

// Marshal encodes the announcement as JSON.
func (a Announcement) Marshal() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("typing: marshal announcement: %w", err)
	}
	return data, nil
}

// ParseAnnouncement decodes an announcement. A timestamp of zero is valid, so
// presence of the field is checked rather than its value.
func ParseAnnouncement(data []byte) (Announcement, error) {
	var raw struct {
		ParticipantID *string `json:"participantId"`
		TimestampMs   *int64  `json:"timestampMs"`
		ContextMode   Mode    `json:"contextMode"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Announcement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.ParticipantID == nil || *raw.ParticipantID == "" || raw.TimestampMs == nil {
		return Announcement{}, ErrMalformed
	}
	return Announcement{
		ParticipantID: *raw.ParticipantID,
		TimestampMs:   *raw.TimestampMs,
		ContextMode:   raw.ContextMode,
	}, nil
}

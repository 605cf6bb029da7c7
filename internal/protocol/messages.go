// Package protocol holds the JSON frames exchanged between clients and the
// typing gateway. Every frame is an object whose "type" field selects its
// shape.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client -> Server message types.
const (
	TypeOpenContext  = "open_context"
	TypeTyping       = "typing"
	TypeCloseContext = "close_context"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeContextOpened  = "context_opened"
	TypeContextClosed  = "context_closed"
	TypeTypists        = "typists"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried in ErrorMsg.
const (
	CodeInvalidMessage = "invalid_message"
	CodeInvalidContext = "invalid_context"
	CodeNotOpen        = "context_not_open"
	CodeTransport      = "transport_unavailable"
)

// Envelope is the first pass over a frame: its type plus the raw bytes for
// the second pass.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of data and rejects frames without a type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("protocol: envelope: %w", err)
	}
	if head.Type == "" {
		return errors.New("protocol: envelope: missing \"type\"")
	}
	e.Type = head.Type
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// OpenContextMsg asks the gateway to start tracking typing in a conversation.
// A direct context is named by PeerID, a group context by GroupID; a client
// that already knows the key may send ContextKey instead.
type OpenContextMsg struct {
	Type       string `json:"type"`
	ContextKey string `json:"context_key,omitempty"`
	Mode       string `json:"mode"`
	PeerID     string `json:"peer_id,omitempty"`
	GroupID    string `json:"group_id,omitempty"`
}

// TypingMsg reports one local keystroke burst in an open context.
type TypingMsg struct {
	Type       string `json:"type"`
	ContextKey string `json:"context_key"`
}

// CloseContextMsg stops tracking an open context.
type CloseContextMsg struct {
	Type       string `json:"type"`
	ContextKey string `json:"context_key"`
}

// PingMsg is answered with a PongMsg.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is the first frame on every connection.
type SessionCreatedMsg struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
}

// ContextOpenedMsg confirms an open_context request.
type ContextOpenedMsg struct {
	Type       string `json:"type"`
	ContextKey string `json:"context_key"`
	Channel    string `json:"channel"`
}

// ContextClosedMsg confirms a close_context request.
type ContextClosedMsg struct {
	Type       string `json:"type"`
	ContextKey string `json:"context_key"`
}

// TypistsMsg carries the participants currently typing in a context and the
// indicator text to render for them. An empty list hides the indicator.
type TypistsMsg struct {
	Type         string   `json:"type"`
	ContextKey   string   `json:"context_key"`
	Participants []string `json:"participants"`
	Text         string   `json:"text"`
}

// RateLimitedMsg reports a dropped frame. RetryAfter is in seconds.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg reports a rejected frame. Code is one of the Code constants.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers PingMsg.
type PongMsg struct {
	Type string `json:"type"`
}

// clientDecoders lists the frames a client may send. Server-only types are
// absent and therefore rejected.
var clientDecoders = map[string]func(json.RawMessage) (interface{}, error){
	TypeOpenContext:  decodeAs[OpenContextMsg],
	TypeTyping:       decodeAs[TypingMsg],
	TypeCloseContext: decodeAs[CloseContextMsg],
	TypePing:         decodeAs[PingMsg],
}

func decodeAs[T any](raw json.RawMessage) (interface{}, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseClientMessage decodes a client frame into its concrete struct, e.g.
// TypingMsg. The type is returned whenever the envelope could be read, even
// when the payload is rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, err
	}

	decode, ok := clientDecoders[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("protocol: %q is not a client message", env.Type)
	}
	msg, err := decode(env.Raw)
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: decode %s: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload with its "type" field set to msgType.
// Field values pass through as raw JSON, so nothing is re-encoded.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msgType, err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("protocol: %s payload is not an object: %w", msgType, err)
	}
	typ, _ := json.Marshal(msgType)
	fields["type"] = typ

	return json.Marshal(fields)
}

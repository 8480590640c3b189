// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the matching gateway. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubmitMatch = "submit_match"
	TypeCancelMatch = "cancel_match"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated      = "session_created"
	TypeMatchingStarted     = "matching_started"
	TypeMatchFound          = "match_found"
	TypeMatchInvalid        = "match_invalid"
	TypeMatchRequestExpired = "match_request_expired"
	TypeCancelResult        = "cancel_result"
	TypeRateLimited         = "rate_limited"
	TypeError               = "error"
	TypePong                = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SubmitMatchMsg is sent by the client to request a match on one or more
// question categories at a single complexity level.
type SubmitMatchMsg struct {
	Type       string   `json:"type"`
	Categories []string `json:"categories"`
	Complexity string   `json:"complexity"`
}

// CancelMatchMsg is sent by the client to withdraw a pending match request.
type CancelMatchMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is established
// and a user identity has been assigned.
type SessionCreatedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// MatchingStartedMsg is sent by the server to confirm the match request has
// been accepted into the queue. Timeout is in seconds.
type MatchingStartedMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Timeout   int    `json:"timeout"`
}

// MatchFoundMsg is sent by the server when a compatible partner has been
// paired and a collaboration session is ready.
type MatchFoundMsg struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	MatchID    string `json:"match_id"`
	SessionID  string `json:"session_id"`
	PartnerID  string `json:"partner_id"`
	Category   string `json:"category"`
	Complexity string `json:"complexity"`
}

// MatchInvalidMsg is sent by the server when a pairing could not be completed
// and the request has been discarded.
type MatchInvalidMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// MatchRequestExpiredMsg is sent by the server when the match request timed
// out without finding a partner.
type MatchRequestExpiredMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// CancelResultMsg is the server's response to a cancel_match request. OK is
// false when the request had already been matched, expired, or cancelled.
type CancelResultMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubmitMatch:
		var m SubmitMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelMatch:
		var m CancelMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

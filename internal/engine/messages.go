package engine

// SubmitMessage is the durable-queue payload carrying a submitted match
// request from the gateway into the engine.
type SubmitMessage struct {
	RequestID  string   `json:"request_id"`
	UserID     string   `json:"user_id"`
	Categories []string `json:"categories"`
	Complexity string   `json:"complexity"`
	EnqueuedAt int64    `json:"enqueued_at"` // unix milliseconds
}

// CancelMessage is the request payload for the cancel request/reply channel.
type CancelMessage struct {
	RequestID string `json:"request_id"`
}

// CancelReply is the engine's answer to a cancellation. OK is false when the
// request had already been resolved (matched, expired, or cancelled earlier).
type CancelReply struct {
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
}

// Push event types delivered to connected users via the notification gateway.
const (
	EventMatchFound     = "match_found"
	EventMatchInvalid   = "match_invalid"
	EventRequestExpired = "match_request_expired"
)

// Reasons attached to match_invalid events.
const (
	ReasonSessionCreateFailed = "session_create_failed"
	ReasonInvalidRequest      = "invalid_request"
)

// Event is the tagged payload published to match.event.<user_id>. Fields are
// populated according to Type.
type Event struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id,omitempty"`
	MatchID    string `json:"match_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	PartnerID  string `json:"partner_id,omitempty"`
	Category   string `json:"category,omitempty"`
	Complexity string `json:"complexity,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid submit_match message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SubmitMatch(t *testing.T) {
	input := []byte(`{"type":"submit_match","categories":["arrays","strings"],"complexity":"easy"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSubmitMatch {
		t.Fatalf("expected type %q, got %q", TypeSubmitMatch, msgType)
	}

	sm, ok := msg.(SubmitMatchMsg)
	if !ok {
		t.Fatalf("expected SubmitMatchMsg, got %T", msg)
	}
	if sm.Complexity != "easy" {
		t.Errorf("expected complexity %q, got %q", "easy", sm.Complexity)
	}
	expected := []string{"arrays", "strings"}
	if len(sm.Categories) != len(expected) {
		t.Fatalf("expected %d categories, got %d", len(expected), len(sm.Categories))
	}
	for i, v := range expected {
		if sm.Categories[i] != v {
			t.Errorf("category[%d]: expected %q, got %q", i, v, sm.Categories[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid cancel_match message
// ---------------------------------------------------------------------------

func TestParseClientMessage_CancelMatch(t *testing.T) {
	input := []byte(`{"type":"cancel_match","request_id":"abc-123"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeCancelMatch {
		t.Fatalf("expected type %q, got %q", TypeCancelMatch, msgType)
	}

	cm, ok := msg.(CancelMatchMsg)
	if !ok {
		t.Fatalf("expected CancelMatchMsg, got %T", msg)
	}
	if cm.RequestID != "abc-123" {
		t.Errorf("expected request_id %q, got %q", "abc-123", cm.RequestID)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a match_found server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_MatchFound(t *testing.T) {
	payload := MatchFoundMsg{
		RequestID:  "req-1",
		MatchID:    "uuid-456",
		SessionID:  "sess-789",
		PartnerID:  "user-2",
		Category:   "arrays",
		Complexity: "medium",
	}

	data, err := NewServerMessage(TypeMatchFound, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMatchFound {
		t.Errorf("expected type %q, got %v", TypeMatchFound, result["type"])
	}
	if result["session_id"] != "sess-789" {
		t.Errorf("expected session_id %q, got %v", "sess-789", result["session_id"])
	}
	if result["partner_id"] != "user-2" {
		t.Errorf("expected partner_id %q, got %v", "user-2", result["partner_id"])
	}
	if result["category"] != "arrays" {
		t.Errorf("expected category %q, got %v", "arrays", result["category"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Server-only message types are rejected by the client parser
// ---------------------------------------------------------------------------

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	input := []byte(`{"type":"match_found","session_id":"s1"}`)

	_, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for a server-only message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity (marshal -> unmarshal)
// ---------------------------------------------------------------------------

func TestRoundTrip_SubmitMatch(t *testing.T) {
	original := SubmitMatchMsg{
		Type:       TypeSubmitMatch,
		Categories: []string{"graphs", "trees"},
		Complexity: "hard",
	}

	// Marshal to JSON.
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	// Parse back through the protocol parser.
	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSubmitMatch {
		t.Fatalf("expected type %q, got %q", TypeSubmitMatch, msgType)
	}

	decoded, ok := msg.(SubmitMatchMsg)
	if !ok {
		t.Fatalf("expected SubmitMatchMsg, got %T", msg)
	}
	if decoded.Complexity != original.Complexity {
		t.Errorf("complexity mismatch: expected %q, got %q", original.Complexity, decoded.Complexity)
	}
	if len(decoded.Categories) != len(original.Categories) {
		t.Fatalf("categories length mismatch: expected %d, got %d", len(original.Categories), len(decoded.Categories))
	}
	for i := range original.Categories {
		if decoded.Categories[i] != original.Categories[i] {
			t.Errorf("category[%d] mismatch: expected %q, got %q", i, original.Categories[i], decoded.Categories[i])
		}
	}
}

func TestRoundTrip_CancelResult(t *testing.T) {
	original := CancelResultMsg{
		Type:      TypeCancelResult,
		RequestID: "req-42",
		OK:        true,
	}

	// Create server message bytes.
	data, err := NewServerMessage(TypeCancelResult, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	// Unmarshal back into the struct.
	var decoded CancelResultMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Type != TypeCancelResult {
		t.Errorf("type mismatch: expected %q, got %q", TypeCancelResult, decoded.Type)
	}
	if decoded.RequestID != original.RequestID {
		t.Errorf("request_id mismatch: expected %q, got %q", original.RequestID, decoded.RequestID)
	}
	if decoded.OK != original.OK {
		t.Errorf("ok mismatch: expected %v, got %v", original.OK, decoded.OK)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"submit_match", `{"type":"submit_match","categories":["arrays"],"complexity":"easy"}`, TypeSubmitMatch},
		{"cancel_match", `{"type":"cancel_match","request_id":"id1"}`, TypeCancelMatch},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

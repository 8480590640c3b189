// Package collab is the thin outbound client for the external collaboration
// service, which owns question selection and session-record persistence.
// The matchmaking engine only asks it to materialize a confirmed pairing
// into a live session.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// requestTimeout bounds the synchronous session-creation call. A pairing
// whose session cannot be created within this window is treated as invalid.
const requestTimeout = 5 * time.Second

// Client calls the collaboration service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a collaboration client for the given base URL
// (e.g. http://localhost:8082).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

type createSessionRequest struct {
	User1ID    string `json:"user1_id"`
	User2ID    string `json:"user2_id"`
	Category   string `json:"category"`
	Complexity string `json:"complexity"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// CreateSession asks the collaboration service to create a session for the
// paired users and returns the new session ID. The service assigns the
// question; a missing question for the category/complexity surfaces as an
// error here.
func (c *Client) CreateSession(ctx context.Context, user1ID, user2ID, category, complexity string) (string, error) {
	body, err := json.Marshal(createSessionRequest{
		User1ID:    user1ID,
		User2ID:    user2ID,
		Category:   category,
		Complexity: complexity,
	})
	if err != nil {
		return "", fmt.Errorf("collab: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("collab: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("collab: create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("collab: create session: status %d: %s", resp.StatusCode, snippet)
	}

	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("collab: decode response: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("collab: empty session_id in response")
	}
	return out.SessionID, nil
}

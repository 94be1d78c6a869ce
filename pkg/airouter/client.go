// Package airouter is the thin HTTP client collaborator for the AI
// Router referenced by spec.md §4.2's broadcast sub-routing: an opaque
// external LLM endpoint that receives a conversation snapshot and
// returns a ranked subset of agent names. The interesting behavior
// here isn't the HTTP call itself, it's the SSRF guard and the strict
// timeout budget around it.
package airouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/NoPKT/agentim/internal/ssrf"
)

// SnapshotMessage is one message of the conversation snapshot sent to
// the router, enough context for it to rank candidate agents.
type SnapshotMessage struct {
	SenderType string `json:"senderType"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
}

type routeRequest struct {
	RoomID       string            `json:"roomId"`
	Messages     []SnapshotMessage `json:"messages"`
	Candidates   []string          `json:"candidateAgents"`
}

type routeResponse struct {
	TargetAgents []string `json:"targetAgents"`
}

// Client calls a configured AI Router endpoint to select broadcast targets.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a Client bounded by timeoutMs (spec.md §6
// ROUTER_LLM_TIMEOUT_MS).
func NewClient(baseURL, apiKey string, timeoutMs int) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutMs) * time.Millisecond,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return ssrf.CheckURL(req.Context(), req.URL.String())
			},
		},
	}
}

// Route posts the snapshot and returns the router's selected target
// agent names, unfiltered — the caller (routing engine) is responsible
// for dropping names that don't match a known agent in the room.
func (c *Client) Route(ctx context.Context, roomID string, messages []SnapshotMessage, candidates []string) ([]string, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("airouter: no base URL configured")
	}

	if err := ssrf.CheckURL(ctx, c.baseURL); err != nil {
		return nil, fmt.Errorf("airouter: endpoint rejected: %w", err)
	}

	body, err := json.Marshal(routeRequest{RoomID: roomID, Messages: messages, Candidates: candidates})
	if err != nil {
		return nil, fmt.Errorf("airouter: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("airouter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("airouter: request failed: %w", err)
	}
	defer resp.Body.Close()

	const maxBody = 64 * 1024
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("airouter: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("airouter: endpoint returned status %d", resp.StatusCode)
	}

	var out routeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("airouter: decode response: %w", err)
	}
	return out.TargetAgents, nil
}

// Package client provides the HTTP and WebSocket clients used by the
// load test workers: a comment API client and a moderation stream
// subscriber.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Author is the identity snapshot sent with each submission.
type Author struct {
	UserID          string `json:"user_id"`
	DisplayName     string `json:"display_name"`
	ReputationScore int    `json:"reputation_score"`
	IsVerified      bool   `json:"is_verified"`
}

// SubmitResult reports one submission's outcome.
type SubmitResult struct {
	CommentID string
	Status    string // comment status, or "rate_limited" / "invalid"
	Latency   time.Duration
}

// API is a thin client for the comment engine's HTTP surface.
type API struct {
	baseURL string
	http    *http.Client
}

// NewAPI creates a client against baseURL (e.g. http://localhost:8080).
func NewAPI(baseURL string) *API {
	return &API{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Submit posts one comment and classifies the response.
func (a *API) Submit(ctx context.Context, articleID string, author Author, parentID, content string) (SubmitResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"article_id": articleID,
		"parent_id":  parentID,
		"content":    content,
		"author":     author,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/comments", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return SubmitResult{}, err
	}
	defer resp.Body.Close()

	result := SubmitResult{Latency: latency}
	switch resp.StatusCode {
	case http.StatusCreated:
		var c struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
			return SubmitResult{}, err
		}
		result.CommentID = c.ID
		result.Status = c.Status
	case http.StatusTooManyRequests:
		result.Status = "rate_limited"
	case http.StatusBadRequest:
		result.Status = "invalid"
	default:
		return SubmitResult{}, fmt.Errorf("submit: unexpected status %d", resp.StatusCode)
	}
	return result, nil
}

// List fetches one page of an article's comments and returns the latency.
func (a *API) List(ctx context.Context, articleID string, page int) (time.Duration, error) {
	url := fmt.Sprintf("%s/v1/comments?article=%s&page=%d", a.baseURL, articleID, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := a.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return latency, fmt.Errorf("list: unexpected status %d", resp.StatusCode)
	}
	return latency, nil
}

// Moderate applies one moderator action to a comment.
func (a *API) Moderate(ctx context.Context, commentID, actorID, action, reason string) error {
	body, err := json.Marshal(map[string]string{
		"action":   action,
		"reason":   reason,
		"actor_id": actorID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/moderation/"+commentID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("moderate: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// StreamSubscriber consumes the moderation event feed over WebSocket.
type StreamSubscriber struct {
	conn net.Conn
}

// DialStream connects to the modstream WS endpoint
// (e.g. ws://localhost:8081/v1/stream).
func DialStream(ctx context.Context, url string) (*StreamSubscriber, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("stream dial: %w", err)
	}
	return &StreamSubscriber{conn: conn}, nil
}

// Next blocks until the next event arrives and returns its raw payload.
func (s *StreamSubscriber) Next() ([]byte, error) {
	return wsutil.ReadServerText(s.conn)
}

// Close closes the underlying connection.
func (s *StreamSubscriber) Close() error {
	return s.conn.Close()
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/threadline/comment-engine/internal/comment"
	"github.com/threadline/comment-engine/internal/config"
	"github.com/threadline/comment-engine/internal/engine"
	"github.com/threadline/comment-engine/internal/identity"
	"github.com/threadline/comment-engine/internal/ratelimit"
)

func newTestServer(t *testing.T) (*httptest.Server, *identity.MemoryDirectory) {
	t.Helper()

	dir := identity.NewMemoryDirectory()
	eng, err := engine.New(
		config.NewStaticStore(config.Default()),
		comment.NewMemoryStore(),
		ratelimit.NewMemoryLimiter(),
		dir,
		engine.Options{},
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	srv := NewServer(eng, dir, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, dir
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func submit(t *testing.T, ts *httptest.Server, articleID, userID, content string, reputation int) *comment.Comment {
	t.Helper()
	resp := postJSON(t, ts.URL+"/v1/comments", map[string]interface{}{
		"article_id": articleID,
		"content":    content,
		"author": map[string]interface{}{
			"user_id":          userID,
			"display_name":     userID,
			"reputation_score": reputation,
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: status %d", resp.StatusCode)
	}
	var c comment.Comment
	decodeBody(t, resp, &c)
	return &c
}

func TestSubmitEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	c := submit(t, ts, "article-1", "u1", "a perfectly reasonable comment", 60)
	if c.ID == "" {
		t.Error("no comment id in response")
	}
	if c.Status != comment.StatusAutoApproved {
		t.Errorf("status = %s, want auto_approved", c.Status)
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name     string
		body     map[string]interface{}
		wantCode int
		wantErr  string
	}{
		{
			name:     "missing article",
			body:     map[string]interface{}{"content": "hello there friend", "author": map[string]interface{}{"user_id": "u1"}},
			wantCode: http.StatusBadRequest,
			wantErr:  "missing_field",
		},
		{
			name:     "empty content",
			body:     map[string]interface{}{"article_id": "a1", "content": "   ", "author": map[string]interface{}{"user_id": "u1"}},
			wantCode: http.StatusBadRequest,
			wantErr:  "empty_content",
		},
		{
			name:     "too short",
			body:     map[string]interface{}{"article_id": "a1", "content": "hi", "author": map[string]interface{}{"user_id": "u1"}},
			wantCode: http.StatusBadRequest,
			wantErr:  "too_short",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/comments", tt.body)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			var body struct {
				Error string `json:"error"`
			}
			decodeBody(t, resp, &body)
			if body.Error != tt.wantErr {
				t.Errorf("error = %q, want %q", body.Error, tt.wantErr)
			}
		})
	}
}

func TestRateLimitResponseCarriesRetryAfter(t *testing.T) {
	ts, _ := newTestServer(t)

	for i := 0; i < 5; i++ {
		submit(t, ts, "article-1", "burster", fmt.Sprintf("comment number %d in the burst", i), 10)
	}

	resp := postJSON(t, ts.URL+"/v1/comments", map[string]interface{}{
		"article_id": "article-1",
		"content":    "one over the burst cap",
		"author":     map[string]interface{}{"user_id": "burster"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestEditEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	c := submit(t, ts, "article-1", "u1", "original content goes here", 60)

	body, _ := json.Marshal(map[string]string{"author_id": "u2", "content": "someone else's words"})
	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/v1/comments/"+c.ID, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-owner edit: status = %d, want 403", resp.StatusCode)
	}

	body, _ = json.Marshal(map[string]string{"author_id": "u1", "content": "revised content goes here"})
	req, _ = http.NewRequest(http.MethodPatch, ts.URL+"/v1/comments/"+c.ID, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner edit: status = %d, want 200", resp.StatusCode)
	}
	var updated comment.Comment
	decodeBody(t, resp, &updated)
	if updated.Content != "revised content goes here" {
		t.Errorf("content = %q", updated.Content)
	}
}

func TestModerationEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	c := submit(t, ts, "article-1", "u1", "a comment awaiting review", 10)

	t.Run("reject without reason", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/v1/moderation/"+c.ID, map[string]string{
			"action": "reject", "actor_id": "mod-1",
		})
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("approve", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/v1/moderation/"+c.ID, map[string]string{
			"action": "approve", "actor_id": "mod-1",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var moderated comment.Comment
		decodeBody(t, resp, &moderated)
		if moderated.Status != comment.StatusApproved {
			t.Errorf("status = %s, want approved", moderated.Status)
		}
	})

	t.Run("approve again is a conflict", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/v1/moderation/"+c.ID, map[string]string{
			"action": "approve", "actor_id": "mod-1",
		})
		resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
	})

	t.Run("unknown comment", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/v1/moderation/no-such-id", map[string]string{
			"action": "approve", "actor_id": "mod-1",
		})
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestBulkModerationEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	a := submit(t, ts, "article-1", "u1", "first comment to approve", 10)
	b := submit(t, ts, "article-1", "u2", "second comment to approve", 10)

	resp := postJSON(t, ts.URL+"/v1/moderation/bulk", map[string]interface{}{
		"comment_ids": []string{a.ID, "missing", b.ID},
		"action":      "approve",
		"actor_id":    "mod-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result struct {
		Succeeded []string `json:"succeeded"`
		Failed    []struct {
			CommentID string `json:"comment_id"`
			Reason    string `json:"reason"`
		} `json:"failed"`
	}
	decodeBody(t, resp, &result)
	if len(result.Succeeded) != 2 || len(result.Failed) != 1 {
		t.Errorf("succeeded=%v failed=%v, want 2/1 split", result.Succeeded, result.Failed)
	}
}

func TestListEndpointPagination(t *testing.T) {
	ts, _ := newTestServer(t)
	for i := 0; i < 7; i++ {
		submit(t, ts, "article-1", fmt.Sprintf("u%d", i), fmt.Sprintf("top level comment number %d", i), 60)
	}

	resp, err := http.Get(ts.URL + "/v1/comments?article=article-1&page=1&page_size=5")
	if err != nil {
		t.Fatal(err)
	}
	var page comment.Page
	decodeBody(t, resp, &page)
	if len(page.Comments) != 5 || !page.HasMore || page.Total != 7 {
		t.Errorf("page: len=%d hasMore=%v total=%d, want 5/true/7", len(page.Comments), page.HasMore, page.Total)
	}
}

func TestMentionsEndpoint(t *testing.T) {
	ts, dir := newTestServer(t)
	dir.Upsert(context.Background(), identity.AuthorContext{UserID: "alice", DisplayName: "alice", ReputationScore: 40})
	dir.Upsert(context.Background(), identity.AuthorContext{UserID: "albert", DisplayName: "albert", ReputationScore: 90})

	resp, err := http.Get(ts.URL + "/v1/mentions?q=al&user=albert")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Users []identity.AuthorContext `json:"users"`
	}
	decodeBody(t, resp, &body)
	if len(body.Users) != 1 || body.Users[0].UserID != "alice" {
		t.Errorf("users = %+v, want only alice", body.Users)
	}
}

func TestRateLimitEndpointDoesNotConsume(t *testing.T) {
	ts, _ := newTestServer(t)

	for i := 0; i < 10; i++ {
		resp, err := http.Get(ts.URL + "/v1/ratelimit?identifier=u1&action=comment")
		if err != nil {
			t.Fatal(err)
		}
		var res struct {
			Allowed   bool `json:"allowed"`
			Remaining int  `json:"remaining"`
		}
		decodeBody(t, resp, &res)
		if !res.Allowed || res.Remaining != 5 {
			t.Fatalf("peek %d: allowed=%v remaining=%d, want full budget", i, res.Allowed, res.Remaining)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

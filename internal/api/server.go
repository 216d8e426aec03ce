// Package api serves the engine's JSON HTTP surface: comment submission
// and editing, thread listing, moderation, mention resolution, and
// rate-limit pre-flight.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/threadline/comment-engine/internal/comment"
	"github.com/threadline/comment-engine/internal/engine"
	"github.com/threadline/comment-engine/internal/identity"
	"github.com/threadline/comment-engine/internal/moderation"
)

// HealthCheck reports one collaborator's liveness, by name.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server routes HTTP requests onto the engine.
type Server struct {
	engine *engine.Engine
	dir    identity.Writer
	health []HealthCheck
}

// NewServer creates a server over the engine. The directory may be nil
// if identity updates arrive some other way; health checks may be empty.
func NewServer(eng *engine.Engine, dir identity.Writer, health []HealthCheck) *Server {
	return &Server{engine: eng, dir: dir, health: health}
}

// Routes builds the full route table, metrics and health included.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/comments", s.handleSubmit)
	mux.HandleFunc("PATCH /v1/comments/{id}", s.handleEdit)
	mux.HandleFunc("GET /v1/comments/{id}", s.handleGet)
	mux.HandleFunc("GET /v1/comments", s.handleList)
	mux.HandleFunc("GET /v1/threads/{article}", s.handleThread)
	mux.HandleFunc("POST /v1/moderation/bulk", s.handleBulkModerate)
	mux.HandleFunc("POST /v1/moderation/{id}", s.handleModerate)
	mux.HandleFunc("GET /v1/mentions", s.handleMentions)
	mux.HandleFunc("GET /v1/ratelimit", s.handleRateLimit)
	mux.HandleFunc("PUT /v1/identities", s.handleIdentityUpsert)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}

type submitRequest struct {
	ArticleID string                 `json:"article_id"`
	ParentID  string                 `json:"parent_id"`
	Content   string                 `json:"content"`
	Author    identity.AuthorContext `json:"author"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.ArticleID == "" || req.Author.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "article_id and author.user_id are required")
		return
	}

	c, err := s.engine.SubmitComment(r.Context(), req.ArticleID, req.Author, req.ParentID, req.Content)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type editRequest struct {
	AuthorID string `json:"author_id"`
	Content  string `json:"content"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.AuthorID == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "author_id is required")
		return
	}

	c, err := s.engine.EditComment(r.Context(), r.PathValue("id"), req.AuthorID, req.Content)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.GetComment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	articleID := q.Get("article")
	if articleID == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "article query parameter is required")
		return
	}

	page := intParam(q.Get("page"), 1)
	pageSize := intParam(q.Get("page_size"), 0)

	p, err := s.engine.ListComments(r.Context(), articleID, q.Get("parent"), page, pageSize, comment.Sort(q.Get("sort")))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.engine.Thread(r.Context(), r.PathValue("article"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"comments": nodes})
}

type moderateRequest struct {
	Action  string `json:"action"`
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id"`
}

func (s *Server) handleModerate(w http.ResponseWriter, r *http.Request) {
	var req moderateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "actor_id is required")
		return
	}

	c, err := s.engine.Moderate(r.Context(), r.PathValue("id"), req.ActorID, moderation.Action(req.Action), req.Reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type bulkModerateRequest struct {
	CommentIDs []string `json:"comment_ids"`
	Action     string   `json:"action"`
	Reason     string   `json:"reason"`
	ActorID    string   `json:"actor_id"`
}

func (s *Server) handleBulkModerate(w http.ResponseWriter, r *http.Request) {
	var req bulkModerateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "actor_id is required")
		return
	}
	if len(req.CommentIDs) == 0 {
		writeError(w, http.StatusBadRequest, "missing_field", "comment_ids must not be empty")
		return
	}

	result := s.engine.BulkModerate(r.Context(), req.CommentIDs, req.ActorID, moderation.Action(req.Action), req.Reason)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMentions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	users := s.engine.ResolveMentions(q.Get("q"), q.Get("user"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identifier := q.Get("identifier")
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "identifier query parameter is required")
		return
	}
	action := q.Get("action")
	if action == "" {
		action = engine.ActionComment
	}

	res, err := s.engine.CheckRateLimit(r.Context(), identifier, action)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIdentityUpsert(w http.ResponseWriter, r *http.Request) {
	if s.dir == nil {
		writeError(w, http.StatusNotImplemented, "no_directory", "identity directory is not configured")
		return
	}

	var user identity.AuthorContext
	if err := decodeJSON(w, r, &user); err != nil {
		return
	}
	if user.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "user_id is required")
		return
	}

	if err := s.dir.Upsert(r.Context(), user); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	healthy := true
	for _, hc := range s.health {
		if err := hc.Check(ctx); err != nil {
			status[hc.Name] = err.Error()
			healthy = false
		} else {
			status[hc.Name] = "ok"
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{"healthy": healthy, "checks": status})
}

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeEngineError maps engine and store errors onto HTTP statuses.
// Anything unrecognized is a collaborator failure and becomes a 500.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	var rlerr *engine.RateLimitError
	var iterr *moderation.InvalidTransitionError

	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Reason, err.Error())
	case errors.As(err, &rlerr):
		retry := time.Until(rlerr.ResetAt).Seconds()
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retry)))
		writeError(w, http.StatusTooManyRequests, rlerr.Reason, err.Error())
	case errors.As(err, &iterr):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, engine.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not_owner", err.Error())
	case errors.Is(err, engine.ErrEditWindowExpired):
		writeError(w, http.StatusConflict, "edit_window_expired", err.Error())
	case errors.Is(err, engine.ErrNotEditable):
		writeError(w, http.StatusConflict, "not_editable", err.Error())
	case errors.Is(err, moderation.ErrReasonRequired):
		writeError(w, http.StatusBadRequest, "reason_required", err.Error())
	case errors.Is(err, moderation.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, "unknown_action", err.Error())
	case errors.Is(err, comment.ErrThreadTooDeep):
		writeError(w, http.StatusUnprocessableEntity, "thread_too_deep", err.Error())
	case errors.Is(err, comment.ErrParentMismatch):
		writeError(w, http.StatusUnprocessableEntity, "parent_mismatch", err.Error())
	case errors.Is(err, comment.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, comment.ErrVersionConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		log.Printf("[api] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, errorBody{Error: errCode, Message: message})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

// decodeJSON parses the request body into dst, writing the 400 itself on
// failure so handlers can just return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON for this endpoint")
		return err
	}
	return nil
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

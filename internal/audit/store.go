// Package audit provides PostgreSQL-backed storage for the moderation
// trail: one row per applied moderator action, and one row per automatic
// submission decision with the fired spam signals snapshotted as JSONB
// for later review.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/threadline/comment-engine/internal/comment"
	"github.com/threadline/comment-engine/internal/moderation"
	"github.com/threadline/comment-engine/internal/spam"
)

// Store persists audit records.
type Store struct {
	db *sql.DB
}

// NewStore creates an audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts one applied moderation action. Implements
// moderation.AuditSink.
func (s *Store) Record(ctx context.Context, action *moderation.ModerationAction) error {
	const query = `
		INSERT INTO moderation_actions
			(id, comment_id, action, reason, actor_id, bulk, new_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		action.ID,
		action.CommentID,
		string(action.Action),
		nullIfEmpty(action.Reason),
		action.ActorID,
		action.Bulk,
		string(action.NewStatus),
		action.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("audit: insert action: %w", err)
	}
	return nil
}

// Decision is the automatic outcome recorded for every accepted
// submission: the score, the signals that produced it, and the initial
// status the decision engine assigned.
type Decision struct {
	CommentID string
	ArticleID string
	AuthorID  string
	SpamScore int
	Signals   []spam.Signal
	Status    comment.Status
	At        time.Time
}

// RecordDecision inserts one submission decision. Signals are marshalled
// to JSONB so moderator tooling can show why a comment was held.
func (s *Store) RecordDecision(ctx context.Context, d *Decision) error {
	var signalsJSON []byte
	if len(d.Signals) > 0 {
		var err error
		signalsJSON, err = json.Marshal(d.Signals)
		if err != nil {
			return fmt.Errorf("audit: marshal signals: %w", err)
		}
	}

	const query = `
		INSERT INTO submission_decisions
			(id, comment_id, article_id, author_id, spam_score, signals, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(),
		d.CommentID,
		d.ArticleID,
		d.AuthorID,
		d.SpamScore,
		signalsJSON,
		string(d.Status),
		d.At,
	)
	if err != nil {
		return fmt.Errorf("audit: insert decision: %w", err)
	}
	return nil
}

// ActionsForComment returns the moderation trail of one comment, oldest
// first.
func (s *Store) ActionsForComment(ctx context.Context, commentID string) ([]*moderation.ModerationAction, error) {
	const query = `
		SELECT id, comment_id, action, reason, actor_id, bulk, new_status, created_at
		FROM moderation_actions
		WHERE comment_id = $1
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, commentID)
	if err != nil {
		return nil, fmt.Errorf("audit: query actions: %w", err)
	}
	defer rows.Close()

	var actions []*moderation.ModerationAction
	for rows.Next() {
		var a moderation.ModerationAction
		var reason sql.NullString
		var action, status string
		if err := rows.Scan(&a.ID, &a.CommentID, &action, &reason, &a.ActorID,
			&a.Bulk, &status, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: scan action: %w", err)
		}
		a.Action = moderation.Action(action)
		a.NewStatus = comment.Status(status)
		a.Reason = reason.String
		actions = append(actions, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate actions: %w", err)
	}
	return actions, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

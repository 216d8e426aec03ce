package comment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the durable Store backend. Optimistic versioning rides
// on a version column; the depth invariant is enforced inside the insert
// transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const commentColumns = `
	id, article_id, author_id, parent_id, content, raw_length, status,
	spam_score, created_at, edited_at, edit_window_expires_at,
	thread_depth, version`

func scanComment(row interface{ Scan(...interface{}) error }) (*Comment, error) {
	var c Comment
	var parentID sql.NullString
	var editedAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.ArticleID, &c.AuthorID, &parentID, &c.Content, &c.RawLength,
		&c.Status, &c.SpamScore, &c.CreatedAt, &editedAt,
		&c.EditWindowExpiresAt, &c.ThreadDepth, &c.Version,
	)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		c.ParentID = parentID.String
	}
	if editedAt.Valid {
		t := editedAt.Time
		c.EditedAt = &t
	}
	return &c, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Insert validates the parent link and depth inside one transaction, then
// writes the row.
func (s *PostgresStore) Insert(ctx context.Context, c *Comment, maxDepth int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("comment: begin insert: %w", err)
	}
	defer tx.Rollback()

	if c.ParentID == "" {
		c.ThreadDepth = 0
	} else {
		var parentArticle string
		var parentDepth int
		err := tx.QueryRowContext(ctx,
			`SELECT article_id, thread_depth FROM comments WHERE id = $1`,
			c.ParentID,
		).Scan(&parentArticle, &parentDepth)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("comment: resolve parent: %w", err)
		}
		if parentArticle != c.ArticleID {
			return ErrParentMismatch
		}
		c.ThreadDepth = parentDepth + 1
		if c.ThreadDepth > maxDepth {
			return ErrThreadTooDeep
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO comments (`+commentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.ArticleID, c.AuthorID, nullable(c.ParentID), c.Content,
		c.RawLength, c.Status, c.SpamScore, c.CreatedAt, nil,
		c.EditWindowExpiresAt, c.ThreadDepth, c.Version,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateID
		}
		return fmt.Errorf("comment: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("comment: commit insert: %w", err)
	}
	return nil
}

// Get returns any comment by id, whatever its status.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Comment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE id = $1`, id)
	c, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("comment: get: %w", err)
	}
	return c, nil
}

// ListPage pages one level of the thread, excluding deleted and rejected
// comments.
func (s *PostgresStore) ListPage(ctx context.Context, articleID, parentID string, offset, limit int, sortOrder Sort) (*Page, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 1
	}

	parentClause := "parent_id IS NULL"
	args := []interface{}{articleID}
	if parentID != "" {
		parentClause = "parent_id = $2"
		args = append(args, parentID)
	}

	// Replies are always chronological ascending; only top-level honors
	// the requested sort.
	order := "created_at ASC"
	if parentID == "" && sortOrder == SortNewest {
		order = "created_at DESC"
	}

	where := fmt.Sprintf(
		`article_id = $1 AND %s AND status NOT IN ('deleted', 'rejected')`,
		parentClause)

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM comments WHERE `+where, args...,
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("comment: count page: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT %s FROM comments WHERE %s ORDER BY %s OFFSET $%d LIMIT $%d`,
		commentColumns, where, order, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, offset, limit)...)
	if err != nil {
		return nil, fmt.Errorf("comment: list page: %w", err)
	}
	defer rows.Close()

	page := &Page{Comments: []*Comment{}, Total: total, Offset: offset, Limit: limit}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("comment: scan page row: %w", err)
		}
		page.Comments = append(page.Comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("comment: iterate page: %w", err)
	}
	page.HasMore = offset+len(page.Comments) < total
	return page, nil
}

// Tree loads the whole article thread and assembles the forest in memory,
// pruning unlistable nodes that no listable descendant depends on.
func (s *PostgresStore) Tree(ctx context.Context, articleID string) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commentColumns+` FROM comments
		 WHERE article_id = $1 ORDER BY created_at ASC`, articleID)
	if err != nil {
		return nil, fmt.Errorf("comment: load tree: %w", err)
	}
	defer rows.Close()

	children := make(map[string][]*Comment)
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("comment: scan tree row: %w", err)
		}
		children[c.ParentID] = append(children[c.ParentID], c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("comment: iterate tree: %w", err)
	}

	var build func(parentID string) []*Node
	build = func(parentID string) []*Node {
		var nodes []*Node
		for _, c := range children[parentID] {
			replies := build(c.ID)
			if !c.Status.Listable() && len(replies) == 0 {
				continue
			}
			nodes = append(nodes, &Node{Comment: c, Replies: replies})
		}
		return nodes
	}

	forest := build("")
	if forest == nil {
		forest = []*Node{}
	}
	return forest, nil
}

// UpdateStatus applies a compare-and-swap status change.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, expectedVersion int64, clearContent bool) (*Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE comments
		SET status = $2,
		    content = CASE WHEN $3 THEN '' ELSE content END,
		    version = version + 1
		WHERE id = $1 AND version = $4
		RETURNING `+commentColumns,
		id, status, clearContent, expectedVersion)

	c, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("comment: update status: %w", err)
	}
	return c, nil
}

// UpdateContent applies a compare-and-swap content edit.
func (s *PostgresStore) UpdateContent(ctx context.Context, id, content string, rawLength int, editedAt time.Time, expectedVersion int64) (*Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE comments
		SET content = $2, raw_length = $3, edited_at = $4, version = version + 1
		WHERE id = $1 AND version = $5
		RETURNING `+commentColumns,
		id, content, rawLength, editedAt, expectedVersion)

	c, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("comment: update content: %w", err)
	}
	return c, nil
}

// missOrConflict distinguishes a missing row from a stale version after a
// zero-row CAS update.
func (s *PostgresStore) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM comments WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("comment: existence check: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

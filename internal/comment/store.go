package comment

import (
	"context"
	"time"
)

// Store is the thread-store contract shared by the memory and Postgres
// backends.
//
// Insert validates the parent link (same article) and computes the
// reply's depth as parent depth + 1; a depth over maxDepth fails with
// ErrThreadTooDeep. The depth policy is reject, not flatten: a too-deep
// reply is never silently reparented.
//
// UpdateStatus and UpdateContent are optimistic: they succeed only if the
// stored version still equals expectedVersion, otherwise they return
// ErrVersionConflict and the caller re-reads.
type Store interface {
	Insert(ctx context.Context, c *Comment, maxDepth int) error

	// Get returns any comment by id, whatever its status.
	Get(ctx context.Context, id string) (*Comment, error)

	// ListPage returns one page of an article's comments. An empty
	// parentID selects top-level comments, ordered by sort; a non-empty
	// parentID selects direct replies, always chronological ascending.
	// Deleted and rejected comments are excluded.
	ListPage(ctx context.Context, articleID, parentID string, offset, limit int, sort Sort) (*Page, error)

	// Tree returns the article's comment forest. Deleted and rejected
	// comments are pruned unless they still have listable descendants,
	// in which case they appear as tombstone placeholders holding the
	// subtree together.
	Tree(ctx context.Context, articleID string) ([]*Node, error)

	// UpdateStatus transitions a comment's status under optimistic
	// versioning. When clearContent is set (deletion), the stored
	// content is emptied. Returns the updated comment.
	UpdateStatus(ctx context.Context, id string, status Status, expectedVersion int64, clearContent bool) (*Comment, error)

	// UpdateContent replaces a comment's content under optimistic
	// versioning and stamps editedAt. Returns the updated comment.
	UpdateContent(ctx context.Context, id, content string, rawLength int, editedAt time.Time, expectedVersion int64) (*Comment, error)
}

// Package comment models comments as a forest per article and provides
// the thread store: depth-capped inserts, per-parent paginated listings,
// and optimistic-versioned updates. Two backends share one contract, an
// in-memory store and a PostgreSQL store.
package comment

import (
	"errors"
	"time"
)

// Status is a comment's moderation state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusAutoApproved Status = "auto_approved"
	StatusRejected     Status = "rejected"
	StatusFlagged      Status = "flagged"
	StatusDeleted      Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusAutoApproved,
		StatusRejected, StatusFlagged, StatusDeleted:
		return true
	}
	return false
}

// Listable reports whether comments in this status appear in default
// listings. Deleted and rejected comments stay addressable by id but are
// excluded from pages.
func (s Status) Listable() bool {
	return s != StatusDeleted && s != StatusRejected
}

// Sort orders for top-level listings. Replies are always chronological
// ascending under their parent.
type Sort string

const (
	SortNewest Sort = "newest"
	SortOldest Sort = "oldest"
)

// Comment is one node in an article's comment forest. ParentID is empty
// for top-level comments. SpamScore is an immutable snapshot taken at
// submission time. Version backs optimistic concurrency on updates.
type Comment struct {
	ID                  string     `json:"id"`
	ArticleID           string     `json:"article_id"`
	AuthorID            string     `json:"author_id"`
	ParentID            string     `json:"parent_id,omitempty"`
	Content             string     `json:"content"`
	RawLength           int        `json:"raw_length"`
	Status              Status     `json:"moderation_status"`
	SpamScore           int        `json:"spam_score"`
	CreatedAt           time.Time  `json:"created_at"`
	EditedAt            *time.Time `json:"edited_at,omitempty"`
	EditWindowExpiresAt time.Time  `json:"edit_window_expires_at"`
	ThreadDepth         int        `json:"thread_depth"`
	Version             int64      `json:"version"`
}

// Tombstone reports whether the comment is deleted. Tombstones keep their
// identifiers and tree position so nested replies remain addressable, but
// their content is cleared.
func (c *Comment) Tombstone() bool { return c.Status == StatusDeleted }

// Clone returns a deep copy. Store implementations hand out clones so
// callers can't mutate shared state.
func (c *Comment) Clone() *Comment {
	out := *c
	if c.EditedAt != nil {
		t := *c.EditedAt
		out.EditedAt = &t
	}
	return &out
}

// Page is one slice of a listing plus enough metadata for "show N more"
// affordances.
type Page struct {
	Comments []*Comment `json:"comments"`
	Total    int        `json:"total"`
	Offset   int        `json:"offset"`
	Limit    int        `json:"limit"`
	HasMore  bool       `json:"has_more"`
}

// Node is one element of the forest returned by Tree.
type Node struct {
	Comment *Comment `json:"comment"`
	Replies []*Node  `json:"replies,omitempty"`
}

// Store errors. Engine code matches these with errors.Is.
var (
	ErrNotFound        = errors.New("comment: not found")
	ErrThreadTooDeep   = errors.New("comment: thread too deep")
	ErrParentMismatch  = errors.New("comment: parent belongs to a different article")
	ErrVersionConflict = errors.New("comment: version conflict")
	ErrDuplicateID     = errors.New("comment: duplicate id")
)

package engine

import (
	"errors"
	"fmt"
	"time"
)

// Validation reasons carried by ValidationError.
const (
	ReasonEmptyContent = "empty_content"
	ReasonTooShort     = "too_short"
)

// ValidationError reports user-correctable content problems.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("engine: invalid content: %s", e.Reason)
}

// RateLimitError reports a throttled submission. ResetAt tells the UI
// when the identifier may try again; it is not a bug.
type RateLimitError struct {
	Reason  string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("engine: rate limited (%s), retry after %s", e.Reason, e.ResetAt.Format(time.RFC3339))
}

var (
	// ErrNotOwner is returned when someone other than the author tries
	// to edit a comment.
	ErrNotOwner = errors.New("engine: not the comment author")

	// ErrEditWindowExpired is returned for edits after the window closed.
	ErrEditWindowExpired = errors.New("engine: edit window expired")

	// ErrNotEditable is returned for edits to deleted or rejected
	// comments.
	ErrNotEditable = errors.New("engine: comment is not editable")
)

package moderation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/threadline/comment-engine/internal/comment"
)

// Action is a moderator-invoked transition.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionFlag    Action = "flag"
	ActionDelete  Action = "delete"

	// ActionHide tombstones like delete but is recorded under its own
	// name, for moderator-initiated removals of otherwise-live comments.
	ActionHide Action = "hide"
)

// tombstones reports whether the action clears content and lands in the
// deleted status.
func tombstones(a Action) bool { return a == ActionDelete || a == ActionHide }

// casRetries bounds how often a transition is retried after losing an
// optimistic-versioning race while still being legal from the new state.
const casRetries = 3

// transitions is the state machine: for each action, the set of statuses
// it may leave from and the status it lands in. Deletion is handled
// separately (any non-deleted state, idempotent).
var transitions = map[Action]struct {
	from map[comment.Status]bool
	to   comment.Status
}{
	ActionApprove: {
		from: map[comment.Status]bool{comment.StatusPending: true, comment.StatusFlagged: true},
		to:   comment.StatusApproved,
	},
	ActionReject: {
		from: map[comment.Status]bool{comment.StatusPending: true, comment.StatusFlagged: true},
		to:   comment.StatusRejected,
	},
	ActionFlag: {
		from: map[comment.Status]bool{
			comment.StatusPending:      true,
			comment.StatusApproved:     true,
			comment.StatusAutoApproved: true,
		},
		to: comment.StatusFlagged,
	},
}

// InvalidTransitionError reports a moderation action that is not legal
// from the comment's current status.
type InvalidTransitionError struct {
	CommentID string
	From      comment.Status
	Action    Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("moderation: action %q not allowed from status %q (comment %s)",
		e.Action, e.From, e.CommentID)
}

var (
	// ErrReasonRequired is returned when a reject, flag, hide, or
	// delete arrives without a reason.
	ErrReasonRequired = errors.New("moderation: reason required")

	// ErrUnknownAction is returned for actions outside the state machine.
	ErrUnknownAction = errors.New("moderation: unknown action")
)

// ModerationAction is the audit record emitted for every applied
// transition.
type ModerationAction struct {
	ID        string       `json:"id"`
	CommentID string       `json:"comment_id"`
	Action    Action       `json:"action"`
	Reason    string       `json:"reason,omitempty"`
	ActorID   string       `json:"actor_id"`
	Timestamp time.Time    `json:"timestamp"`
	Bulk      bool         `json:"bulk"`
	NewStatus comment.Status `json:"new_status"`
}

// AuditSink records applied moderation actions. A sink failure never
// rolls back the transition; it is logged and reported through the
// notifier instead.
type AuditSink interface {
	Record(ctx context.Context, action *ModerationAction) error
}

// Notifier publishes applied transitions, for the moderator event stream.
type Notifier interface {
	ModerationApplied(action *ModerationAction)
}

// BulkFailure is one failed id inside a bulk transition.
type BulkFailure struct {
	CommentID string `json:"comment_id"`
	Reason    string `json:"reason"`
}

// BulkResult reports a bulk transition per id. Partial failure is the
// expected shape, not an error.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// Workflow drives moderator transitions against the comment store with
// optimistic versioning.
type Workflow struct {
	store    comment.Store
	audit    AuditSink
	notifier Notifier
	now      func() time.Time
}

// NewWorkflow creates a workflow over the given store. Audit and notifier
// may be nil.
func NewWorkflow(store comment.Store, audit AuditSink, notifier Notifier) *Workflow {
	return &Workflow{store: store, audit: audit, notifier: notifier, now: time.Now}
}

// SetClock overrides the workflow's time source, for tests.
func (w *Workflow) SetClock(now func() time.Time) { w.now = now }

// Transition applies one moderator action to one comment. Concurrent
// transitions on the same comment are linearized by the store's version
// check: the loser re-validates against the fresh state and, if the
// action is no longer legal, receives an InvalidTransitionError.
func (w *Workflow) Transition(ctx context.Context, commentID, actorID string, action Action, reason string) (*comment.Comment, error) {
	return w.transition(ctx, commentID, actorID, action, reason, false)
}

func (w *Workflow) transition(ctx context.Context, commentID, actorID string, action Action, reason string, bulk bool) (*comment.Comment, error) {
	if err := validate(action, reason); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		current, err := w.store.Get(ctx, commentID)
		if err != nil {
			return nil, err
		}

		// Deleting an already-deleted comment is a no-op success; no
		// audit record is written for it.
		if tombstones(action) && current.Status == comment.StatusDeleted {
			return current, nil
		}

		target, err := targetStatus(current, action)
		if err != nil {
			return nil, err
		}

		updated, err := w.store.UpdateStatus(ctx, commentID, target, current.Version, tombstones(action))
		if errors.Is(err, comment.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		w.recordAudit(ctx, &ModerationAction{
			ID:        uuid.NewString(),
			CommentID: commentID,
			Action:    action,
			Reason:    reason,
			ActorID:   actorID,
			Timestamp: w.now(),
			Bulk:      bulk,
			NewStatus: updated.Status,
		})
		return updated, nil
	}

	// Exhausted retries while the action stayed legal each time we
	// looked. Surface the contention rather than spinning.
	return nil, fmt.Errorf("moderation: transition %s on %s: %w", action, commentID, comment.ErrVersionConflict)
}

// BulkTransition applies one action independently to each id, fanning out
// per id so one id's contention or failure never blocks the others.
// Results preserve the input order within each partition.
func (w *Workflow) BulkTransition(ctx context.Context, commentIDs []string, actorID string, action Action, reason string) *BulkResult {
	type outcome struct {
		id  string
		err error
	}
	outcomes := make([]outcome, len(commentIDs))

	var wg sync.WaitGroup
	for i, id := range commentIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, err := w.transition(ctx, id, actorID, action, reason, true)
			outcomes[i] = outcome{id: id, err: err}
		}(i, id)
	}
	wg.Wait()

	result := &BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}
	for _, o := range outcomes {
		if o.err == nil {
			result.Succeeded = append(result.Succeeded, o.id)
			continue
		}
		result.Failed = append(result.Failed, BulkFailure{CommentID: o.id, Reason: failureReason(o.err)})
	}
	return result
}

func validate(action Action, reason string) error {
	switch action {
	case ActionApprove:
		return nil
	case ActionReject, ActionFlag, ActionDelete, ActionHide:
		if reason == "" {
			return fmt.Errorf("%w: action %q", ErrReasonRequired, action)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func targetStatus(current *comment.Comment, action Action) (comment.Status, error) {
	if tombstones(action) {
		// Any non-deleted status may be tombstoned; the deleted-already
		// case is short-circuited before we get here.
		return comment.StatusDeleted, nil
	}
	t := transitions[action]
	if !t.from[current.Status] {
		return "", &InvalidTransitionError{CommentID: current.ID, From: current.Status, Action: action}
	}
	return t.to, nil
}

// failureReason maps transition errors to the stable strings reported in
// bulk results.
func failureReason(err error) string {
	var invalid *InvalidTransitionError
	switch {
	case errors.As(err, &invalid):
		return "InvalidTransition"
	case errors.Is(err, comment.ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrReasonRequired):
		return "ReasonRequired"
	case errors.Is(err, ErrUnknownAction):
		return "UnknownAction"
	default:
		return err.Error()
	}
}

func (w *Workflow) recordAudit(ctx context.Context, action *ModerationAction) {
	if w.audit != nil {
		if err := w.audit.Record(ctx, action); err != nil {
			// The transition is already applied; losing the audit row
			// must not roll it back or fail the moderator's request.
			log.Printf("[moderation] audit record failed comment=%s action=%s: %v",
				action.CommentID, action.Action, err)
		}
	}
	if w.notifier != nil {
		w.notifier.ModerationApplied(action)
	}
}

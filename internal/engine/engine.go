// Package engine is the external surface of the moderation subsystem. It
// wires the sanitizer, scorer, rate limiter, decision engine, thread
// store, and workflow behind the submission, editing, listing, moderation,
// and mention contracts the comment UI and moderator UI call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/threadline/comment-engine/internal/audit"
	"github.com/threadline/comment-engine/internal/comment"
	"github.com/threadline/comment-engine/internal/config"
	"github.com/threadline/comment-engine/internal/identity"
	"github.com/threadline/comment-engine/internal/mention"
	"github.com/threadline/comment-engine/internal/metrics"
	"github.com/threadline/comment-engine/internal/moderation"
	"github.com/threadline/comment-engine/internal/ratelimit"
	"github.com/threadline/comment-engine/internal/sanitize"
	"github.com/threadline/comment-engine/internal/spam"
)

// ActionComment is the rate-limit action key for comment submissions.
const ActionComment = "comment"

// editRetries bounds optimistic retries on content edits.
const editRetries = 3

// DecisionRecorder persists automatic submission decisions for audit.
// Satisfied by audit.Store; nil disables recording.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, d *audit.Decision) error
}

// DecisionHook observes accepted submissions, for the event bus.
type DecisionHook interface {
	DecisionMade(c *comment.Comment, score int, signals []spam.Signal)
}

// ruleSet bundles the compiled components derived from one config
// snapshot, swapped atomically on reload.
type ruleSet struct {
	cfg       *config.Config
	sanitizer *sanitize.Sanitizer
	scorer    *spam.Scorer
}

// Engine implements the moderation subsystem's external contracts.
type Engine struct {
	cfgStore *config.Store
	rules    atomic.Pointer[ruleSet]

	limiter  ratelimit.Limiter
	store    comment.Store
	workflow *moderation.Workflow
	mentions *mention.Resolver

	decisions DecisionRecorder
	hook      DecisionHook

	now func() time.Time
}

// Options carries the optional collaborators.
type Options struct {
	Decisions DecisionRecorder
	Hook      DecisionHook
	Notifier  moderation.Notifier
	Audit     moderation.AuditSink
}

// New assembles an engine over the given stores. It subscribes to config
// reloads so rule-list changes take effect without a restart; a reload
// carrying an uncompilable spam pattern keeps the previous rules.
func New(cfgStore *config.Store, store comment.Store, limiter ratelimit.Limiter, dir identity.Directory, opts Options) (*Engine, error) {
	e := &Engine{
		cfgStore:  cfgStore,
		limiter:   limiter,
		store:     store,
		workflow:  moderation.NewWorkflow(store, opts.Audit, opts.Notifier),
		mentions:  mention.NewResolver(dir),
		decisions: opts.Decisions,
		hook:      opts.Hook,
		now:       time.Now,
	}

	if err := e.rebuild(cfgStore.Current()); err != nil {
		return nil, err
	}
	cfgStore.Subscribe(func(cfg *config.Config) {
		if err := e.rebuild(cfg); err != nil {
			log.Printf("[engine] config reload rejected, keeping previous rules: %v", err)
		}
	})
	return e, nil
}

// SetClock overrides the engine's time source, for tests. The workflow
// clock is adjusted alongside.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.workflow.SetClock(now)
}

func (e *Engine) rebuild(cfg *config.Config) error {
	scorer, err := spam.NewScorer(cfg)
	if err != nil {
		return err
	}
	e.rules.Store(&ruleSet{
		cfg:       cfg,
		sanitizer: sanitize.New(cfg),
		scorer:    scorer,
	})
	return nil
}

func (e *Engine) ruleSet() *ruleSet { return e.rules.Load() }

// SubmitComment runs the full intake pipeline: sanitize, rate-limit
// check-and-record, score, decide, insert. A rate-limited identifier is
// rejected before scoring runs. If the insert fails after the rate-limit
// slot was consumed, the slot is handed back so the failed write is not
// counted as an attempt.
func (e *Engine) SubmitComment(ctx context.Context, articleID string, author identity.AuthorContext, parentID, rawContent string) (*comment.Comment, error) {
	rules := e.ruleSet()

	sanitized, err := rules.sanitizer.Sanitize(rawContent)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("invalid").Inc()
		switch {
		case errors.Is(err, sanitize.ErrEmptyContent):
			return nil, &ValidationError{Reason: ReasonEmptyContent}
		case errors.Is(err, sanitize.ErrTooShort):
			return nil, &ValidationError{Reason: ReasonTooShort}
		default:
			return nil, fmt.Errorf("engine: sanitize: %w", err)
		}
	}

	limits := ratelimit.FromConfig(rules.cfg)
	rl, err := e.limiter.Check(ctx, author.UserID, ActionComment, limits)
	if err != nil {
		return nil, fmt.Errorf("engine: rate limit check: %w", err)
	}
	if !rl.Allowed {
		metrics.SubmissionsTotal.WithLabelValues("rate_limited").Inc()
		metrics.RateLimitRejections.WithLabelValues(rl.Reason).Inc()
		return nil, &RateLimitError{Reason: rl.Reason, ResetAt: rl.ResetAt}
	}

	score, signals := rules.scorer.Score(sanitized)
	status := moderation.Decide(score, author, rules.cfg.Reputation)

	now := e.now()
	c := &comment.Comment{
		ID:                  uuid.NewString(),
		ArticleID:           articleID,
		AuthorID:            author.UserID,
		ParentID:            parentID,
		Content:             sanitized,
		RawLength:           utf8.RuneCountInString(rawContent),
		Status:              status,
		SpamScore:           score,
		CreatedAt:           now,
		EditWindowExpiresAt: now.Add(rules.cfg.EditWindow.Std()),
		Version:             1,
	}

	if err := e.store.Insert(ctx, c, rules.cfg.Thread.MaxDepth); err != nil {
		// The attempt was recorded before the write; hand the slot back
		// so a failed insert never counts against the identifier.
		if cerr := e.limiter.Cancel(ctx, author.UserID, ActionComment, rl.Token); cerr != nil {
			log.Printf("[engine] cancel rate-limit attempt user=%s: %v", author.UserID, cerr)
		}
		if errors.Is(err, comment.ErrThreadTooDeep) ||
			errors.Is(err, comment.ErrNotFound) ||
			errors.Is(err, comment.ErrParentMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("engine: insert comment: %w", err)
	}

	metrics.SubmissionsTotal.WithLabelValues(string(status)).Inc()
	metrics.SpamScore.Observe(float64(score))

	if e.decisions != nil {
		d := &audit.Decision{
			CommentID: c.ID,
			ArticleID: c.ArticleID,
			AuthorID:  c.AuthorID,
			SpamScore: score,
			Signals:   signals,
			Status:    status,
			At:        now,
		}
		if err := e.decisions.RecordDecision(ctx, d); err != nil {
			log.Printf("[engine] record decision comment=%s: %v", c.ID, err)
		}
	}
	if e.hook != nil {
		e.hook.DecisionMade(c, score, signals)
	}

	return c, nil
}

// EditComment replaces a comment's content. Only the author may edit,
// only inside the edit window, and only while the comment is neither
// deleted nor rejected. The spam score stays the submission-time
// snapshot.
func (e *Engine) EditComment(ctx context.Context, commentID, authorID, newRawContent string) (*comment.Comment, error) {
	rules := e.ruleSet()

	sanitized, err := rules.sanitizer.Sanitize(newRawContent)
	if err != nil {
		switch {
		case errors.Is(err, sanitize.ErrEmptyContent):
			return nil, &ValidationError{Reason: ReasonEmptyContent}
		case errors.Is(err, sanitize.ErrTooShort):
			return nil, &ValidationError{Reason: ReasonTooShort}
		default:
			return nil, fmt.Errorf("engine: sanitize edit: %w", err)
		}
	}

	for attempt := 0; attempt < editRetries; attempt++ {
		current, err := e.store.Get(ctx, commentID)
		if err != nil {
			return nil, err
		}
		if current.AuthorID != authorID {
			return nil, ErrNotOwner
		}
		if !current.Status.Listable() {
			return nil, ErrNotEditable
		}
		if e.now().After(current.EditWindowExpiresAt) {
			return nil, ErrEditWindowExpired
		}

		updated, err := e.store.UpdateContent(ctx, commentID, sanitized,
			utf8.RuneCountInString(newRawContent), e.now(), current.Version)
		if errors.Is(err, comment.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("engine: update content: %w", err)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("engine: edit comment %s: %w", commentID, comment.ErrVersionConflict)
}

// Moderate applies one moderator transition.
func (e *Engine) Moderate(ctx context.Context, commentID, actorID string, action moderation.Action, reason string) (*comment.Comment, error) {
	c, err := e.workflow.Transition(ctx, commentID, actorID, action, reason)
	if err != nil {
		metrics.ModerationActions.WithLabelValues(string(action), "refused").Inc()
		return nil, err
	}
	metrics.ModerationActions.WithLabelValues(string(action), "applied").Inc()
	return c, nil
}

// BulkModerate applies one action to many comments, reporting success and
// failure per id.
func (e *Engine) BulkModerate(ctx context.Context, commentIDs []string, actorID string, action moderation.Action, reason string) *moderation.BulkResult {
	result := e.workflow.BulkTransition(ctx, commentIDs, actorID, action, reason)
	metrics.ModerationActions.WithLabelValues(string(action), "applied").Add(float64(len(result.Succeeded)))
	metrics.ModerationActions.WithLabelValues(string(action), "refused").Add(float64(len(result.Failed)))
	return result
}

// GetComment returns any comment by id, tombstones included.
func (e *Engine) GetComment(ctx context.Context, commentID string) (*comment.Comment, error) {
	return e.store.Get(ctx, commentID)
}

// ListComments pages one level of an article's thread. Page numbers start
// at 1. A pageSize of 0 uses the configured default for the level:
// top-level and reply listings have separate defaults.
func (e *Engine) ListComments(ctx context.Context, articleID, parentID string, page, pageSize int, sort comment.Sort) (*comment.Page, error) {
	cfg := e.ruleSet().cfg
	if pageSize <= 0 {
		if parentID == "" {
			pageSize = cfg.Thread.TopLevelPageSize
		} else {
			pageSize = cfg.Thread.ReplyPageSize
		}
	}
	if page < 1 {
		page = 1
	}
	if sort != comment.SortOldest && sort != comment.SortNewest {
		sort = comment.SortNewest
	}
	return e.store.ListPage(ctx, articleID, parentID, (page-1)*pageSize, pageSize, sort)
}

// Thread returns the article's full comment forest.
func (e *Engine) Thread(ctx context.Context, articleID string) ([]*comment.Node, error) {
	return e.store.Tree(ctx, articleID)
}

// ResolveMentions ranks identity candidates for a partial @name query,
// excluding the requesting user.
func (e *Engine) ResolveMentions(query, requestingUserID string) []identity.AuthorContext {
	metrics.MentionQueries.Inc()
	return e.mentions.Resolve(query, requestingUserID, mention.DefaultLimit)
}

// CheckRateLimit reports the identifier's current budget without
// consuming a slot, for pre-flight UI feedback.
func (e *Engine) CheckRateLimit(ctx context.Context, identifier, action string) (ratelimit.Result, error) {
	limits := ratelimit.FromConfig(e.ruleSet().cfg)
	return e.limiter.Peek(ctx, identifier, action, limits)
}

// Package ratelimit enforces per-identifier submission caps using a
// sliding window with escalating lockout penalties. Two backends are
// provided: an in-memory limiter for single-instance deployments and
// tests, and a Redis-backed limiter whose check-and-record runs inside a
// Lua script so concurrent submissions from one identifier serialize on
// the store.
package ratelimit

import (
	"context"
	"time"

	"github.com/threadline/comment-engine/internal/config"
)

// Rejection reasons carried in Result.Reason.
const (
	ReasonShortTerm = "short_term_limit"
	ReasonLongTerm  = "long_term_limit"
)

// Limits is one rate-limiting policy: a burst window with a hard penalty
// on breach, and a longer retention window with soft throttling.
type Limits struct {
	ShortWindow time.Duration
	ShortCap    int
	LongWindow  time.Duration
	LongCap     int
	Penalty     time.Duration
}

// FromConfig extracts the limiter policy from a config snapshot.
func FromConfig(cfg *config.Config) Limits {
	return Limits{
		ShortWindow: cfg.RateLimit.ShortWindow.Std(),
		ShortCap:    cfg.RateLimit.ShortCap,
		LongWindow:  cfg.RateLimit.LongWindow.Std(),
		LongCap:     cfg.RateLimit.LongCap,
		Penalty:     cfg.RateLimit.Penalty.Std(),
	}
}

// Result is the outcome of a limiter check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`         // attempts left, valid when Allowed
	ResetAt   time.Time `json:"reset_at,omitzero"` // when to retry, valid when !Allowed
	Reason    string    `json:"reason,omitempty"`  // why the check failed
	Token     string    `json:"-"`                 // handle for Cancel, set when Allowed
}

// Limiter is the atomic check-and-record contract. Check both decides and
// records the attempt; two concurrent Checks for the same identifier must
// never both succeed when only one slot remains.
type Limiter interface {
	// Check decides whether the identifier may act now and, if allowed,
	// records the attempt.
	Check(ctx context.Context, identifier, action string, limits Limits) (Result, error)

	// Peek evaluates the current state without recording an attempt or
	// imposing a penalty, for pre-flight UI feedback.
	Peek(ctx context.Context, identifier, action string, limits Limits) (Result, error)

	// Cancel removes a previously recorded attempt, identified by the
	// token from an allowed Result. Used to compensate when the work the
	// attempt guarded fails after the slot was consumed.
	Cancel(ctx context.Context, identifier, action, token string) error
}

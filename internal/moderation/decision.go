// Package moderation holds the decision engine that assigns a submitted
// comment its initial status, and the workflow state machine moderators
// drive afterwards.
package moderation

import (
	"github.com/threadline/comment-engine/internal/comment"
	"github.com/threadline/comment-engine/internal/config"
	"github.com/threadline/comment-engine/internal/identity"
)

// Fixed decision bands over the 0-100 spam score. These are domain
// constants, not tunables: at or above RejectBand the content is
// high-confidence spam; the ReviewBand holds ambiguous content for a
// human.
const (
	RejectBand = 80
	ReviewBand = 40
)

// Decide maps a spam score and the submitter's snapshot to an initial
// status. Precedence, first match wins:
//
//  1. score >= RejectBand             -> rejected (reputation never overrides)
//  2. reputation >= HighReputation    -> auto_approved, even mid-band
//  3. score in [ReviewBand, RejectBand) -> pending
//  4. reputation >= AutoApprove and clean score -> auto_approved
//  5. otherwise                       -> pending
//
// A failed rate-limit check never reaches this function: the caller
// short-circuits and returns an error instead of a status.
func Decide(spamScore int, author identity.AuthorContext, rep config.ReputationConfig) comment.Status {
	switch {
	case spamScore >= RejectBand:
		return comment.StatusRejected
	case author.ReputationScore >= rep.HighReputation:
		return comment.StatusAutoApproved
	case spamScore >= ReviewBand:
		return comment.StatusPending
	case author.ReputationScore >= rep.AutoApprove:
		return comment.StatusAutoApproved
	default:
		return comment.StatusPending
	}
}

// Package metrics provides Prometheus instrumentation for the moderation
// engine: submission outcomes, spam-score distribution, rate-limit
// rejections, and moderator activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SubmissionsTotal counts comment submissions, labeled by the initial
	// status the decision engine assigned ("pending", "auto_approved",
	// "rejected") or by the failure class ("rate_limited", "invalid").
	SubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comment_submissions_total",
		Help: "Comment submissions by decision outcome",
	}, []string{"outcome"})

	// SpamScore records the spam-score distribution of accepted
	// submissions.
	SpamScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "comment_spam_score",
		Help:    "Spam score distribution at submission time",
		Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// RateLimitRejections counts rejected rate-limit checks by reason.
	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comment_ratelimit_rejections_total",
		Help: "Rate-limited submissions by rejection reason",
	}, []string{"reason"})

	// ModerationActions counts applied and refused moderator transitions.
	ModerationActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comment_moderation_actions_total",
		Help: "Moderator transitions by action and outcome",
	}, []string{"action", "outcome"})

	// MentionQueries counts mention-resolution requests.
	MentionQueries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "comment_mention_queries_total",
		Help: "Mention resolution queries",
	})
)

func init() {
	prometheus.MustRegister(
		SubmissionsTotal,
		SpamScore,
		RateLimitRejections,
		ModerationActions,
		MentionQueries,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

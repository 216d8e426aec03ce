// Package mention converts partial @name queries into ranked candidate
// identities for insertion into a comment. Resolution is a pure function
// of the query and the identity directory snapshot; it never touches
// comment state.
package mention

import (
	"sort"
	"strings"

	"github.com/threadline/comment-engine/internal/identity"
)

// DefaultLimit is the candidate count returned when the caller does not
// specify one.
const DefaultLimit = 8

// Match ranks, lower is better: display-name prefix hits sort before
// substring hits.
const (
	rankPrefix    = 0
	rankSubstring = 1
)

// Resolver ranks identity-directory entries against mention queries.
type Resolver struct {
	dir identity.Directory
}

// NewResolver creates a resolver over the given directory.
func NewResolver(dir identity.Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns up to limit candidate identities for the query, always
// excluding the requesting user. An empty query yields the suggested set:
// highest reputation first. A non-empty query filters case-insensitively
// on display name, prefix matches ranked above substring matches, ties
// broken by reputation descending then name ascending.
func (r *Resolver) Resolve(query, excludeUserID string, limit int) []identity.AuthorContext {
	if limit <= 0 {
		limit = DefaultLimit
	}

	snapshot := r.dir.Snapshot()
	q := strings.ToLower(strings.TrimSpace(query))

	type candidate struct {
		user identity.AuthorContext
		rank int
	}

	var matched []candidate
	for _, u := range snapshot {
		if u.UserID == excludeUserID {
			continue
		}
		if q == "" {
			matched = append(matched, candidate{user: u})
			continue
		}
		name := strings.ToLower(u.DisplayName)
		switch {
		case strings.HasPrefix(name, q):
			matched = append(matched, candidate{user: u, rank: rankPrefix})
		case strings.Contains(name, q):
			matched = append(matched, candidate{user: u, rank: rankSubstring})
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		if a.user.ReputationScore != b.user.ReputationScore {
			return a.user.ReputationScore > b.user.ReputationScore
		}
		return a.user.DisplayName < b.user.DisplayName
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]identity.AuthorContext, len(matched))
	for i, c := range matched {
		out[i] = c.user
	}
	return out
}

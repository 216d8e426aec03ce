// Package identity defines the read-only author context this engine
// receives from the external identity provider. Reputation and
// verification are snapshotted at submission time; later changes never
// retroactively alter a comment's moderation status.
package identity

import (
	"context"
	"sync"
)

// AuthorContext is the submitter snapshot threaded into every engine
// call. It replaces any ambient session global: callers pass it
// explicitly.
type AuthorContext struct {
	UserID          string `json:"user_id"`
	DisplayName     string `json:"display_name"`
	ReputationScore int    `json:"reputation_score"`
	IsVerified      bool   `json:"is_verified"`
}

// Directory is the read-only identity listing used for mention
// resolution. Snapshot returns a stable copy; callers may sort it freely.
type Directory interface {
	Snapshot() []AuthorContext
}

// Writer accepts identity updates from the external identity provider.
type Writer interface {
	Upsert(ctx context.Context, user AuthorContext) error
	Remove(ctx context.Context, userID string) error
}

// MemoryDirectory is a Directory fed by the identity collaborator, held
// in memory. Safe for concurrent use.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]AuthorContext
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]AuthorContext)}
}

// Upsert adds or replaces one identity.
func (d *MemoryDirectory) Upsert(ctx context.Context, user AuthorContext) error {
	d.mu.Lock()
	d.users[user.UserID] = user
	d.mu.Unlock()
	return nil
}

// Remove drops an identity from the directory.
func (d *MemoryDirectory) Remove(ctx context.Context, userID string) error {
	d.mu.Lock()
	delete(d.users, userID)
	d.mu.Unlock()
	return nil
}

// Snapshot returns a copy of all identities, in no particular order.
func (d *MemoryDirectory) Snapshot() []AuthorContext {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]AuthorContext, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	return out
}

package comment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// articleShard holds one article's comments. Each shard has its own
// mutex, so inserts for different articles proceed in parallel while
// inserts under the same article serialize, keeping reply ordering and
// depth computation deterministic.
type articleShard struct {
	mu       sync.Mutex
	comments map[string]*Comment
	children map[string][]string // parent id ("" = top level) -> child ids, insertion order
}

// MemoryStore is the in-memory Store backend.
type MemoryStore struct {
	mu       sync.RWMutex
	articles map[string]*articleShard
	index    map[string]string // comment id -> article id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		articles: make(map[string]*articleShard),
		index:    make(map[string]string),
	}
}

func (s *MemoryStore) shard(articleID string, create bool) *articleShard {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.articles[articleID]
	if !ok && create {
		sh = &articleShard{
			comments: make(map[string]*Comment),
			children: make(map[string][]string),
		}
		s.articles[articleID] = sh
	}
	return sh
}

// Insert adds the comment, resolving parent depth under the article lock.
func (s *MemoryStore) Insert(ctx context.Context, c *Comment, maxDepth int) error {
	sh := s.shard(c.ArticleID, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.comments[c.ID]; exists {
		return ErrDuplicateID
	}
	s.mu.RLock()
	_, exists := s.index[c.ID]
	s.mu.RUnlock()
	if exists {
		return ErrDuplicateID
	}

	if c.ParentID == "" {
		c.ThreadDepth = 0
	} else {
		parent, ok := sh.comments[c.ParentID]
		if !ok {
			// The parent either doesn't exist or lives on another article.
			s.mu.RLock()
			_, elsewhere := s.index[c.ParentID]
			s.mu.RUnlock()
			if elsewhere {
				return ErrParentMismatch
			}
			return ErrNotFound
		}
		c.ThreadDepth = parent.ThreadDepth + 1
		if c.ThreadDepth > maxDepth {
			return ErrThreadTooDeep
		}
	}

	stored := c.Clone()
	sh.comments[stored.ID] = stored
	sh.children[stored.ParentID] = append(sh.children[stored.ParentID], stored.ID)

	s.mu.Lock()
	s.index[stored.ID] = stored.ArticleID
	s.mu.Unlock()
	return nil
}

// Get returns any comment by id, whatever its status.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Comment, error) {
	s.mu.RLock()
	articleID, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	sh := s.shard(articleID, false)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.comments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// ListPage pages one level of the thread. Top-level honors the sort
// order; replies are always chronological ascending.
func (s *MemoryStore) ListPage(ctx context.Context, articleID, parentID string, offset, limit int, sortOrder Sort) (*Page, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 1
	}

	sh := s.shard(articleID, false)
	if sh == nil {
		return &Page{Comments: []*Comment{}, Offset: offset, Limit: limit}, nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var listable []*Comment
	for _, id := range sh.children[parentID] {
		c := sh.comments[id]
		if c.Status.Listable() {
			listable = append(listable, c)
		}
	}

	asc := parentID != "" || sortOrder != SortNewest
	sort.SliceStable(listable, func(i, j int) bool {
		if asc {
			return listable[i].CreatedAt.Before(listable[j].CreatedAt)
		}
		return listable[i].CreatedAt.After(listable[j].CreatedAt)
	})

	total := len(listable)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	page := &Page{
		Comments: make([]*Comment, 0, end-start),
		Total:    total,
		Offset:   offset,
		Limit:    limit,
		HasMore:  end < total,
	}
	for _, c := range listable[start:end] {
		page.Comments = append(page.Comments, c.Clone())
	}
	return page, nil
}

// Tree assembles the article's forest. Unlistable nodes survive only as
// tombstone placeholders when a listable descendant needs them.
func (s *MemoryStore) Tree(ctx context.Context, articleID string) ([]*Node, error) {
	sh := s.shard(articleID, false)
	if sh == nil {
		return []*Node{}, nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var build func(parentID string) []*Node
	build = func(parentID string) []*Node {
		ids := append([]string(nil), sh.children[parentID]...)
		sort.SliceStable(ids, func(i, j int) bool {
			return sh.comments[ids[i]].CreatedAt.Before(sh.comments[ids[j]].CreatedAt)
		})

		var nodes []*Node
		for _, id := range ids {
			c := sh.comments[id]
			replies := build(id)
			if !c.Status.Listable() && len(replies) == 0 {
				continue
			}
			nodes = append(nodes, &Node{Comment: c.Clone(), Replies: replies})
		}
		return nodes
	}

	forest := build("")
	if forest == nil {
		forest = []*Node{}
	}
	return forest, nil
}

// UpdateStatus applies a compare-and-swap status change.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, expectedVersion int64, clearContent bool) (*Comment, error) {
	sh, c, err := s.locked(id)
	if err != nil {
		return nil, err
	}
	defer sh.mu.Unlock()

	if c.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	c.Status = status
	if clearContent {
		c.Content = ""
	}
	c.Version++
	return c.Clone(), nil
}

// UpdateContent applies a compare-and-swap content edit.
func (s *MemoryStore) UpdateContent(ctx context.Context, id, content string, rawLength int, editedAt time.Time, expectedVersion int64) (*Comment, error) {
	sh, c, err := s.locked(id)
	if err != nil {
		return nil, err
	}
	defer sh.mu.Unlock()

	if c.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	c.Content = content
	c.RawLength = rawLength
	c.EditedAt = &editedAt
	c.Version++
	return c.Clone(), nil
}

// locked resolves a comment and returns its shard with the mutex held.
// The caller unlocks.
func (s *MemoryStore) locked(id string) (*articleShard, *Comment, error) {
	s.mu.RLock()
	articleID, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}

	sh := s.shard(articleID, false)
	sh.mu.Lock()
	c, ok := sh.comments[id]
	if !ok {
		sh.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	return sh, c, nil
}

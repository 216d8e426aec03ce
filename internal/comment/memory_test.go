package comment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newComment(id, articleID, parentID string, createdAt time.Time) *Comment {
	return &Comment{
		ID:        id,
		ArticleID: articleID,
		AuthorID:  "author-" + id,
		ParentID:  parentID,
		Content:   "content of " + id,
		Status:    StatusApproved,
		CreatedAt: createdAt,
		Version:   1,
	}
}

func mustInsert(t *testing.T, s *MemoryStore, c *Comment) {
	t.Helper()
	if err := s.Insert(context.Background(), c, 3); err != nil {
		t.Fatalf("Insert(%s): %v", c.ID, err)
	}
}

func TestInsert_DepthComputation(t *testing.T) {
	s := NewMemoryStore()

	mustInsert(t, s, newComment("c1", "a1", "", testBase))
	mustInsert(t, s, newComment("c2", "a1", "c1", testBase.Add(time.Minute)))
	mustInsert(t, s, newComment("c3", "a1", "c2", testBase.Add(2*time.Minute)))

	for i, want := range []int{0, 1, 2} {
		c, err := s.Get(context.Background(), fmt.Sprintf("c%d", i+1))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if c.ThreadDepth != want {
			t.Errorf("c%d depth = %d, want %d", i+1, c.ThreadDepth, want)
		}
	}
}

// With maxDepth=3 a chain of 5 replies must fail at the depth-4 node:
// the policy is reject, never a silent flatten.
func TestInsert_DepthCapRejects(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mustInsert(t, s, newComment("c0", "a1", "", testBase))
	parent := "c0"
	for i := 1; i <= 3; i++ {
		c := newComment(fmt.Sprintf("c%d", i), "a1", parent, testBase.Add(time.Duration(i)*time.Minute))
		if err := s.Insert(ctx, c, 3); err != nil {
			t.Fatalf("depth-%d insert: %v", i, err)
		}
		parent = c.ID
	}

	tooDeep := newComment("c4", "a1", parent, testBase.Add(5*time.Minute))
	err := s.Insert(ctx, tooDeep, 3)
	if !errors.Is(err, ErrThreadTooDeep) {
		t.Fatalf("depth-4 insert error = %v, want ErrThreadTooDeep", err)
	}
	if _, err := s.Get(ctx, "c4"); !errors.Is(err, ErrNotFound) {
		t.Error("rejected reply was stored anyway")
	}
}

func TestInsert_ParentValidation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mustInsert(t, s, newComment("c1", "a1", "", testBase))

	err := s.Insert(ctx, newComment("x1", "a1", "missing", testBase), 3)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing parent error = %v, want ErrNotFound", err)
	}

	// Parent on a different article.
	err = s.Insert(ctx, newComment("x2", "a2", "c1", testBase), 3)
	if !errors.Is(err, ErrParentMismatch) {
		t.Errorf("cross-article parent error = %v, want ErrParentMismatch", err)
	}

	err = s.Insert(ctx, newComment("c1", "a1", "", testBase), 3)
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate id error = %v, want ErrDuplicateID", err)
	}
}

func TestListPage_TopLevelSorting(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		mustInsert(t, s, newComment(fmt.Sprintf("c%d", i), "a1", "", testBase.Add(time.Duration(i)*time.Minute)))
	}

	page, err := s.ListPage(ctx, "a1", "", 0, 10, SortNewest)
	if err != nil {
		t.Fatalf("ListPage newest: %v", err)
	}
	if got := page.Comments[0].ID; got != "c3" {
		t.Errorf("newest first = %s, want c3", got)
	}

	page, err = s.ListPage(ctx, "a1", "", 0, 10, SortOldest)
	if err != nil {
		t.Fatalf("ListPage oldest: %v", err)
	}
	if got := page.Comments[0].ID; got != "c0" {
		t.Errorf("oldest first = %s, want c0", got)
	}
}

// Replies ignore the requested sort: they are always chronological
// ascending under their parent.
func TestListPage_RepliesAlwaysAscending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mustInsert(t, s, newComment("top", "a1", "", testBase))
	for i := 0; i < 3; i++ {
		mustInsert(t, s, newComment(fmt.Sprintf("r%d", i), "a1", "top", testBase.Add(time.Duration(i+1)*time.Minute)))
	}

	page, err := s.ListPage(ctx, "a1", "top", 0, 10, SortNewest)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	want := []string{"r0", "r1", "r2"}
	for i, c := range page.Comments {
		if c.ID != want[i] {
			t.Errorf("reply[%d] = %s, want %s", i, c.ID, want[i])
		}
	}
}

func TestListPage_PerParentPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mustInsert(t, s, newComment("top", "a1", "", testBase))
	for i := 0; i < 7; i++ {
		mustInsert(t, s, newComment(fmt.Sprintf("r%d", i), "a1", "top", testBase.Add(time.Duration(i+1)*time.Minute)))
	}

	page, err := s.ListPage(ctx, "a1", "top", 0, 3, SortOldest)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if len(page.Comments) != 3 || page.Total != 7 || !page.HasMore {
		t.Errorf("first page: len=%d total=%d hasMore=%v, want 3/7/true",
			len(page.Comments), page.Total, page.HasMore)
	}

	page, _ = s.ListPage(ctx, "a1", "top", 6, 3, SortOldest)
	if len(page.Comments) != 1 || page.HasMore {
		t.Errorf("last page: len=%d hasMore=%v, want 1/false", len(page.Comments), page.HasMore)
	}
}

func TestListPage_ExcludesDeletedAndRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mustInsert(t, s, newComment("keep", "a1", "", testBase))
	mustInsert(t, s, newComment("gone", "a1", "", testBase.Add(time.Minute)))
	mustInsert(t, s, newComment("bad", "a1", "", testBase.Add(2*time.Minute)))

	if _, err := s.UpdateStatus(ctx, "gone", StatusDeleted, 1, true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, "bad", StatusRejected, 1, false); err != nil {
		t.Fatalf("reject: %v", err)
	}

	page, err := s.ListPage(ctx, "a1", "", 0, 10, SortOldest)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if len(page.Comments) != 1 || page.Comments[0].ID != "keep" {
		t.Errorf("page = %v, want only keep", page.Comments)
	}
	if page.Total != 1 {
		t.Errorf("total = %d, want 1", page.Total)
	}

	// Still addressable by id for tombstone rendering.
	tomb, err := s.Get(ctx, "gone")
	if err != nil {
		t.Fatalf("Get tombstone: %v", err)
	}
	if !tomb.Tombstone() || tomb.Content != "" {
		t.Errorf("tombstone = %+v, want deleted with cleared content", tomb)
	}
}

func TestTree_TombstoneKeepsSubtree(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mustInsert(t, s, newComment("top", "a1", "", testBase))
	mustInsert(t, s, newComment("mid", "a1", "top", testBase.Add(time.Minute)))
	mustInsert(t, s, newComment("leaf", "a1", "mid", testBase.Add(2*time.Minute)))
	mustInsert(t, s, newComment("solo", "a1", "", testBase.Add(3*time.Minute)))

	// Delete the middle node and the childless one.
	if _, err := s.UpdateStatus(ctx, "mid", StatusDeleted, 1, true); err != nil {
		t.Fatalf("delete mid: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, "solo", StatusDeleted, 1, true); err != nil {
		t.Fatalf("delete solo: %v", err)
	}

	forest, err := s.Tree(ctx, "a1")
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if len(forest) != 1 || forest[0].Comment.ID != "top" {
		t.Fatalf("forest roots = %d, want only top (solo pruned)", len(forest))
	}
	if len(forest[0].Replies) != 1 || forest[0].Replies[0].Comment.ID != "mid" {
		t.Fatal("tombstone mid missing from tree")
	}
	mid := forest[0].Replies[0]
	if !mid.Comment.Tombstone() {
		t.Error("mid not rendered as tombstone")
	}
	if len(mid.Replies) != 1 || mid.Replies[0].Comment.ID != "leaf" {
		t.Error("leaf lost under tombstone")
	}
}

func TestUpdateStatus_VersionConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mustInsert(t, s, newComment("c1", "a1", "", testBase))

	if _, err := s.UpdateStatus(ctx, "c1", StatusFlagged, 1, false); err != nil {
		t.Fatalf("first update: %v", err)
	}
	_, err := s.UpdateStatus(ctx, "c1", StatusApproved, 1, false)
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update error = %v, want ErrVersionConflict", err)
	}

	c, _ := s.Get(ctx, "c1")
	if c.Status != StatusFlagged || c.Version != 2 {
		t.Errorf("comment = %s v%d, want flagged v2", c.Status, c.Version)
	}
}

func TestUpdateContent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mustInsert(t, s, newComment("c1", "a1", "", testBase))
	editedAt := testBase.Add(5 * time.Minute)

	c, err := s.UpdateContent(ctx, "c1", "new text", 8, editedAt, 1)
	if err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}
	if c.Content != "new text" || c.EditedAt == nil || !c.EditedAt.Equal(editedAt) {
		t.Errorf("edited comment = %+v", c)
	}
	if c.Version != 2 {
		t.Errorf("version = %d, want 2", c.Version)
	}
}

// Inserts for different articles must be parallelizable; same-parent
// inserts serialize. Hammer both and verify structure afterwards.
func TestInsert_Concurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mustInsert(t, s, newComment("root", "a1", "", testBase))

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			article := "a1"
			parent := "root"
			if i%2 == 0 {
				article = fmt.Sprintf("a%d", i)
				parent = ""
			}
			c := newComment(fmt.Sprintf("k%d", i), article, parent, testBase.Add(time.Duration(i)*time.Second))
			if err := s.Insert(ctx, c, 3); err != nil {
				t.Errorf("Insert k%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	page, err := s.ListPage(ctx, "a1", "root", 0, n, SortOldest)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if page.Total != n/2 {
		t.Errorf("replies under root = %d, want %d", page.Total, n/2)
	}
	for _, c := range page.Comments {
		if c.ThreadDepth != 1 {
			t.Errorf("reply %s depth = %d, want 1", c.ID, c.ThreadDepth)
		}
	}
}

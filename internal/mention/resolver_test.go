package mention

import (
	"context"
	"reflect"
	"testing"

	"github.com/threadline/comment-engine/internal/identity"
)

func newTestResolver() *Resolver {
	dir := identity.NewMemoryDirectory()
	for _, u := range []identity.AuthorContext{
		{UserID: "u1", DisplayName: "alice", ReputationScore: 120},
		{UserID: "u2", DisplayName: "albert", ReputationScore: 40},
		{UserID: "u3", DisplayName: "bob", ReputationScore: 300},
		{UserID: "u4", DisplayName: "malice", ReputationScore: 80},
		{UserID: "u5", DisplayName: "Alfred", ReputationScore: 40},
		{UserID: "u6", DisplayName: "carol", ReputationScore: 10},
	} {
		dir.Upsert(context.Background(), u)
	}
	return NewResolver(dir)
}

func names(users []identity.AuthorContext) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.DisplayName
	}
	return out
}

func TestResolve_EmptyQuerySuggestsByReputation(t *testing.T) {
	r := newTestResolver()

	got := names(r.Resolve("", "u6", 3))
	want := []string{"bob", "alice", "malice"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve(\"\") = %v, want %v", got, want)
	}
}

func TestResolve_PrefixBeforeSubstring(t *testing.T) {
	r := newTestResolver()

	// "al" prefixes alice/albert/Alfred; malice matches as substring and
	// must rank after all prefix hits despite its higher reputation.
	got := names(r.Resolve("al", "", 0))
	want := []string{"alice", "Alfred", "albert", "malice"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve(\"al\") = %v, want %v", got, want)
	}
}

func TestResolve_CaseInsensitive(t *testing.T) {
	r := newTestResolver()

	got := names(r.Resolve("AL", "", 0))
	if len(got) == 0 || got[0] != "alice" {
		t.Errorf("Resolve(\"AL\") = %v, want alice first", got)
	}
}

func TestResolve_ExcludesRequester(t *testing.T) {
	r := newTestResolver()

	for _, u := range r.Resolve("al", "u1", 0) {
		if u.UserID == "u1" {
			t.Fatal("requesting user present in results")
		}
	}
	for _, u := range r.Resolve("", "u3", 0) {
		if u.UserID == "u3" {
			t.Fatal("requesting user present in suggested set")
		}
	}
}

func TestResolve_Limit(t *testing.T) {
	r := newTestResolver()

	if got := r.Resolve("", "", 2); len(got) != 2 {
		t.Errorf("limit 2 returned %d results", len(got))
	}
	// Zero limit falls back to the default.
	if got := r.Resolve("", "", 0); len(got) != 6 {
		t.Errorf("default limit returned %d results, want all 6", len(got))
	}
}

func TestResolve_NoMatch(t *testing.T) {
	r := newTestResolver()

	if got := r.Resolve("zzz", "", 0); len(got) != 0 {
		t.Errorf("Resolve(\"zzz\") = %v, want empty", names(got))
	}
}

// Resolution must not mutate directory state: repeated identical calls
// return identical results.
func TestResolve_Pure(t *testing.T) {
	r := newTestResolver()

	first := names(r.Resolve("al", "", 0))
	for i := 0; i < 5; i++ {
		if got := names(r.Resolve("al", "", 0)); !reflect.DeepEqual(got, first) {
			t.Fatalf("call %d returned %v, want %v", i, got, first)
		}
	}
}

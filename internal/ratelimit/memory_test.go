package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

var testLimits = Limits{
	ShortWindow: 5 * time.Minute,
	ShortCap:    5,
	LongWindow:  1 * time.Hour,
	LongCap:     30,
	Penalty:     15 * time.Minute,
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter() (*MemoryLimiter, *fakeClock) {
	l := NewMemoryLimiter()
	clock := newFakeClock()
	l.SetClock(clock.Now)
	return l, clock
}

func TestCheck_AllowedUnderCap(t *testing.T) {
	l, clock := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < testLimits.ShortCap; i++ {
		res, err := l.Check(ctx, "user-1", "comment", testLimits)
		if err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("Check %d: allowed = false, want true", i)
		}
		want := testLimits.ShortCap - i - 1
		if res.Remaining != want {
			t.Errorf("Check %d: remaining = %d, want %d", i, res.Remaining, want)
		}
		clock.Advance(time.Second)
	}
}

// The 6th submission inside the short window is rejected and imposes a
// penalty; the first submission after the penalty expires is allowed.
func TestCheck_ShortWindowPenalty(t *testing.T) {
	l, clock := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, _ := l.Check(ctx, "user-1", "comment", testLimits)
		if !res.Allowed {
			t.Fatalf("submission %d unexpectedly blocked", i)
		}
		clock.Advance(10 * time.Second)
	}

	res, err := l.Check(ctx, "user-1", "comment", testLimits)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatal("6th submission in short window allowed, want rejected")
	}
	if res.Reason != ReasonShortTerm {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonShortTerm)
	}
	wantReset := clock.Now().Add(testLimits.Penalty)
	if !res.ResetAt.Equal(wantReset) {
		t.Errorf("resetAt = %v, want %v", res.ResetAt, wantReset)
	}

	// Still inside the penalty: rejected even though the short window
	// itself has drained.
	clock.Advance(10 * time.Minute)
	res, _ = l.Check(ctx, "user-1", "comment", testLimits)
	if res.Allowed {
		t.Fatal("submission during penalty allowed, want rejected")
	}
	if res.Reason != ReasonShortTerm {
		t.Errorf("penalty reason = %q, want %q", res.Reason, ReasonShortTerm)
	}

	// Past the penalty expiry: allowed again.
	clock.Advance(6 * time.Minute)
	res, _ = l.Check(ctx, "user-1", "comment", testLimits)
	if !res.Allowed {
		t.Fatalf("submission after penalty expiry rejected: %+v", res)
	}
}

// A rejected attempt during an active penalty must not be recorded.
func TestCheck_PenaltyAttemptsNotRecorded(t *testing.T) {
	l, clock := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		l.Check(ctx, "user-1", "comment", testLimits)
	}
	// Hammer during the penalty.
	for i := 0; i < 20; i++ {
		clock.Advance(time.Second)
		l.Check(ctx, "user-1", "comment", testLimits)
	}

	// After the penalty and the short window both clear, the hammering
	// must not have refilled the short window.
	clock.Advance(16 * time.Minute)
	res, _ := l.Check(ctx, "user-1", "comment", testLimits)
	if !res.Allowed {
		t.Fatalf("post-penalty submission rejected: %+v", res)
	}
}

func TestCheck_LongWindowSoftThrottle(t *testing.T) {
	l, clock := newTestLimiter()
	ctx := context.Background()

	// Spread 30 attempts over the hour so the short window never trips.
	for i := 0; i < testLimits.LongCap; i++ {
		res, _ := l.Check(ctx, "user-1", "comment", testLimits)
		if !res.Allowed {
			t.Fatalf("attempt %d blocked: %+v", i, res)
		}
		clock.Advance(100 * time.Second)
	}

	res, _ := l.Check(ctx, "user-1", "comment", testLimits)
	if res.Allowed {
		t.Fatal("attempt over long cap allowed, want rejected")
	}
	if res.Reason != ReasonLongTerm {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonLongTerm)
	}
	if res.ResetAt.IsZero() {
		t.Error("long-window rejection missing resetAt")
	}

	// No penalty was imposed: once the oldest attempt ages out, the next
	// check is allowed.
	clock.Advance(12 * time.Minute)
	res, _ = l.Check(ctx, "user-1", "comment", testLimits)
	if !res.Allowed {
		t.Fatalf("attempt after long-window drain rejected: %+v", res)
	}
}

func TestCheck_IdentifiersIndependent(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		l.Check(ctx, "noisy", "comment", testLimits)
	}
	res, _ := l.Check(ctx, "quiet", "comment", testLimits)
	if !res.Allowed {
		t.Fatalf("unrelated identifier blocked: %+v", res)
	}
}

func TestCheck_ActionsIndependent(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		l.Check(ctx, "user-1", "comment", testLimits)
	}
	res, _ := l.Check(ctx, "user-1", "edit", testLimits)
	if !res.Allowed {
		t.Fatalf("different action blocked: %+v", res)
	}
}

// Concurrent checks for one identifier must never over-admit: with a cap
// of 5, exactly 5 out of 50 concurrent submissions succeed.
func TestCheck_ConcurrentAtomicity(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(ctx, "user-1", "comment", testLimits)
			if err != nil {
				t.Errorf("Check: %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != testLimits.ShortCap {
		t.Errorf("allowed = %d, want exactly %d", allowed, testLimits.ShortCap)
	}
}

func TestCancel_ReleasesSlot(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	var tokens []string
	for i := 0; i < testLimits.ShortCap; i++ {
		res, _ := l.Check(ctx, "user-1", "comment", testLimits)
		tokens = append(tokens, res.Token)
	}

	// Cap reached; give one slot back and the next check passes again.
	if err := l.Cancel(ctx, "user-1", "comment", tokens[0]); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	res, _ := l.Check(ctx, "user-1", "comment", testLimits)
	if !res.Allowed {
		t.Fatalf("check after cancel rejected: %+v", res)
	}
}

func TestPeek_NoSideEffects(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := l.Peek(ctx, "user-1", "comment", testLimits); err != nil {
			t.Fatalf("Peek: %v", err)
		}
	}

	res, _ := l.Check(ctx, "user-1", "comment", testLimits)
	if !res.Allowed || res.Remaining != testLimits.ShortCap-1 {
		t.Errorf("after peeks: allowed=%v remaining=%d, want true/%d",
			res.Allowed, res.Remaining, testLimits.ShortCap-1)
	}
}

func TestPeek_ResetAtTracksOldestAttempt(t *testing.T) {
	l, clock := newTestLimiter()
	ctx := context.Background()

	start := clock.Now()
	for i := 0; i < testLimits.ShortCap; i++ {
		l.Check(ctx, "user-1", "comment", testLimits)
		clock.Advance(30 * time.Second)
	}

	res, _ := l.Peek(ctx, "user-1", "comment", testLimits)
	if res.Allowed {
		t.Fatal("peek at cap reported allowed")
	}
	// The next slot opens when the oldest in-window attempt ages out,
	// not a full window from now.
	want := start.Add(testLimits.ShortWindow)
	if !res.ResetAt.Equal(want) {
		t.Errorf("resetAt = %v, want %v", res.ResetAt, want)
	}
}

func TestPeek_ReportsShortBreachWithoutPenalty(t *testing.T) {
	l, clock := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < testLimits.ShortCap; i++ {
		l.Check(ctx, "user-1", "comment", testLimits)
	}

	res, _ := l.Peek(ctx, "user-1", "comment", testLimits)
	if res.Allowed {
		t.Fatal("peek at cap reported allowed")
	}
	if res.Reason != ReasonShortTerm {
		t.Errorf("peek reason = %q, want %q", res.Reason, ReasonShortTerm)
	}

	// Peek must not have imposed a penalty: once the short window slides
	// past, checks pass again well before any 15m penalty would expire.
	clock.Advance(6 * time.Minute)
	check, _ := l.Check(ctx, "user-1", "comment", testLimits)
	if !check.Allowed {
		t.Fatalf("check after window slide rejected: %+v", check)
	}
}

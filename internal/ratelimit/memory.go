package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// penalty is an active lockout. While now < until, every attempt is
// rejected regardless of window counts.
type penalty struct {
	until  time.Time
	reason string
}

// record holds the attempt history for one (identifier, action) key.
// Its mutex serializes check-and-record per key; different keys proceed
// in parallel.
type record struct {
	mu       sync.Mutex
	attempts []time.Time
	penalty  *penalty
}

// MemoryLimiter is a process-local Limiter. It keeps attempt timestamps
// and penalties in memory with per-key locking.
type MemoryLimiter struct {
	mu      sync.Mutex
	records map[string]*record
	now     func() time.Time
}

// NewMemoryLimiter creates an empty in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// SetClock overrides the limiter's time source, for tests.
func (l *MemoryLimiter) SetClock(now func() time.Time) { l.now = now }

func (l *MemoryLimiter) record(identifier, action string) *record {
	key := action + "|" + identifier
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[key]
	if !ok {
		r = &record{}
		l.records[key] = r
	}
	return r
}

// Check implements the sliding-window algorithm: prune the long window,
// honor an active penalty, impose a new penalty on a short-window breach,
// soft-throttle on the long-window cap, otherwise record the attempt.
func (l *MemoryLimiter) Check(ctx context.Context, identifier, action string, limits Limits) (Result, error) {
	r := l.record(identifier, action)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := l.now()
	r.prune(now, limits.LongWindow)

	if r.penalty != nil && now.Before(r.penalty.until) {
		return Result{Allowed: false, ResetAt: r.penalty.until, Reason: r.penalty.reason}, nil
	}
	r.penalty = nil

	shortCount := r.countSince(now.Add(-limits.ShortWindow))
	if shortCount >= limits.ShortCap {
		until := now.Add(limits.Penalty)
		r.penalty = &penalty{until: until, reason: ReasonShortTerm}
		return Result{Allowed: false, ResetAt: until, Reason: ReasonShortTerm}, nil
	}

	longCount := len(r.attempts)
	if longCount >= limits.LongCap {
		return Result{
			Allowed: false,
			ResetAt: r.attempts[0].Add(limits.LongWindow),
			Reason:  ReasonLongTerm,
		}, nil
	}

	r.attempts = append(r.attempts, now)
	return Result{
		Allowed:   true,
		Remaining: remaining(limits, shortCount, longCount),
		Token:     strconv.FormatInt(now.UnixNano(), 10),
	}, nil
}

// Peek reports the current state without mutating it. A short-window
// breach is reported as blocked but no penalty is imposed; only Check
// escalates.
func (l *MemoryLimiter) Peek(ctx context.Context, identifier, action string, limits Limits) (Result, error) {
	r := l.record(identifier, action)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := l.now()
	horizon := now.Add(-limits.LongWindow)

	if r.penalty != nil && now.Before(r.penalty.until) {
		return Result{Allowed: false, ResetAt: r.penalty.until, Reason: r.penalty.reason}, nil
	}

	var live []time.Time
	for _, at := range r.attempts {
		if at.After(horizon) {
			live = append(live, at)
		}
	}

	shortStart := now.Add(-limits.ShortWindow)
	shortCount := 0
	var oldestShort time.Time
	for _, at := range live {
		if at.After(shortStart) {
			if shortCount == 0 {
				oldestShort = at
			}
			shortCount++
		}
	}

	if shortCount >= limits.ShortCap {
		return Result{
			Allowed: false,
			ResetAt: oldestShort.Add(limits.ShortWindow),
			Reason:  ReasonShortTerm,
		}, nil
	}
	if len(live) >= limits.LongCap {
		return Result{
			Allowed: false,
			ResetAt: live[0].Add(limits.LongWindow),
			Reason:  ReasonLongTerm,
		}, nil
	}
	// No attempt is consumed here, so the remainder is the raw budget.
	short := limits.ShortCap - shortCount
	long := limits.LongCap - len(live)
	left := short
	if long < left {
		left = long
	}
	return Result{Allowed: true, Remaining: left}, nil
}

// Cancel removes the attempt recorded under token, releasing its slot.
// Unknown tokens are a no-op.
func (l *MemoryLimiter) Cancel(ctx context.Context, identifier, action, token string) error {
	nanos, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return nil
	}
	at := time.Unix(0, nanos)

	r := l.record(identifier, action)
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.attempts) - 1; i >= 0; i-- {
		if r.attempts[i].Equal(at) {
			r.attempts = append(r.attempts[:i], r.attempts[i+1:]...)
			return nil
		}
	}
	return nil
}

// prune drops attempts older than the long window. Runs before every
// check so the record never retains stale history.
func (r *record) prune(now time.Time, window time.Duration) {
	horizon := now.Add(-window)
	i := 0
	for i < len(r.attempts) && !r.attempts[i].After(horizon) {
		i++
	}
	if i > 0 {
		r.attempts = append([]time.Time(nil), r.attempts[i:]...)
	}
}

// countSince counts attempts strictly after t. Attempts are appended in
// order, so scan from the tail.
func (r *record) countSince(t time.Time) int {
	n := 0
	for i := len(r.attempts) - 1; i >= 0; i-- {
		if !r.attempts[i].After(t) {
			break
		}
		n++
	}
	return n
}

// remaining is the tighter of the two window budgets after this attempt.
func remaining(limits Limits, shortCount, longCount int) int {
	short := limits.ShortCap - shortCount - 1
	long := limits.LongCap - longCount - 1
	if short < long {
		return short
	}
	return long
}

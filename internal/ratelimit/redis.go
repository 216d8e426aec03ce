package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key prefixes. Attempts live in a sorted set scored by unix
// milliseconds; penalties are plain keys whose TTL is the lockout.
const (
	attemptsPrefix = "rl:att:"
	penaltyPrefix  = "rl:pen:"
)

// checkLua runs the whole check-and-record atomically on the Redis side:
// prune, penalty gate, short-window breach (imposes the penalty),
// long-window soft throttle, then record.
//
// KEYS[1] = attempts zset, KEYS[2] = penalty key
// ARGV    = now_ms, short_ms, short_cap, long_ms, long_cap, penalty_ms, member
//
// Returns {1, remaining} when allowed, {0, reset_at_ms, reason} when not.
const checkLua = `
local now = tonumber(ARGV[1])
local short_ms = tonumber(ARGV[2])
local short_cap = tonumber(ARGV[3])
local long_ms = tonumber(ARGV[4])
local long_cap = tonumber(ARGV[5])
local penalty_ms = tonumber(ARGV[6])

local pttl = redis.call('PTTL', KEYS[2])
if pttl > 0 then
    local reason = redis.call('GET', KEYS[2])
    return {0, now + pttl, reason}
end

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - long_ms)

local short_count = redis.call('ZCOUNT', KEYS[1], now - short_ms + 1, '+inf')
if short_count >= short_cap then
    redis.call('SET', KEYS[2], 'short_term_limit', 'PX', penalty_ms)
    return {0, now + penalty_ms, 'short_term_limit'}
end

local long_count = redis.call('ZCARD', KEYS[1])
if long_count >= long_cap then
    local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
    return {0, tonumber(oldest[2]) + long_ms, 'long_term_limit'}
end

redis.call('ZADD', KEYS[1], now, ARGV[7])
redis.call('PEXPIRE', KEYS[1], long_ms)

local short_rem = short_cap - short_count - 1
local long_rem = long_cap - long_count - 1
if short_rem < long_rem then
    return {1, short_rem}
end
return {1, long_rem}
`

// RedisLimiter is a Limiter shared across engine instances. All state
// lives in Redis; the check script keeps concurrent checks for one
// identifier from double-spending the last slot.
type RedisLimiter struct {
	client      *redis.Client
	checkScript *redis.Script
	now         func() time.Time
}

// NewRedisLimiter creates a limiter backed by the given Redis client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		client:      client,
		checkScript: redis.NewScript(checkLua),
		now:         time.Now,
	}
}

func keys(identifier, action string) (string, string) {
	suffix := action + ":" + identifier
	return attemptsPrefix + suffix, penaltyPrefix + suffix
}

// Check runs the atomic check-and-record script. It does not fail open:
// a Redis error surfaces to the caller, which treats it as a
// collaborator failure.
func (l *RedisLimiter) Check(ctx context.Context, identifier, action string, limits Limits) (Result, error) {
	attemptsKey, penaltyKey := keys(identifier, action)
	member := uuid.NewString()
	now := l.now()

	raw, err := l.checkScript.Run(ctx, l.client,
		[]string{attemptsKey, penaltyKey},
		now.UnixMilli(),
		limits.ShortWindow.Milliseconds(),
		limits.ShortCap,
		limits.LongWindow.Milliseconds(),
		limits.LongCap,
		limits.Penalty.Milliseconds(),
		member,
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: check script: %w", err)
	}
	if len(raw) < 2 {
		return Result{}, fmt.Errorf("ratelimit: check script returned %d values", len(raw))
	}

	allowed, err := toInt64(raw[0])
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: parse allowed flag: %w", err)
	}

	if allowed == 1 {
		rem, err := toInt64(raw[1])
		if err != nil {
			return Result{}, fmt.Errorf("ratelimit: parse remaining: %w", err)
		}
		return Result{Allowed: true, Remaining: int(rem), Token: member}, nil
	}

	resetMs, err := toInt64(raw[1])
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: parse reset: %w", err)
	}
	reason := ""
	if len(raw) > 2 {
		reason, _ = raw[2].(string)
	}
	return Result{Allowed: false, ResetAt: time.UnixMilli(resetMs), Reason: reason}, nil
}

// Peek inspects the current window state without recording an attempt or
// escalating. It is advisory: between Peek and Check another submission
// may consume the last slot.
func (l *RedisLimiter) Peek(ctx context.Context, identifier, action string, limits Limits) (Result, error) {
	attemptsKey, penaltyKey := keys(identifier, action)
	now := l.now()

	pttl, err := l.client.PTTL(ctx, penaltyKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: peek penalty ttl: %w", err)
	}
	if pttl > 0 {
		reason, err := l.client.Get(ctx, penaltyKey).Result()
		if err != nil && err != redis.Nil {
			return Result{}, fmt.Errorf("ratelimit: peek penalty reason: %w", err)
		}
		return Result{Allowed: false, ResetAt: now.Add(pttl), Reason: reason}, nil
	}

	shortStart := strconv.FormatInt(now.Add(-limits.ShortWindow).UnixMilli()+1, 10)
	longStart := strconv.FormatInt(now.Add(-limits.LongWindow).UnixMilli()+1, 10)

	shortCount, err := l.client.ZCount(ctx, attemptsKey, shortStart, "+inf").Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: peek short count: %w", err)
	}
	longCount, err := l.client.ZCount(ctx, attemptsKey, longStart, "+inf").Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: peek long count: %w", err)
	}

	if int(shortCount) >= limits.ShortCap {
		reset, err := l.oldestReset(ctx, attemptsKey, shortStart, limits.ShortWindow, now)
		if err != nil {
			return Result{}, err
		}
		return Result{Allowed: false, ResetAt: reset, Reason: ReasonShortTerm}, nil
	}
	if int(longCount) >= limits.LongCap {
		reset, err := l.oldestReset(ctx, attemptsKey, longStart, limits.LongWindow, now)
		if err != nil {
			return Result{}, err
		}
		return Result{Allowed: false, ResetAt: reset, Reason: ReasonLongTerm}, nil
	}
	short := limits.ShortCap - int(shortCount)
	long := limits.LongCap - int(longCount)
	left := short
	if long < left {
		left = long
	}
	return Result{Allowed: true, Remaining: left}, nil
}

// oldestReset reports when the oldest in-window attempt ages out, which
// is when the next slot opens. Falls back to now+window if the set raced
// empty between the count and this read.
func (l *RedisLimiter) oldestReset(ctx context.Context, key, min string, window time.Duration, now time.Time) (time.Time, error) {
	zs, err := l.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: min, Max: "+inf", Offset: 0, Count: 1,
	}).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("ratelimit: peek oldest attempt: %w", err)
	}
	if len(zs) == 0 {
		return now.Add(window), nil
	}
	return time.UnixMilli(int64(zs[0].Score)).Add(window), nil
}

// Cancel removes the attempt recorded under token. Used when the guarded
// operation failed and the slot should be handed back.
func (l *RedisLimiter) Cancel(ctx context.Context, identifier, action, token string) error {
	if token == "" {
		return nil
	}
	attemptsKey, _ := keys(identifier, action)
	if err := l.client.ZRem(ctx, attemptsKey, token).Err(); err != nil {
		return fmt.Errorf("ratelimit: cancel attempt: %w", err)
	}
	return nil
}

// toInt64 normalizes the numeric types go-redis hands back from Lua.
func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

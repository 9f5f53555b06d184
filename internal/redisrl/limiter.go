// Package redisrl is a Redis-backed token bucket with an in-flight cap, keyed
// by gateway route name. State lives in Redis so every gateway replica
// shares the same budget.
package redisrl

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const allowScript = `
local rl = KEYS[1]; local infl = KEYS[2]
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local rps = tonumber(ARGV[3])
local max_inflight = tonumber(ARGV[4])

local t = redis.call('HMGET', rl, 'tokens', 'ts')
local tokens = tonumber(t[1]) or burst
local ts = tonumber(t[2]) or now
local delta = math.max(0, now - ts)
tokens = math.min(burst, tokens + delta * rps / 1000.0)

local inflight = tonumber(redis.call('GET', infl)) or 0
if inflight >= max_inflight then
  redis.call('HMSET', rl, 'tokens', tokens, 'ts', now)
  redis.call('PEXPIRE', rl, 60000)
  return {0, 100}
end

if tokens >= 1.0 then
  tokens = tokens - 1.0
  redis.call('HMSET', rl, 'tokens', tokens, 'ts', now)
  redis.call('PEXPIRE', rl, 60000)
  redis.call('INCR', infl)
  redis.call('PEXPIRE', infl, 60000)
  return {1, 0}
end

local wait_ms = math.ceil(1000.0 * (1.0 - tokens) / rps)
redis.call('HMSET', rl, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', rl, 60000)
return {0, wait_ms}
`

const doneScript = `
local n = tonumber(redis.call('GET', KEYS[1])) or 0
if n <= 1 then
  redis.call('DEL', KEYS[1])
  return 0
end
return redis.call('DECR', KEYS[1])
`

var (
	allowLua = redis.NewScript(allowScript)
	doneLua  = redis.NewScript(doneScript)
)

type Limit struct {
	RPS         float64
	Burst       int
	MaxInflight int
}

type Limiter struct {
	Rdb redis.Scripter
	now func() time.Time
}

func New(rdb redis.Scripter) *Limiter { return &Limiter{Rdb: rdb, now: time.Now} }

func rateKey(route string) string     { return "rl:route:" + route }
func inflightKey(route string) string { return "if:route:" + route }

// Allow consumes a token and takes an in-flight slot for route when both are
// available. When it refuses, wait is a hint for Retry-After. Every allowed
// call must be paired with Done.
func (l *Limiter) Allow(ctx context.Context, route string, lim Limit) (bool, time.Duration, error) {
	now := l.now().UnixMilli()
	res, err := allowLua.Run(ctx, l.Rdb, []string{rateKey(route), inflightKey(route)},
		now, lim.Burst, lim.RPS, lim.MaxInflight).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", route, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %v", route, res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

// Done releases the in-flight slot taken by a successful Allow.
func (l *Limiter) Done(ctx context.Context, route string) error {
	if err := doneLua.Run(ctx, l.Rdb, []string{inflightKey(route)}).Err(); err != nil {
		return fmt.Errorf("rate limit done %s: %w", route, err)
	}
	return nil
}

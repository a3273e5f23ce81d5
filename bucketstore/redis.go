package bucketstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/fluxgate/fluxgate/model"
	"github.com/redis/go-redis/v9"
)

// luaTokenBucketScript implements the refill-then-consume algorithm
// server-side so the read-refill-write-decide sequence is atomic
// without a Redis transaction. KEYS[1] is the bucket hash; ARGV is
// capacity, windowNanos, permits. now is read from Redis's own TIME
// command, never from the caller, so bucket decisions can't be skewed
// by clock drift between FluxGate instances.
const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local window_nanos = tonumber(ARGV[2])
local permits = tonumber(ARGV[3])

local t = redis.call("TIME")
local now_nanos = tonumber(t[1]) * 1000000000 + tonumber(t[2]) * 1000

local tokens = capacity
local last_refill = now_nanos

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local elapsed = now_nanos - last_refill
if elapsed < 0 then
  elapsed = 0
end

local added = math.floor(elapsed * capacity / window_nanos)
tokens = math.min(capacity, tokens + added)

local allowed = 0
local nanos_to_wait = 0
local reset_millis = math.floor((now_nanos + math.ceil((capacity - tokens) * window_nanos / capacity)) / 1000000)

if tokens >= permits then
  if permits > 0 then
    tokens = tokens - permits
  end
  allowed = 1
  last_refill = now_nanos

  local ttl_seconds = math.ceil(window_nanos * 1.1 / 1e9)
  if ttl_seconds > 86400 then ttl_seconds = 86400 end
  redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
  redis.call("EXPIRE", key, ttl_seconds)
else
  local shortage = permits - tokens
  nanos_to_wait = math.ceil(shortage * window_nanos / capacity)
  -- read-only on rejection: no HSET here. last_refill is reported
  -- unchanged so the fairness invariant holds byte-for-byte.
end

return { allowed, tostring(tokens), tostring(last_refill), nanos_to_wait, reset_millis }
`

// luaCompensateScript restores permits tokens to a bucket that a
// sibling band's rejection is undoing, capped at capacity, without
// touching last_refill, so the refund never re-extends the refill
// baseline the way a real consume would.
const luaCompensateScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local permits = tonumber(ARGV[2])

local current = redis.call("HGET", key, "tokens")
if current == false then
  return 0
end

local tokens = tonumber(current) + permits
if tokens > capacity then tokens = capacity end
redis.call("HSET", key, "tokens", tokens)
return 1
`

// Redis is the primary BucketStore backend: a shared Redis instance
// holding one hash per bucket key, consumed via the script above.
type Redis struct {
	client           *redis.Client
	script           *redis.Script
	compensateScript *redis.Script
}

// NewRedis builds a Redis-backed BucketStore over an existing client.
// The store never closes the client; whoever constructed it does.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client:           client,
		script:           redis.NewScript(luaTokenBucketScript),
		compensateScript: redis.NewScript(luaCompensateScript),
	}
}

// Consume ignores nowNanos: Redis supplies server-side time via the
// script's own TIME call, never the caller's clock, so bucket
// decisions can't be skewed by drift between FluxGate instances. The
// parameter exists only so BucketStore's single interface also fits
// Memory, which has no server clock of its own to ask.
func (r *Redis) Consume(ctx context.Context, key string, band model.Band, permits int64, nowNanos int64) (ConsumeResult, error) {
	if err := ValidateConsume(band, permits); err != nil {
		return ConsumeResult{}, err
	}
	res, err := r.script.Run(ctx, r.client, []string{key},
		band.Capacity, band.Window.Nanoseconds(), permits,
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ConsumeResult{}, nil
		}
		return ConsumeResult{}, WrapError("consume", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 5 {
		return ConsumeResult{}, fmt.Errorf("bucketstore: consume: %w: unexpected script result %#v", model.ErrStoreFatal, res)
	}

	return ConsumeResult{
		Allowed:         toInt64(vals[0]) == 1,
		Remaining:       int64(toFloat64(vals[1])),
		NanosToWait:     toInt64(vals[3]),
		ResetTimeMillis: toInt64(vals[4]),
	}, nil
}

// Compensate restores permits tokens to key's bucket, capped at the
// band's capacity. A missing bucket (e.g. raced with a reset) is not
// an error: there is nothing to compensate.
func (r *Redis) Compensate(ctx context.Context, key string, band model.Band, permits int64) error {
	err := r.compensateScript.Run(ctx, r.client, []string{key}, band.Capacity, permits).Err()
	if err != nil {
		return WrapError("compensate", err)
	}
	return nil
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return WrapError("reset", err)
	}
	return nil
}

// ResetByPrefix deletes every key matching prefix+"*" using an
// incremental SCAN cursor, never KEYS, so a large keyspace never
// blocks the shared Redis instance for other callers.
func (r *Redis) ResetByPrefix(ctx context.Context, prefix string) error {
	var cursor uint64
	match := prefix + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return WrapError("resetByPrefix", err)
		}
		if len(keys) > 0 {
			if err := r.client.Unlink(ctx, keys...).Err(); err != nil {
				return WrapError("resetByPrefix", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		var n int64
		fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		var f float64
		fmt.Sscanf(t, "%f", &f)
		return f
	case int64:
		return float64(t)
	default:
		return 0
	}
}

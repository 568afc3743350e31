package storage

import (
	"context"
	"time"

	redis2 "TeamChat/service/storage/redis"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Per-user-per-conversation sync cursor cache plus the conversation
// max-seq cache. Both are caches over the durable store: a miss is
// answered from Mongo and the value written back here.

const cursorTTL = 24 * time.Hour

func cursorKey(userID, convID string) string { return "im:cursor:" + userID + ":" + convID }
func convMaxKey(convID string) string        { return "im:convmax:" + convID }

// Forward-only set: the stored value only ever goes up. GETs that race
// a concurrent advance see either value, never a regression.
// KEYS[1]=key ARGV[1]=proposed ARGV[2]=ttlSec
// Returns the value after the update.
const luaMaxSet = `
local k   = KEYS[1]
local v   = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local cur = tonumber(redis.call("GET", k))
if cur == nil or v > cur then
  redis.call("SET", k, v)
  cur = v
end
if ttl > 0 then
  redis.call("EXPIRE", k, ttl)
end
return cur
`

var maxSetScript = redis.NewScript(luaMaxSet)

type CursorCache struct{}

func NewCursorCache() *CursorCache { return &CursorCache{} }

// GetCursor returns (value, found). Not-found means cold cache, not
// cursor zero; the caller falls back to the durable store.
func (c *CursorCache) GetCursor(ctx context.Context, userID, convID string) (int64, bool, error) {
	v, err := redis2.GetRedis().Get(ctx, cursorKey(userID, convID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// AdvanceCursor applies the forward-only rule and returns the stored
// value after the call (>= proposed only when a higher value was
// already present).
func (c *CursorCache) AdvanceCursor(ctx context.Context, userID, convID string, proposed int64) (int64, error) {
	return maxSetScript.Run(ctx, redis2.GetRedis(),
		[]string{cursorKey(userID, convID)}, proposed, int64(cursorTTL/time.Second)).Int64()
}

// GetConvMax returns the cached conversation high watermark.
func (c *CursorCache) GetConvMax(ctx context.Context, convID string) (int64, bool, error) {
	v, err := redis2.GetRedis().Get(ctx, convMaxKey(convID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// AdvanceConvMax raises the cached watermark; written by ingestion
// after each accepted message.
func (c *CursorCache) AdvanceConvMax(ctx context.Context, convID string, seq int64) error {
	_, err := maxSetScript.Run(ctx, redis2.GetRedis(),
		[]string{convMaxKey(convID)}, seq, int64(cursorTTL/time.Second)).Int64()
	return err
}

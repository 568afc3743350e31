package seq

import (
	"context"

	errs "TeamChat/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Counter TTL: an idle conversation's counter may expire; the durable
// floor reseeds it on the next allocation.
const counterTTLMillis = 6 * 60 * 60 * 1000

// Atomic increment, but only when the counter is already seeded.
// KEYS[1]=key  ARGV[1]=ttlMillis
// Returns -1 on a cold counter (caller reseeds from the durable floor).
var luaNextSeq = redis.NewScript(`
  local k = KEYS[1]
  if redis.call('EXISTS', k) == 0 then
    return -1
  end
  local n = redis.call('INCR', k)
  redis.call('PEXPIRE', k, tonumber(ARGV[1]))
  return n
`)

// Seed-and-increment: SETNX keeps the first writer's floor when two
// cold-cache allocators race, so both still get distinct values.
// KEYS[1]=key  ARGV[1]=floor  ARGV[2]=ttlMillis
var luaSeedSeq = redis.NewScript(`
  local k = KEYS[1]
  redis.call('SETNX', k, tonumber(ARGV[1]))
  local n = redis.call('INCR', k)
  redis.call('PEXPIRE', k, tonumber(ARGV[2]))
  return n
`)

// DAOIface supplies the durable floor (max seq ever persisted for the
// conversation) when the Redis counter is cold.
type DAOIface interface {
	SeqFloor(ctx context.Context, conversationID string) (int64, error)
}

// Allocator issues strictly increasing per-conversation sequence
// numbers. The hot path is one Redis script call; a cache loss falls
// back to the durable floor and resumes from there. When Redis is
// unreachable it fails closed: no message is accepted without a seq.
type Allocator struct {
	Rdb   redis.Scripter
	DAO   DAOIface
	KeyFn func(conversationID string) string
}

func defaultKey(conv string) string { return "im:seq:" + conv }

func (a *Allocator) ensure() {
	if a.KeyFn == nil {
		a.KeyFn = defaultKey
	}
}

// Next allocates the next sequence number for the conversation.
func (a *Allocator) Next(ctx context.Context, conversationID string) (int64, error) {
	a.ensure()
	if conversationID == "" {
		return 0, errs.ErrArgs.WrapMsg("empty conversationID")
	}
	key := a.KeyFn(conversationID)

	n, err := luaNextSeq.Run(ctx, a.Rdb, []string{key}, counterTTLMillis).Int64()
	if err != nil {
		return 0, errs.ErrSeqUnavailable.WrapMsg(err.Error())
	}
	if n > 0 {
		return n, nil
	}

	// Cold counter: reseed from the durable floor.
	floor, err := a.DAO.SeqFloor(ctx, conversationID)
	if err != nil {
		return 0, errs.ErrSeqUnavailable.WrapMsg("floor lookup failed", "err", err)
	}
	n, err = luaSeedSeq.Run(ctx, a.Rdb, []string{key}, floor, counterTTLMillis).Int64()
	if err != nil {
		return 0, errs.ErrSeqUnavailable.WrapMsg(err.Error())
	}
	return n, nil
}

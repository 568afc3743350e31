package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis2 "TeamChat/service/storage/redis"
	errs "TeamChat/tools/errs"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// SessionConfig controls TTLs and per-user limits for the registry.
type SessionConfig struct {
	NodeID      string        // this gateway's node id (used by node-scoped keys)
	TTL         time.Duration // session liveness window, renewed by heartbeat
	NodeTTL     time.Duration // gateway node info TTL
	MaxSessions int           // per-user concurrent device cap (<=0 no cap)
}

// DeviceSession is the registry record for one live connection. The
// JSON value is written once at bind time; liveness lives in the zset
// score so heartbeats never rewrite the value.
type DeviceSession struct {
	UserID     string `json:"user_id"`
	ConnID     string `json:"conn_id"`
	GatewayID  string `json:"gateway_id"`
	LoginTime  int64  `json:"login_time"` // unix ms
	DeviceInfo string `json:"device_info,omitempty"`
}

// SessionRef identifies one (user, conn) pair, the unit the sweeper
// works on.
type SessionRef struct {
	UserID string
	ConnID string
}

// ===== keys =====

func sessKey(userID string) string    { return "im:sess:" + userID }
func sessIdxKey(userID string) string { return "im:sessidx:" + userID }
func nodeIdxKey(nodeID string) string { return "im:nodesess:" + nodeID }
func nodeKey(nodeID string) string    { return "im:node:" + nodeID }

func nodeMember(userID, connID string) string { return userID + "|" + connID }

func splitNodeMember(m string) (userID, connID string, ok bool) {
	i := strings.LastIndexByte(m, '|')
	if i <= 0 || i == len(m)-1 {
		return "", "", false
	}
	return m[:i], m[i+1:], true
}

// ===== Lua =====

// Bind a session atomically: write the hash field, index it in the
// user zset and the node zset, refresh TTLs. At the per-user cap the
// oldest session (lowest expiry score) is evicted to make room.
// KEYS[1]=sess hash  KEYS[2]=user idx  KEYS[3]=node idx
// ARGV[1]=connID ARGV[2]=json ARGV[3]=expAt ARGV[4]=idxTTL ARGV[5]=nodeMember ARGV[6]=maxSessions
// Returns: evicted connID, or "" when nothing was evicted.
const luaBindSession = `
local h    = KEYS[1]
local zU   = KEYS[2]
local zN   = KEYS[3]
local cid  = ARGV[1]
local val  = ARGV[2]
local exp  = tonumber(ARGV[3])
local ttl  = tonumber(ARGV[4])
local mem  = ARGV[5]
local cap  = tonumber(ARGV[6])

local evicted = ""
if cap > 0 and redis.call("HEXISTS", h, cid) == 0 then
  if redis.call("HLEN", h) >= cap then
    local old = redis.call("ZRANGE", zU, 0, 0)
    if old[1] then
      evicted = old[1]
      redis.call("HDEL", h, evicted)
      redis.call("ZREM", zU, evicted)
    end
  end
end

redis.call("HSET", h, cid, val)
redis.call("ZADD", zU, exp, cid)
redis.call("ZADD", zN, exp, mem)
redis.call("EXPIRE", h, ttl)
redis.call("EXPIRE", zU, ttl)
return evicted
`

// Heartbeat: renew the expiry score only if the session still exists.
// KEYS[1]=sess hash KEYS[2]=user idx KEYS[3]=node idx
// ARGV[1]=connID ARGV[2]=expAt ARGV[3]=idxTTL ARGV[4]=nodeMember
// Returns: 1 renewed, 0 session gone.
const luaHeartbeat = `
local h   = KEYS[1]
local zU  = KEYS[2]
local zN  = KEYS[3]
local cid = ARGV[1]
local exp = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

if redis.call("HEXISTS", h, cid) == 0 then
  return 0
end
redis.call("ZADD", zU, exp, cid)
redis.call("ZADD", zN, exp, ARGV[4])
redis.call("EXPIRE", h, ttl)
redis.call("EXPIRE", zU, ttl)
return 1
`

// Offline one session (idempotent).
// KEYS[1]=sess hash KEYS[2]=user idx KEYS[3]=node idx
// ARGV[1]=connID ARGV[2]=nodeMember
// Returns: 1 removed, 0 was already gone.
const luaOfflineOne = `
local existed = redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[2])
return existed
`

// Sweep the node index: pop members whose score lapsed and return them.
// KEYS[1]=node idx  ARGV[1]=nowUnix
const luaSweepNode = `
local zN  = KEYS[1]
local now = tonumber(ARGV[1])
local victims = redis.call("ZRANGEBYSCORE", zN, "-inf", now)
for _, v in ipairs(victims) do
  redis.call("ZREM", zN, v)
end
return victims
`

// Active conn ids for a user, sweeping lapsed entries as a side effect.
// KEYS[1]=user idx KEYS[2]=sess hash  ARGV[1]=nowUnix
const luaActiveConns = `
local zU  = KEYS[1]
local h   = KEYS[2]
local now = tonumber(ARGV[1])
local lapsed = redis.call("ZRANGEBYSCORE", zU, "-inf", now)
for _, v in ipairs(lapsed) do
  redis.call("ZREM", zU, v)
  redis.call("HDEL", h, v)
end
return redis.call("ZRANGEBYSCORE", zU, now + 1, "+inf")
`

// SessionRegistry is the externalized source of truth for "who is
// connected where". Mutated only by the gateway node owning the
// connection; read-only everywhere else.
type SessionRegistry struct {
	conf SessionConfig

	bind      *redis.Script
	heartbeat *redis.Script
	offline   *redis.Script
	sweepNode *redis.Script
	active    *redis.Script
}

func NewSessionRegistry(conf SessionConfig) *SessionRegistry {
	if conf.TTL <= 0 {
		conf.TTL = 90 * time.Second
	}
	if conf.NodeTTL <= 0 {
		conf.NodeTTL = 30 * time.Second
	}
	return &SessionRegistry{
		conf:      conf,
		bind:      redis.NewScript(luaBindSession),
		heartbeat: redis.NewScript(luaHeartbeat),
		offline:   redis.NewScript(luaOfflineOne),
		sweepNode: redis.NewScript(luaSweepNode),
		active:    redis.NewScript(luaActiveConns),
	}
}

func (r *SessionRegistry) Conf() SessionConfig { return r.conf }

// Bind registers an authenticated connection. Caller owns connID
// uniqueness (snowflake per socket). At the per-user cap the oldest
// session is evicted; its connID comes back so the owning node can
// close the socket. The evicted session's node-index entry is left for
// that node's sweeper.
func (r *SessionRegistry) Bind(ctx context.Context, s DeviceSession) (evictedConnID string, err error) {
	if s.UserID == "" || s.ConnID == "" || s.GatewayID == "" {
		return "", errs.ErrArgs.WrapMsg("bind session", "user", s.UserID, "conn", s.ConnID)
	}
	val, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	expAt := time.Now().Add(r.conf.TTL).Unix()
	idxTTL := int64(r.conf.TTL/time.Second) * 2

	evicted, err := r.bind.Run(ctx, redis2.GetRedis(),
		[]string{sessKey(s.UserID), sessIdxKey(s.UserID), nodeIdxKey(s.GatewayID)},
		s.ConnID, val, expAt, idxTTL, nodeMember(s.UserID, s.ConnID), r.conf.MaxSessions,
	).Text()
	if err != nil {
		return "", errs.ErrRegistryDown.WrapMsg(err.Error())
	}
	return evicted, nil
}

// Heartbeat renews a session. Returns false when the session no longer
// exists (swept or kicked); the caller should close the socket.
func (r *SessionRegistry) Heartbeat(ctx context.Context, userID, connID string) (bool, error) {
	expAt := time.Now().Add(r.conf.TTL).Unix()
	idxTTL := int64(r.conf.TTL/time.Second) * 2
	rc, err := r.heartbeat.Run(ctx, redis2.GetRedis(),
		[]string{sessKey(userID), sessIdxKey(userID), nodeIdxKey(r.conf.NodeID)},
		connID, expAt, idxTTL, nodeMember(userID, connID),
	).Int64()
	if err != nil {
		return false, errs.ErrRegistryDown.WrapMsg(err.Error())
	}
	return rc == 1, nil
}

// Offline removes one session (idempotent).
func (r *SessionRegistry) Offline(ctx context.Context, userID, connID string) (bool, error) {
	rc, err := r.offline.Run(ctx, redis2.GetRedis(),
		[]string{sessKey(userID), sessIdxKey(userID), nodeIdxKey(r.conf.NodeID)},
		connID, nodeMember(userID, connID),
	).Int64()
	if err != nil {
		return false, err
	}
	return rc == 1, nil
}

// SweepNode pops lapsed sessions from this node's index. The caller
// finishes cleanup per victim via Offline, which tolerates the session
// having disconnected normally in between.
func (r *SessionRegistry) SweepNode(ctx context.Context) ([]SessionRef, error) {
	now := time.Now().Unix()
	members, err := r.sweepNode.Run(ctx, redis2.GetRedis(),
		[]string{nodeIdxKey(r.conf.NodeID)}, now).StringSlice()
	if err != nil {
		return nil, err
	}
	out := make([]SessionRef, 0, len(members))
	for _, m := range members {
		if u, c, ok := splitNodeMember(m); ok {
			out = append(out, SessionRef{UserID: u, ConnID: c})
		}
	}
	return out, nil
}

// ActiveSessions returns the still-live sessions of one user, sweeping
// lapsed entries along the way.
func (r *SessionRegistry) ActiveSessions(ctx context.Context, userID string) ([]DeviceSession, error) {
	now := time.Now().Unix()
	conns, err := r.active.Run(ctx, redis2.GetRedis(),
		[]string{sessIdxKey(userID), sessKey(userID)}, now).StringSlice()
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, nil
	}
	vals, err := redis2.GetRedis().HMGet(ctx, sessKey(userID), conns...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeviceSession, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var s DeviceSession
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// IsOnline reports whether the user has at least one live session.
func (r *SessionRegistry) IsOnline(ctx context.Context, userID string) (bool, error) {
	now := fmt.Sprintf("%d", time.Now().Unix()+1)
	n, err := redis2.GetRedis().ZCount(ctx, sessIdxKey(userID), now, "+inf").Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// BatchRoutes resolves each user's current gateway node set. Users
// absent from the result are offline. Read-only: used by the Router
// and the post-acceptance processor.
func (r *SessionRegistry) BatchRoutes(ctx context.Context, userIDs []string) (map[string][]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	out := make(map[string][]string, len(userIDs))
	for _, uid := range userIDs {
		sessions, err := r.ActiveSessions(ctx, uid)
		if err != nil {
			return nil, errors.Wrapf(err, "route lookup for %s", uid)
		}
		if len(sessions) == 0 {
			continue
		}
		seen := map[string]struct{}{}
		for _, s := range sessions {
			if _, dup := seen[s.GatewayID]; dup {
				continue
			}
			seen[s.GatewayID] = struct{}{}
			out[uid] = append(out[uid], s.GatewayID)
		}
	}
	return out, nil
}

// ===== gateway node info =====

// NodeInfo is the ephemeral per-node record; it expires once
// heartbeats stop.
type NodeInfo struct {
	NodeID    string
	Address   string
	StartTime int64
	ConnCount int64
}

func (r *SessionRegistry) UpsertNodeInfo(ctx context.Context, info NodeInfo) error {
	key := nodeKey(info.NodeID)
	pipe := redis2.GetRedis().TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"address":        info.Address,
		"start_time":     info.StartTime,
		"last_heartbeat": time.Now().UnixMilli(),
		"conn_count":     info.ConnCount,
	})
	pipe.Expire(ctx, key, r.conf.NodeTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *SessionRegistry) TouchNode(ctx context.Context, nodeID string, connCount int64) error {
	key := nodeKey(nodeID)
	pipe := redis2.GetRedis().TxPipeline()
	pipe.HSet(ctx, key, "last_heartbeat", time.Now().UnixMilli(), "conn_count", connCount)
	pipe.Expire(ctx, key, r.conf.NodeTTL)
	_, err := pipe.Exec(ctx)
	return err
}

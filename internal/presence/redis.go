package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openclaw/rtcore-go/internal/model"
	redisclient "github.com/openclaw/rtcore-go/internal/redis"
)

// publishScript writes this node's record for a user and keeps the shared
// online set in step with the per-node hash. Online members are scored by
// their newest refresh so entries left by a crashed node age out.
var publishScript = redis.NewScript(`
local key = KEYS[1]
local onlineKey = KEYS[2]
local lastSeenKey = KEYS[3]
local node = ARGV[1]
local record = ARGV[2]
local online = ARGV[3] == '1'
local userId = ARGV[4]
local lastSeen = ARGV[5]
local ttl = tonumber(ARGV[6])
local updatedAt = tonumber(ARGV[7])

if online then
    redis.call('HSET', key, node, record)
    redis.call('EXPIRE', key, ttl)
    local score = tonumber(redis.call('ZSCORE', onlineKey, userId))
    if not score or score < updatedAt then
        redis.call('ZADD', onlineKey, updatedAt, userId)
    end
else
    redis.call('HDEL', key, node)
    redis.call('SET', lastSeenKey, lastSeen)
    if redis.call('HLEN', key) == 0 then
        redis.call('ZREM', onlineKey, userId)
    end
end
return redis.call('HLEN', key)
`)

// RedisReplicator stores one hash per user with a field per node.
type RedisReplicator struct {
	client     *redisclient.Client
	nodeID     string
	staleAfter time.Duration
	now        func() time.Time
}

// NewRedisReplicator ignores node records older than staleAfter, which must
// exceed the store refresh interval.
func NewRedisReplicator(client *redisclient.Client, nodeID string, staleAfter time.Duration) *RedisReplicator {
	return &RedisReplicator{
		client:     client,
		nodeID:     nodeID,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (r *RedisReplicator) Publish(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}

	online := "0"
	if len(rec.Devices) > 0 {
		online = "1"
	}

	keys := []string{
		redisclient.PresenceKey(rec.UserID),
		redisclient.PresenceOnlineKey,
		redisclient.LastSeenKey(rec.UserID),
	}
	ttl := int64((r.staleAfter * 2).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	err = publishScript.Run(ctx, r.client, keys,
		r.nodeID, data, online, rec.UserID, rec.LastSeen.UnixMilli(), ttl, rec.UpdatedAt.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

func (r *RedisReplicator) Fetch(ctx context.Context, userID string) (model.Presence, bool, error) {
	fields, err := r.client.HGetAll(ctx, redisclient.PresenceKey(userID)).Result()
	if err != nil {
		return model.Presence{}, false, fmt.Errorf("fetch presence: %w", err)
	}

	p := model.Presence{UserID: userID, Status: model.StatusOffline}
	cutoff := r.now().Add(-r.staleAfter)
	devices := make(map[string]struct{})

	for _, raw := range fields {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.UpdatedAt.Before(cutoff) || len(rec.Devices) == 0 {
			continue
		}
		for _, d := range rec.Devices {
			devices[d] = struct{}{}
		}
		if statusRank(rec.Status) > statusRank(p.Status) {
			p.Status = rec.Status
		}
		if rec.LastSeen.After(p.LastSeen) {
			p.LastSeen = rec.LastSeen
		}
	}

	if len(devices) > 0 {
		p.Devices = sortedDevices(devices)
		return p, true, nil
	}

	ms, err := r.client.Get(ctx, redisclient.LastSeenKey(userID)).Int64()
	if err == redis.Nil {
		return p, len(fields) > 0, nil
	}
	if err != nil {
		return model.Presence{}, false, fmt.Errorf("fetch last seen: %w", err)
	}
	p.LastSeen = time.UnixMilli(ms)
	return p, true, nil
}

// OnlineUsers lists users refreshed within staleAfter and drops the rest
// from the shared set.
func (r *RedisReplicator) OnlineUsers(ctx context.Context) ([]string, error) {
	cutoff := strconv.FormatInt(r.now().Add(-r.staleAfter).UnixMilli(), 10)

	if err := r.client.ZRemRangeByScore(ctx, redisclient.PresenceOnlineKey, "-inf", "("+cutoff).Err(); err != nil {
		return nil, fmt.Errorf("prune online users: %w", err)
	}
	users, err := r.client.ZRangeByScore(ctx, redisclient.PresenceOnlineKey, &redis.ZRangeBy{
		Min: cutoff,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch online users: %w", err)
	}
	return users, nil
}

// statusRank orders statuses when a user is connected on several nodes.
func statusRank(s model.PresenceStatus) int {
	switch s {
	case model.StatusOnline:
		return 4
	case model.StatusBusy:
		return 3
	case model.StatusAway:
		return 2
	case model.StatusInvisible:
		return 1
	default:
		return 0
	}
}

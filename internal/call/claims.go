package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	redisclient "github.com/openclaw/rtcore-go/internal/redis"
)

// HuddleClaim names the node and huddle that own a conversation's huddle.
type HuddleClaim struct {
	NodeID   string
	HuddleID string
}

func (c HuddleClaim) String() string {
	return c.NodeID + "|" + c.HuddleID
}

func parseClaim(s string) (HuddleClaim, bool) {
	node, huddle, ok := strings.Cut(s, "|")
	if !ok || node == "" || huddle == "" {
		return HuddleClaim{}, false
	}
	return HuddleClaim{NodeID: node, HuddleID: huddle}, true
}

// Claims keeps at most one huddle per conversation across the cluster.
type Claims interface {
	// Claim stores c unless another claim exists, and returns the holder.
	Claim(ctx context.Context, conversationID string, c HuddleClaim) (holder HuddleClaim, won bool, err error)
	Get(ctx context.Context, conversationID string) (HuddleClaim, bool, error)
	// Replace swaps old for c only while old is still the holder.
	Replace(ctx context.Context, conversationID string, old, c HuddleClaim) (bool, error)
	// Release drops c only while it is still the holder.
	Release(ctx context.Context, conversationID string, c HuddleClaim) error
}

var replaceClaimScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
    return 1
end
return 0
`)

var releaseClaimScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisClaims stores claims as plain keys shared by every node.
type RedisClaims struct {
	client *redisclient.Client
	ttl    time.Duration
}

// NewRedisClaims expires claims after ttl so a claim left by a crashed node
// cannot outlive it forever.
func NewRedisClaims(client *redisclient.Client, ttl time.Duration) *RedisClaims {
	return &RedisClaims{client: client, ttl: ttl}
}

func (r *RedisClaims) Claim(ctx context.Context, conversationID string, c HuddleClaim) (HuddleClaim, bool, error) {
	key := redisclient.HuddleClaimKey(conversationID)
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.client.SetNX(ctx, key, c.String(), r.ttl).Result()
		if err != nil {
			return HuddleClaim{}, false, fmt.Errorf("claim huddle: %w", err)
		}
		if ok {
			return c, true, nil
		}
		holder, found, err := r.Get(ctx, conversationID)
		if err != nil {
			return HuddleClaim{}, false, err
		}
		if found {
			return holder, false, nil
		}
		// Released between SETNX and GET.
	}
	return HuddleClaim{}, false, errors.New("claim huddle: contended")
}

func (r *RedisClaims) Get(ctx context.Context, conversationID string) (HuddleClaim, bool, error) {
	raw, err := r.client.Get(ctx, redisclient.HuddleClaimKey(conversationID)).Result()
	if err == redis.Nil {
		return HuddleClaim{}, false, nil
	}
	if err != nil {
		return HuddleClaim{}, false, fmt.Errorf("get huddle claim: %w", err)
	}
	c, ok := parseClaim(raw)
	return c, ok, nil
}

func (r *RedisClaims) Replace(ctx context.Context, conversationID string, old, c HuddleClaim) (bool, error) {
	n, err := replaceClaimScript.Run(ctx, r.client, []string{redisclient.HuddleClaimKey(conversationID)},
		old.String(), c.String(), r.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("replace huddle claim: %w", err)
	}
	return n == 1, nil
}

func (r *RedisClaims) Release(ctx context.Context, conversationID string, c HuddleClaim) error {
	err := releaseClaimScript.Run(ctx, r.client, []string{redisclient.HuddleClaimKey(conversationID)}, c.String()).Err()
	if err != nil {
		return fmt.Errorf("release huddle claim: %w", err)
	}
	return nil
}

// LocalClaims keeps claims in process, for a single node or for nodes
// sharing one process.
type LocalClaims struct {
	mu     sync.Mutex
	claims map[string]HuddleClaim
}

func NewLocalClaims() *LocalClaims {
	return &LocalClaims{claims: make(map[string]HuddleClaim)}
}

func (l *LocalClaims) Claim(ctx context.Context, conversationID string, c HuddleClaim) (HuddleClaim, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, ok := l.claims[conversationID]; ok {
		return holder, false, nil
	}
	l.claims[conversationID] = c
	return c, true, nil
}

func (l *LocalClaims) Get(ctx context.Context, conversationID string) (HuddleClaim, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.claims[conversationID]
	return c, ok, nil
}

func (l *LocalClaims) Replace(ctx context.Context, conversationID string, old, c HuddleClaim) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claims[conversationID] != old {
		return false, nil
	}
	l.claims[conversationID] = c
	return true, nil
}

func (l *LocalClaims) Release(ctx context.Context, conversationID string, c HuddleClaim) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claims[conversationID] == c {
		delete(l.claims, conversationID)
	}
	return nil
}

package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// Key layout shared by every node.
const (
	// PresenceOnlineKey is a sorted set scored by each user's latest refresh
	// in unix milliseconds.
	PresenceOnlineKey = "presence:online:z"
	PushNotifyChannel = "push:notify"
)

// PresenceKey holds one hash field per node for the user.
func PresenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

func LastSeenKey(userID string) string {
	return fmt.Sprintf("presence:lastseen:%s", userID)
}

func ConnectLimitKey(key string) string {
	return fmt.Sprintf("ratelimit:connect:%s", key)
}

// HuddleClaimKey names the node and huddle holding a conversation's huddle.
func HuddleClaimKey(conversationID string) string {
	return fmt.Sprintf("huddle:conv:%s", conversationID)
}

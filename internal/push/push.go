package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/openclaw/rtcore-go/internal/redis"
)

type Kind string

const (
	KindMessage    Kind = "message"
	KindCall       Kind = "call"
	KindMissedCall Kind = "missed_call"
	KindOffline    Kind = "offline"
)

// Payload describes what the offline user missed.
type Payload struct {
	Kind           Kind            `json:"kind"`
	ConversationID string          `json:"conversationId,omitempty"`
	SenderID       string          `json:"senderId,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	CallID         string          `json:"callId,omitempty"`
	Preview        json.RawMessage `json:"preview,omitempty"`
	Pending        int             `json:"pending,omitempty"`
}

type Notifier interface {
	NotifyOffline(ctx context.Context, userID string, payload Payload) error
}

type notification struct {
	UserID    string  `json:"userId"`
	Payload   Payload `json:"payload"`
	Timestamp int64   `json:"timestamp"`
}

// RedisNotifier hands notifications to an external push worker over pub/sub.
type RedisNotifier struct {
	client *redisclient.Client
}

func NewRedisNotifier(client *redisclient.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) NotifyOffline(ctx context.Context, userID string, payload Payload) error {
	data, err := json.Marshal(notification{
		UserID:    userID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.client.Publish(ctx, redisclient.PushNotifyChannel, data).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// LogNotifier only logs. Used when no push worker is configured.
type LogNotifier struct{}

func (LogNotifier) NotifyOffline(ctx context.Context, userID string, payload Payload) error {
	log.Info().
		Str("userId", userID).
		Str("kind", string(payload.Kind)).
		Str("conversationId", payload.ConversationID).
		Msg("push notification (not delivered, no push worker configured)")
	return nil
}

// Dispatcher calls a Notifier off the caller's goroutine. Failures are logged
// and never reach the caller.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewDispatcher(notifier Notifier, timeout time.Duration) *Dispatcher {
	return &Dispatcher{notifier: notifier, timeout: timeout}
}

func (d *Dispatcher) Notify(userID string, payload Payload) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("userId", userID).Msg("push notifier panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.notifier.NotifyOffline(ctx, userID, payload); err != nil {
			log.Warn().Err(err).Str("userId", userID).Str("kind", string(payload.Kind)).Msg("push notification failed")
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

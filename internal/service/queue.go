package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/repository"
)

// QueueService is the store-and-forward queue for recipients that cannot be
// reached right now.
type QueueService struct {
	repo       repository.PendingMessageRepository
	ttl        time.Duration
	fetchLimit int
	now        func() time.Time
}

func NewQueueService(repo repository.PendingMessageRepository, ttl time.Duration, fetchLimit int) *QueueService {
	return &QueueService{
		repo:       repo,
		ttl:        ttl,
		fetchLimit: fetchLimit,
		now:        time.Now,
	}
}

// Enqueue stores msg for recipientID. Retrying with the same message id is a
// no-op that returns the existing entry.
func (s *QueueService) Enqueue(ctx context.Context, msg model.Message, recipientID string) (*model.PendingMessage, error) {
	if msg.ID == "" {
		return nil, apperrors.MissingRequired("message id")
	}
	if recipientID == "" {
		return nil, apperrors.MissingRequired("recipient id")
	}

	pending, created, err := s.repo.Create(ctx, model.CreatePendingMessageParams{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		RecipientID:    recipientID,
		Type:           msg.Type,
		Event:          msg.Event,
		Content:        msg.Content,
		Metadata:       msg.Metadata,
		Priority:       msg.Type.Priority(),
		ExpiresAt:      s.now().Add(s.ttl),
	})
	if err != nil {
		log.Error().Err(err).
			Str("messageId", msg.ID).
			Str("recipientId", recipientID).
			Msg("failed to enqueue pending message")
		return nil, apperrors.Persistence(err)
	}

	if created {
		log.Debug().
			Str("messageId", msg.ID).
			Str("recipientId", recipientID).
			Int("priority", pending.Priority).
			Msg("message queued")
	}
	return pending, nil
}

// Fetch returns queued messages for userID without removing them.
func (s *QueueService) Fetch(ctx context.Context, userID string) ([]model.PendingMessage, error) {
	msgs, err := s.repo.FindByRecipient(ctx, userID, s.fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending messages: %w", err)
	}
	return msgs, nil
}

func (s *QueueService) Count(ctx context.Context, userID string) (int, error) {
	return s.repo.CountByRecipient(ctx, userID)
}

// Acknowledge removes the durable entry. Unknown ids are not an error since
// most acknowledged messages were delivered live and never queued.
func (s *QueueService) Acknowledge(ctx context.Context, messageID, userID string) error {
	deleted, err := s.repo.Delete(ctx, messageID, userID)
	if err != nil {
		return fmt.Errorf("acknowledge pending message: %w", err)
	}
	if deleted {
		log.Debug().Str("messageId", messageID).Str("recipientId", userID).Msg("pending message acknowledged")
	}
	return nil
}

func (s *QueueService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx)
}

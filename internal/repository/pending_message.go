package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openclaw/rtcore-go/internal/database"
	"github.com/openclaw/rtcore-go/internal/model"
)

type PendingMessageRepository interface {
	// Create inserts the entry, or returns the existing row for the same
	// (message id, recipient id) with created=false.
	Create(ctx context.Context, params model.CreatePendingMessageParams) (msg *model.PendingMessage, created bool, err error)
	FindByRecipient(ctx context.Context, recipientID string, limit int) ([]model.PendingMessage, error)
	CountByRecipient(ctx context.Context, recipientID string) (int, error)
	Delete(ctx context.Context, messageID, recipientID string) (bool, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type pendingMessageRepo struct {
	db *database.DB
}

func NewPendingMessageRepository(db *database.DB) PendingMessageRepository {
	return &pendingMessageRepo{db: db}
}

func (r *pendingMessageRepo) Create(ctx context.Context, params model.CreatePendingMessageParams) (*model.PendingMessage, bool, error) {
	var msg model.PendingMessage
	created := true

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &msg, `
			INSERT INTO pending_messages
				(id, message_id, conversation_id, sender_id, recipient_id,
				 type, event, content, metadata, priority, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (message_id, recipient_id) DO NOTHING
			RETURNING *
		`, uuid.NewString(), params.MessageID, params.ConversationID, params.SenderID,
			params.RecipientID, params.Type, params.Event, nullJSON(params.Content),
			nullJSON(params.Metadata), params.Priority, params.ExpiresAt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		created = false
		return tx.GetContext(ctx, &msg, `
			SELECT * FROM pending_messages
			WHERE message_id = $1 AND recipient_id = $2
		`, params.MessageID, params.RecipientID)
	})
	if err != nil {
		return nil, false, fmt.Errorf("insert pending message: %w", err)
	}
	return &msg, created, nil
}

func (r *pendingMessageRepo) FindByRecipient(ctx context.Context, recipientID string, limit int) ([]model.PendingMessage, error) {
	var msgs []model.PendingMessage
	err := r.db.SelectContext(ctx, &msgs, `
		SELECT * FROM pending_messages
		WHERE recipient_id = $1 AND expires_at > $2
		ORDER BY priority DESC, inserted_at ASC, seq ASC
		LIMIT $3
	`, recipientID, time.Now(), limit)
	return msgs, err
}

func (r *pendingMessageRepo) CountByRecipient(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM pending_messages WHERE recipient_id = $1 AND expires_at > $2
	`, recipientID, time.Now())
	return count, err
}

func (r *pendingMessageRepo) Delete(ctx context.Context, messageID, recipientID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pending_messages WHERE message_id = $1 AND recipient_id = $2
	`, messageID, recipientID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (r *pendingMessageRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pending_messages WHERE expires_at <= $1
	`, time.Now())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

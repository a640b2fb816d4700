package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/rtcore-go/internal/model"
)

type pendingKey struct {
	messageID   string
	recipientID string
}

type memoryPendingRepo struct {
	mu    sync.Mutex
	seq   int64
	rows  map[pendingKey]*model.PendingMessage
	clock func() time.Time
}

// NewMemoryPendingMessageRepository keeps pending messages in process memory.
// Used for single-node development and tests.
func NewMemoryPendingMessageRepository() PendingMessageRepository {
	return NewMemoryPendingMessageRepositoryWithClock(time.Now)
}

func NewMemoryPendingMessageRepositoryWithClock(clock func() time.Time) PendingMessageRepository {
	return &memoryPendingRepo{
		rows:  make(map[pendingKey]*model.PendingMessage),
		clock: clock,
	}
}

func (r *memoryPendingRepo) Create(ctx context.Context, params model.CreatePendingMessageParams) (*model.PendingMessage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pendingKey{params.MessageID, params.RecipientID}
	if existing, ok := r.rows[key]; ok {
		cp := *existing
		return &cp, false, nil
	}

	r.seq++
	msg := &model.PendingMessage{
		ID:             uuid.NewString(),
		MessageID:      params.MessageID,
		ConversationID: params.ConversationID,
		SenderID:       params.SenderID,
		RecipientID:    params.RecipientID,
		Type:           params.Type,
		Event:          params.Event,
		Content:        params.Content,
		Metadata:       params.Metadata,
		Priority:       params.Priority,
		Seq:            r.seq,
		InsertedAt:     r.clock(),
		ExpiresAt:      params.ExpiresAt,
	}
	r.rows[key] = msg

	cp := *msg
	return &cp, true, nil
}

func (r *memoryPendingRepo) FindByRecipient(ctx context.Context, recipientID string, limit int) ([]model.PendingMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	var msgs []model.PendingMessage
	for _, row := range r.rows {
		if row.RecipientID == recipientID && row.ExpiresAt.After(now) {
			msgs = append(msgs, *row)
		}
	}

	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Priority != msgs[j].Priority {
			return msgs[i].Priority > msgs[j].Priority
		}
		if !msgs[i].InsertedAt.Equal(msgs[j].InsertedAt) {
			return msgs[i].InsertedAt.Before(msgs[j].InsertedAt)
		}
		return msgs[i].Seq < msgs[j].Seq
	})

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (r *memoryPendingRepo) CountByRecipient(ctx context.Context, recipientID string) (int, error) {
	msgs, err := r.FindByRecipient(ctx, recipientID, 0)
	return len(msgs), err
}

func (r *memoryPendingRepo) Delete(ctx context.Context, messageID, recipientID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pendingKey{messageID, recipientID}
	if _, ok := r.rows[key]; !ok {
		return false, nil
	}
	delete(r.rows, key)
	return true, nil
}

func (r *memoryPendingRepo) DeleteExpired(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	var n int64
	for key, row := range r.rows {
		if !row.ExpiresAt.After(now) {
			delete(r.rows, key)
			n++
		}
	}
	return n, nil
}

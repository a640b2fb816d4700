package router

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/protocol"
	"github.com/openclaw/rtcore-go/internal/push"
	"github.com/openclaw/rtcore-go/internal/registry"
)

const stripeCount = 64

// Queue stores messages for recipients that cannot be reached.
type Queue interface {
	Enqueue(ctx context.Context, msg model.Message, recipientID string) (*model.PendingMessage, error)
}

// Forwarder delivers to a user hosted on another node. It returns an
// UNREACHABLE error when no live node hosts the user.
type Forwarder interface {
	Forward(ctx context.Context, userID string, d model.Delivery) error
}

// Participants resolves group recipients and persists durable messages.
type Participants interface {
	ConversationParticipants(ctx context.Context, conversationID string) ([]string, error)
	PersistMessage(ctx context.Context, msg model.Message) (string, error)
}

// Notifier is the fire-and-forget push trigger.
type Notifier interface {
	Notify(userID string, payload push.Payload)
}

type stripe struct {
	mu  sync.Mutex
	seq map[string]uint64
}

// Router decides per recipient whether to deliver locally, forward to a peer
// node, or store for later.
type Router struct {
	registry  *registry.Registry
	queue     Queue
	backend   Participants
	notifier  Notifier
	forwarder Forwarder
	now       func() time.Time

	stripes [stripeCount]*stripe
}

func New(reg *registry.Registry, queue Queue, backend Participants, notifier Notifier) *Router {
	r := &Router{
		registry: reg,
		queue:    queue,
		backend:  backend,
		notifier: notifier,
		now:      time.Now,
	}
	for i := range r.stripes {
		r.stripes[i] = &stripe{seq: make(map[string]uint64)}
	}
	return r
}

// SetForwarder enables cross-node delivery. Without one, every recipient
// that is not local is queued.
func (r *Router) SetForwarder(f Forwarder) {
	r.forwarder = f
}

func (r *Router) stripeFor(conversationID string) *stripe {
	return r.stripes[xxhash.Sum64String(conversationID)%stripeCount]
}

func (r *Router) normalize(msg *model.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	if msg.Type == "" {
		msg.Type = model.MessageText
	}
	if msg.Event == "" {
		msg.Event = protocol.EventMessageNew
	}
}

func (r *Router) recipients(ctx context.Context, msg *model.Message) ([]string, error) {
	if msg.RecipientID != "" {
		if msg.RecipientID == msg.SenderID {
			return nil, nil
		}
		return []string{msg.RecipientID}, nil
	}

	participants, err := r.backend.ConversationParticipants(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(participants))
	ids := make([]string, 0, len(participants))
	for _, id := range participants {
		if id == "" || id == msg.SenderID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// Route fans msg out to its recipients. The result status is the worst
// per-recipient outcome. An error is returned only when the message could
// not be persisted or its recipients could not be resolved.
func (r *Router) Route(ctx context.Context, msg model.Message) (*model.RouteResult, error) {
	if msg.ConversationID == "" {
		return nil, apperrors.MissingRequired("conversationId")
	}
	r.normalize(&msg)

	recipients, err := r.recipients(ctx, &msg)
	if err != nil {
		return nil, err
	}

	if msg.Type.Durable() {
		id, err := r.backend.PersistMessage(ctx, msg)
		if err != nil {
			log.Error().Err(err).Str("messageId", msg.ID).Str("conversationId", msg.ConversationID).Msg("failed to persist message")
			return nil, err
		}
		if id != "" {
			msg.ID = id
		}
	}

	result := &model.RouteResult{
		MessageID:  msg.ID,
		Status:     model.DeliveryDelivered,
		Recipients: make(map[string]model.DeliveryStatus, len(recipients)),
	}

	// Sequence assignment and local hand-off share the stripe lock so local
	// recipients observe the order the router accepted messages in.
	s := r.stripeFor(msg.ConversationID)
	s.mu.Lock()
	s.seq[msg.ConversationID]++
	msg.Seq = s.seq[msg.ConversationID]
	delivery := msg.ToDelivery()

	var remaining []string
	for _, userID := range recipients {
		if r.deliverLocal(userID, delivery) {
			result.Recipients[userID] = model.DeliveryDelivered
		} else {
			remaining = append(remaining, userID)
		}
	}
	s.mu.Unlock()

	result.Seq = msg.Seq

	var persistErr error
	for _, userID := range remaining {
		status, err := r.deliverRemote(ctx, msg, delivery, userID)
		if err != nil && persistErr == nil {
			persistErr = err
		}
		result.Recipients[userID] = status
	}

	for _, status := range result.Recipients {
		result.Status = result.Status.Worse(status)
	}

	log.Debug().
		Str("messageId", msg.ID).
		Str("conversationId", msg.ConversationID).
		Str("type", string(msg.Type)).
		Int("recipients", len(recipients)).
		Str("status", string(result.Status)).
		Msg("message routed")

	return result, persistErr
}

func (r *Router) deliverLocal(userID string, d model.Delivery) bool {
	delivered := false
	for _, h := range r.registry.Lookup(userID) {
		if h.Deliver(d) {
			delivered = true
		}
	}
	return delivered
}

func (r *Router) deliverRemote(ctx context.Context, msg model.Message, d model.Delivery, userID string) (model.DeliveryStatus, error) {
	if r.forwarder != nil {
		err := r.forwarder.Forward(ctx, userID, d)
		if err == nil {
			return model.DeliveryDelivered, nil
		}
		if !apperrors.HasCode(err, apperrors.ErrCodeUnreachable) {
			log.Warn().Err(err).Str("userId", userID).Str("messageId", msg.ID).Msg("forward failed, falling back to queue")
		}
	}

	if msg.Type.Ephemeral() {
		return model.DeliveryDropped, nil
	}

	if _, err := r.queue.Enqueue(ctx, msg, userID); err != nil {
		return model.DeliveryError, err
	}

	// A session that registered after the first lookup may already have
	// fetched its queue, so look again now that the row is stored. Misses
	// here mean the session registers later and its fetch sees the row.
	if r.Dispatch(ctx, userID, d) {
		return model.DeliveryDelivered, nil
	}

	r.notifier.Notify(userID, push.Payload{
		Kind:           push.KindMessage,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		MessageID:      msg.ID,
		Preview:        msg.Content,
	})
	return model.DeliveryQueued, nil
}

// Dispatch delivers d to every session of userID without queueing. It
// reports whether any session received it.
func (r *Router) Dispatch(ctx context.Context, userID string, d model.Delivery) bool {
	if r.deliverLocal(userID, d) {
		return true
	}
	if r.forwarder == nil {
		return false
	}
	if err := r.forwarder.Forward(ctx, userID, d); err != nil {
		return false
	}
	return true
}

// DeliverLocal hands d to sessions on this node only. Peer nodes call it for
// forwarded deliveries.
func (r *Router) DeliverLocal(userID string, d model.Delivery) bool {
	return r.deliverLocal(userID, d)
}

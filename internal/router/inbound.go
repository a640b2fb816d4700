package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/protocol"
)

type messageRef struct {
	MessageID string          `json:"messageId"`
	Content   json.RawMessage `json:"content,omitempty"`
	Emoji     string          `json:"emoji,omitempty"`
}

// HandleEvent routes one inbound messaging event on behalf of senderID.
// Events for which protocol.IsMessaging is false are rejected.
func (r *Router) HandleEvent(ctx context.Context, senderID string, ev protocol.Event) (*model.RouteResult, error) {
	if !protocol.IsMessaging(ev) {
		return nil, apperrors.MalformedPayload("unsupported event " + ev.Name())
	}
	msg, err := toMessage(senderID, ev)
	if err != nil {
		return nil, err
	}
	return r.Route(ctx, msg)
}

func toMessage(senderID string, ev protocol.Event) (model.Message, error) {
	switch e := ev.(type) {
	case protocol.SendMessage:
		return model.Message{
			ID:             e.ID,
			ConversationID: e.ConversationID,
			SenderID:       senderID,
			RecipientID:    e.RecipientID,
			Type:           e.Type,
			Event:          protocol.EventMessageNew,
			Content:        e.Content,
			Metadata:       e.Metadata,
		}, nil

	case protocol.EditMessage:
		return referencing(senderID, e.ConversationID, e.RecipientID, model.MessageEdit,
			protocol.EventMessageEdited, messageRef{MessageID: e.MessageID, Content: e.Content})

	case protocol.DeleteMessage:
		return referencing(senderID, e.ConversationID, e.RecipientID, model.MessageDelete,
			protocol.EventMessageDeleted, messageRef{MessageID: e.MessageID})

	case protocol.Reaction:
		event := protocol.EventReactionAdded
		if e.Remove {
			event = protocol.EventReactionRemoved
		}
		return referencing(senderID, e.ConversationID, e.RecipientID, model.MessageReaction,
			event, messageRef{MessageID: e.MessageID, Emoji: e.Emoji})

	case protocol.ReadReceipt:
		return referencing(senderID, e.ConversationID, e.RecipientID, model.MessageRead,
			protocol.EventMessageRead, messageRef{MessageID: e.MessageID})

	case protocol.Typing:
		return model.Message{
			ID:             uuid.NewString(),
			ConversationID: e.ConversationID,
			SenderID:       senderID,
			RecipientID:    e.RecipientID,
			Type:           model.MessageTyping,
			Event:          e.Name(),
		}, nil
	}
	return model.Message{}, fmt.Errorf("router: unsupported event %s", ev.Name())
}

func referencing(senderID, conversationID, recipientID string, typ model.MessageType, event string, ref messageRef) (model.Message, error) {
	content, err := json.Marshal(ref)
	if err != nil {
		return model.Message{}, fmt.Errorf("marshal message reference: %w", err)
	}
	return model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Type:           typ,
		Event:          event,
		Content:        content,
	}, nil
}

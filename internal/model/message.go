package model

import (
	"encoding/json"
	"time"
)

// Message is a routed chat event. Event is the outbound wire event name.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	RecipientID    string          `json:"recipientId,omitempty"`
	Type           MessageType     `json:"type"`
	Event          string          `json:"-"`
	Content        json.RawMessage `json:"content,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Seq            uint64          `json:"seq,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Delivery is one outbound frame handed to a session actor.
type Delivery struct {
	Event       string          `json:"event"`
	Ref         string          `json:"ref,omitempty"`
	ID          string          `json:"id,omitempty"`
	RequiresAck bool            `json:"requiresAck,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// ToDelivery renders the message as the frame its recipients receive.
func (m *Message) ToDelivery() Delivery {
	data, _ := json.Marshal(m)
	return Delivery{
		Event:       m.Event,
		ID:          m.ID,
		RequiresAck: !m.Type.Ephemeral(),
		Data:        data,
	}
}

type PendingMessage struct {
	ID             string          `db:"id" json:"id"`
	MessageID      string          `db:"message_id" json:"messageId"`
	ConversationID string          `db:"conversation_id" json:"conversationId"`
	SenderID       string          `db:"sender_id" json:"senderId"`
	RecipientID    string          `db:"recipient_id" json:"recipientId"`
	Type           MessageType     `db:"type" json:"type"`
	Event          string          `db:"event" json:"event"`
	Content        json.RawMessage `db:"content" json:"content,omitempty"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	Priority       int             `db:"priority" json:"priority"`
	Seq            int64           `db:"seq" json:"-"`
	InsertedAt     time.Time       `db:"inserted_at" json:"insertedAt"`
	ExpiresAt      time.Time       `db:"expires_at" json:"expiresAt"`
}

// ToMessage rebuilds the routed message for redelivery.
func (p *PendingMessage) ToMessage() Message {
	return Message{
		ID:             p.MessageID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		RecipientID:    p.RecipientID,
		Type:           p.Type,
		Event:          p.Event,
		Content:        p.Content,
		Metadata:       p.Metadata,
		CreatedAt:      p.InsertedAt,
	}
}

type CreatePendingMessageParams struct {
	MessageID      string
	ConversationID string
	SenderID       string
	RecipientID    string
	Type           MessageType
	Event          string
	Content        json.RawMessage
	Metadata       json.RawMessage
	Priority       int
	ExpiresAt      time.Time
}

// RouteResult summarizes one fan-out. Status is the worst per-recipient outcome.
type RouteResult struct {
	MessageID  string                    `json:"messageId"`
	Status     DeliveryStatus            `json:"status"`
	Seq        uint64                    `json:"seq,omitempty"`
	Recipients map[string]DeliveryStatus `json:"recipients"`
}

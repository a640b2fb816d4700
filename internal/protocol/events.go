package protocol

import (
	"encoding/json"

	"github.com/openclaw/rtcore-go/internal/model"
)

// Inbound event names.
const (
	EventMessageSend    = "message:send"
	EventMessageEdit    = "message:edit"
	EventMessageDelete  = "message:delete"
	EventReactionAdd    = "message:reaction:add"
	EventReactionRemove = "message:reaction:remove"
	EventMessageRead    = "message:read"
	EventMessageAck     = "message:ack"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventPresenceSet    = "presence:set"
	EventPing           = "ping"

	EventCallInitiate       = "call:initiate"
	EventCallAnswer         = "call:answer"
	EventCallReject         = "call:reject"
	EventCallEnd            = "call:end"
	EventCallHold           = "call:hold"
	EventCallUnhold         = "call:unhold"
	EventCallRecordingStart = "call:recording:start"
	EventCallRecordingStop  = "call:recording:stop"
	EventCallToggleAudio    = "call:toggle-audio"
	EventCallToggleVideo    = "call:toggle-video"

	EventWebRTCOffer     = "webrtc:offer"
	EventWebRTCAnswer    = "webrtc:answer"
	EventWebRTCCandidate = "webrtc:ice-candidate"

	EventHuddleCreate       = "huddle:create"
	EventHuddleJoin         = "huddle:join"
	EventHuddleLeave        = "huddle:leave"
	EventHuddleToggleAudio  = "huddle:toggle-audio"
	EventHuddleToggleVideo  = "huddle:toggle-video"
	EventHuddleToggleScreen = "huddle:toggle-screen"
)

// Outbound event names.
const (
	EventMessageNew      = "message:new"
	EventMessageEdited   = "message:edited"
	EventMessageDeleted  = "message:deleted"
	EventReactionAdded   = "message:reaction:added"
	EventReactionRemoved = "message:reaction:removed"
	EventPresenceChanged = "presence:changed"
	EventReply           = "reply"
	EventError           = "error"
	EventPong            = "pong"

	EventCallIncoming        = "call:incoming"
	EventCallAnswered        = "call:answered"
	EventCallRejected        = "call:rejected"
	EventCallEnded           = "call:ended"
	EventCallMissed          = "call:missed"
	EventCallHeld            = "call:held"
	EventCallResumed         = "call:resumed"
	EventCallParticipantLeft = "call:participant-left"
	EventCallMedia           = "call:media"
	EventCallRecording       = "call:recording"

	EventHuddleStarted = "huddle:started"
	EventHuddleJoined  = "huddle:joined"
	EventHuddleLeft    = "huddle:left"
	EventHuddleUpdated = "huddle:updated"
	EventHuddleEnded   = "huddle:ended"
)

// Event is one decoded inbound event. The set of implementations is closed.
type Event interface {
	Name() string
	validate() error
}

// IsMessaging reports whether ev is a conversation message event rather
// than a session, call or huddle event.
func IsMessaging(ev Event) bool {
	switch ev.(type) {
	case SendMessage, EditMessage, DeleteMessage, Reaction, ReadReceipt, Typing:
		return true
	}
	return false
}

type SendMessage struct {
	ID             string            `json:"id,omitempty"`
	ConversationID string            `json:"conversationId"`
	RecipientID    string            `json:"recipientId,omitempty"`
	Type           model.MessageType `json:"type,omitempty"`
	Content        json.RawMessage   `json:"content"`
	Metadata       json.RawMessage   `json:"metadata,omitempty"`
}

func (SendMessage) Name() string { return EventMessageSend }

type EditMessage struct {
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	RecipientID    string          `json:"recipientId,omitempty"`
	Content        json.RawMessage `json:"content"`
}

func (EditMessage) Name() string { return EventMessageEdit }

type DeleteMessage struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId,omitempty"`
}

func (DeleteMessage) Name() string { return EventMessageDelete }

type Reaction struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId,omitempty"`
	Emoji          string `json:"emoji"`
	Remove         bool   `json:"-"`
}

func (r Reaction) Name() string {
	if r.Remove {
		return EventReactionRemove
	}
	return EventReactionAdd
}

type ReadReceipt struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId,omitempty"`
}

func (ReadReceipt) Name() string { return EventMessageRead }

type Typing struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId,omitempty"`
	Stopped        bool   `json:"-"`
}

func (t Typing) Name() string {
	if t.Stopped {
		return EventTypingStop
	}
	return EventTypingStart
}

type Ack struct {
	MessageID string `json:"messageId"`
}

func (Ack) Name() string { return EventMessageAck }

type PresenceSet struct {
	Status model.PresenceStatus `json:"status"`
}

func (PresenceSet) Name() string { return EventPresenceSet }

type Ping struct{}

func (Ping) Name() string { return EventPing }

type CallInitiate struct {
	CallID         string         `json:"callId,omitempty"`
	ConversationID string         `json:"conversationId"`
	Participants   []string       `json:"participants"`
	CallType       model.CallType `json:"callType"`
}

func (CallInitiate) Name() string { return EventCallInitiate }

// CallAction covers call operations that only name the call.
type CallAction struct {
	Event  string `json:"-"`
	CallID string `json:"callId"`
}

func (a CallAction) Name() string { return a.Event }

type CallToggle struct {
	Event   string          `json:"-"`
	CallID  string          `json:"callId"`
	Kind    model.MediaKind `json:"-"`
	Enabled bool            `json:"enabled"`
}

func (t CallToggle) Name() string { return t.Event }

// Signal is an opaque WebRTC payload relayed to one participant.
type Signal struct {
	Event        string          `json:"-"`
	CallID       string          `json:"callId"`
	TargetUserID string          `json:"targetUserId"`
	Payload      json.RawMessage `json:"payload"`
}

func (s Signal) Name() string { return s.Event }

type HuddleCreate struct {
	ConversationID string `json:"conversationId"`
}

func (HuddleCreate) Name() string { return EventHuddleCreate }

type HuddleJoin struct {
	HuddleID       string `json:"huddleId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

func (HuddleJoin) Name() string { return EventHuddleJoin }

type HuddleLeave struct {
	HuddleID string `json:"huddleId"`
}

func (HuddleLeave) Name() string { return EventHuddleLeave }

type HuddleToggle struct {
	Event    string          `json:"-"`
	HuddleID string          `json:"huddleId"`
	Kind     model.MediaKind `json:"-"`
	Enabled  bool            `json:"enabled"`
}

func (t HuddleToggle) Name() string { return t.Event }

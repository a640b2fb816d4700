package protocol

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
)

// Envelope is the JSON frame exchanged over the socket.
type Envelope struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode parses one inbound frame. The returned ref is set whenever the
// envelope itself parsed, so errors can still be correlated.
func Decode(frame []byte) (Event, string, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, "", apperrors.MalformedPayload("invalid JSON envelope")
	}
	if env.Event == "" {
		return nil, env.Ref, apperrors.MissingRequired("event")
	}

	ev, err := newEvent(env.Event)
	if err != nil {
		return nil, env.Ref, err
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, env.Ref, apperrors.MalformedPayload(fmt.Sprintf("invalid data for %s", env.Event))
		}
	}

	event := deref(ev)
	if err := event.validate(); err != nil {
		return nil, env.Ref, err
	}
	return event, env.Ref, nil
}

// EncodeEvent renders ev as an inbound frame that Decode accepts, so an
// event can be handed to another node.
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Name(), err)
	}
	return json.Marshal(Envelope{Event: ev.Name(), Data: data})
}

func newEvent(name string) (any, error) {
	switch name {
	case EventMessageSend:
		return &SendMessage{}, nil
	case EventMessageEdit:
		return &EditMessage{}, nil
	case EventMessageDelete:
		return &DeleteMessage{}, nil
	case EventReactionAdd:
		return &Reaction{}, nil
	case EventReactionRemove:
		return &Reaction{Remove: true}, nil
	case EventMessageRead:
		return &ReadReceipt{}, nil
	case EventMessageAck:
		return &Ack{}, nil
	case EventTypingStart:
		return &Typing{}, nil
	case EventTypingStop:
		return &Typing{Stopped: true}, nil
	case EventPresenceSet:
		return &PresenceSet{}, nil
	case EventPing:
		return &Ping{}, nil
	case EventCallInitiate:
		return &CallInitiate{}, nil
	case EventCallAnswer, EventCallReject, EventCallEnd, EventCallHold, EventCallUnhold,
		EventCallRecordingStart, EventCallRecordingStop:
		return &CallAction{Event: name}, nil
	case EventCallToggleAudio:
		return &CallToggle{Event: name, Kind: model.MediaAudio}, nil
	case EventCallToggleVideo:
		return &CallToggle{Event: name, Kind: model.MediaVideo}, nil
	case EventWebRTCOffer, EventWebRTCAnswer, EventWebRTCCandidate:
		return &Signal{Event: name}, nil
	case EventHuddleCreate:
		return &HuddleCreate{}, nil
	case EventHuddleJoin:
		return &HuddleJoin{}, nil
	case EventHuddleLeave:
		return &HuddleLeave{}, nil
	case EventHuddleToggleAudio:
		return &HuddleToggle{Event: name, Kind: model.MediaAudio}, nil
	case EventHuddleToggleVideo:
		return &HuddleToggle{Event: name, Kind: model.MediaVideo}, nil
	case EventHuddleToggleScreen:
		return &HuddleToggle{Event: name, Kind: model.MediaScreen}, nil
	}
	return nil, apperrors.MalformedPayload(fmt.Sprintf("unknown event %q", name))
}

func deref(v any) Event {
	switch e := v.(type) {
	case *SendMessage:
		return *e
	case *EditMessage:
		return *e
	case *DeleteMessage:
		return *e
	case *Reaction:
		return *e
	case *ReadReceipt:
		return *e
	case *Ack:
		return *e
	case *Typing:
		return *e
	case *PresenceSet:
		return *e
	case *Ping:
		return *e
	case *CallInitiate:
		return *e
	case *CallAction:
		return *e
	case *CallToggle:
		return *e
	case *Signal:
		return *e
	case *HuddleCreate:
		return *e
	case *HuddleJoin:
		return *e
	case *HuddleLeave:
		return *e
	case *HuddleToggle:
		return *e
	}
	panic(fmt.Sprintf("protocol: unhandled event type %T", v))
}

func (m SendMessage) validate() error {
	if m.ConversationID == "" {
		return apperrors.MissingRequired("conversationId")
	}
	if len(m.Content) == 0 {
		return apperrors.MissingRequired("content")
	}
	switch m.Type {
	case "", model.MessageText, model.MessageMedia, model.MessageSystem:
		return nil
	}
	return apperrors.ValidationError(fmt.Sprintf("message type %q cannot be sent", m.Type))
}

func (m EditMessage) validate() error {
	if m.MessageID == "" {
		return apperrors.MissingRequired("messageId")
	}
	if m.ConversationID == "" {
		return apperrors.MissingRequired("conversationId")
	}
	if len(m.Content) == 0 {
		return apperrors.MissingRequired("content")
	}
	return nil
}

func (m DeleteMessage) validate() error {
	if m.MessageID == "" {
		return apperrors.MissingRequired("messageId")
	}
	if m.ConversationID == "" {
		return apperrors.MissingRequired("conversationId")
	}
	return nil
}

func (r Reaction) validate() error {
	if r.MessageID == "" {
		return apperrors.MissingRequired("messageId")
	}
	if r.ConversationID == "" {
		return apperrors.MissingRequired("conversationId")
	}
	if r.Emoji == "" {
		return apperrors.MissingRequired("emoji")
	}
	return nil
}

func (r ReadReceipt) validate() error {
	if r.MessageID == "" {
		return apperrors.MissingRequired("messageId")
	}
	if r.ConversationID == "" {
		return apperrors.MissingRequired("conversationId")
	}
	return nil
}

func (t Typing) validate() error {
	if t.ConversationID == "" {
		return apperrors.MissingRequired("conversationId")
	}
	return nil
}

func (a Ack) validate() error {
	if a.MessageID == "" {
		return apperrors.MissingRequired("messageId")
	}
	return nil
}

func (p PresenceSet) validate() error {
	if !p.Status.Settable() {
		return apperrors.ValidationError(fmt.Sprintf("invalid presence status %q", p.Status))
	}
	return nil
}

func (Ping) validate() error { return nil }

func (c CallInitiate) validate() error {
	if c.ConversationID == "" {
		return apperrors.MissingRequired("conversationId")
	}
	if len(c.Participants) == 0 {
		return apperrors.MissingRequired("participants")
	}
	switch c.CallType {
	case model.CallAudio, model.CallVideo:
		return nil
	case "":
		return apperrors.MissingRequired("callType")
	}
	return apperrors.ValidationError(fmt.Sprintf("invalid call type %q", c.CallType))
}

func (a CallAction) validate() error {
	if a.CallID == "" {
		return apperrors.MissingRequired("callId")
	}
	return nil
}

func (t CallToggle) validate() error {
	if t.CallID == "" {
		return apperrors.MissingRequired("callId")
	}
	return nil
}

func (s Signal) validate() error {
	if s.CallID == "" {
		return apperrors.MissingRequired("callId")
	}
	if s.TargetUserID == "" {
		return apperrors.MissingRequired("targetUserId")
	}
	if len(s.Payload) == 0 {
		return apperrors.MissingRequired("payload")
	}
	return nil
}

func (h HuddleCreate) validate() error {
	if h.ConversationID == "" {
		return apperrors.MissingRequired("conversationId")
	}
	return nil
}

func (h HuddleJoin) validate() error {
	if h.HuddleID == "" && h.ConversationID == "" {
		return apperrors.MissingRequired("huddleId or conversationId")
	}
	return nil
}

func (h HuddleLeave) validate() error {
	if h.HuddleID == "" {
		return apperrors.MissingRequired("huddleId")
	}
	return nil
}

func (t HuddleToggle) validate() error {
	if t.HuddleID == "" {
		return apperrors.MissingRequired("huddleId")
	}
	return nil
}

package call

import (
	"context"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/protocol"
)

// RelayResult is the reply to a relayed signaling payload.
type RelayResult struct {
	Delivered bool `json:"delivered"`
}

// HandleEvent runs one inbound call, huddle or signaling event for userID and
// returns the reply payload. Events for calls and huddles hosted on another
// node run there.
func (m *Manager) HandleEvent(ctx context.Context, userID string, ev protocol.Event) (any, error) {
	if remote := m.getRemote(); remote != nil {
		if id, kind := target(ev); id != "" && !m.HostsCall(id) {
			return m.forward(ctx, remote, userID, id, kind, ev)
		}
		if j, ok := ev.(protocol.HuddleJoin); ok && j.HuddleID == "" {
			if res, handled, err := m.joinClaimedHuddle(ctx, remote, userID, j.ConversationID); handled {
				return res, err
			}
		}
	}
	return m.HandleHosted(ctx, userID, ev)
}

// HandleHosted runs ev against calls and huddles on this node only.
func (m *Manager) HandleHosted(ctx context.Context, userID string, ev protocol.Event) (any, error) {
	switch e := ev.(type) {
	case protocol.CallInitiate:
		invitees := e.Participants
		if len(invitees) == 0 {
			members, err := m.backend.ConversationParticipants(ctx, e.ConversationID)
			if err != nil {
				return nil, err
			}
			invitees = members
		}
		typ := e.CallType
		if typ == "" {
			typ = model.CallAudio
		}
		return m.Initiate(ctx, userID, e.CallID, e.ConversationID, typ, invitees)

	case protocol.CallAction:
		switch e.Event {
		case protocol.EventCallAnswer:
			return m.Answer(ctx, e.CallID, userID)
		case protocol.EventCallReject:
			return m.Reject(ctx, e.CallID, userID)
		case protocol.EventCallEnd:
			return m.End(ctx, e.CallID, userID)
		case protocol.EventCallHold:
			return m.Hold(ctx, e.CallID, userID)
		case protocol.EventCallUnhold:
			return m.Unhold(ctx, e.CallID, userID)
		case protocol.EventCallRecordingStart:
			return m.SetRecording(ctx, e.CallID, userID, true)
		case protocol.EventCallRecordingStop:
			return m.SetRecording(ctx, e.CallID, userID, false)
		}

	case protocol.CallToggle:
		return m.ToggleMedia(ctx, e.CallID, userID, e.Kind, e.Enabled)

	case protocol.Signal:
		delivered, err := m.Relay(ctx, userID, e)
		if err != nil {
			return nil, err
		}
		return RelayResult{Delivered: delivered}, nil

	case protocol.HuddleCreate:
		return m.CreateHuddle(ctx, userID, e.ConversationID)
	case protocol.HuddleJoin:
		return m.JoinHuddle(ctx, userID, e.HuddleID, e.ConversationID)
	case protocol.HuddleLeave:
		return m.LeaveHuddle(ctx, e.HuddleID, userID)
	case protocol.HuddleToggle:
		return m.ToggleHuddle(ctx, e.HuddleID, userID, e.Kind, e.Enabled)
	}
	return nil, apperrors.MalformedPayload("unsupported event " + ev.Name())
}

// Relay forwards a WebRTC payload between two participants of the call or
// huddle named by sig.CallID.
func (m *Manager) Relay(ctx context.Context, fromID string, sig protocol.Signal) (bool, error) {
	if cs, err := m.lookupCall(sig.CallID); err == nil {
		v, err := cs.actor.do(ctx, func() (any, error) { return cs.relay(sig, fromID) })
		if err != nil {
			return false, err
		}
		return v.(bool), nil
	}

	hs, err := m.lookupHuddle(sig.CallID)
	if err != nil {
		return false, apperrors.NotFound("call")
	}
	v, err := hs.actor.do(ctx, func() (any, error) {
		if hs.ended.Load() {
			return nil, apperrors.NotFound("huddle")
		}
		return hs.relay(sig, fromID)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

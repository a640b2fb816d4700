package call

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/rtcore-go/internal/audit"
	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/protocol"
	"github.com/openclaw/rtcore-go/internal/push"
)

// Notice is the payload of call events sent to participants.
type Notice struct {
	CallID         string          `json:"callId"`
	ConversationID string          `json:"conversationId"`
	State          model.CallState `json:"state"`
	UserID         string          `json:"userId,omitempty"`
	Reason         model.EndReason `json:"reason,omitempty"`
	EndedBy        string          `json:"endedBy,omitempty"`
	DurationMs     int64           `json:"durationMs,omitempty"`
	Kind           model.MediaKind `json:"kind,omitempty"`
	Enabled        *bool           `json:"enabled,omitempty"`
	Recording      *bool           `json:"recording,omitempty"`
	Call           *model.Call     `json:"call,omitempty"`
}

// callSession is one call. Every field except id, m, actor and members is
// owned by the actor goroutine.
type callSession struct {
	id      string
	m       *Manager
	actor   *actor
	members []string
	ended   atomic.Bool

	call      *model.Call
	ringTimer *time.Timer
	maxTimer  *time.Timer
	ringGen   uint64
	maxGen    uint64
}

func (cs *callSession) isEnded() bool {
	return cs.ended.Load()
}

func (cs *callSession) notice(userID string) Notice {
	return Notice{
		CallID:         cs.call.ID,
		ConversationID: cs.call.ConversationID,
		State:          cs.call.State,
		UserID:         userID,
	}
}

// broadcast sends an event to every participant except skip.
func (cs *callSession) broadcast(event string, n Notice, skip string) {
	d := protocol.NewEvent(event, n)
	for _, p := range cs.call.Participants {
		if p.UserID == skip || p.State == model.ParticipantRejected {
			continue
		}
		cs.m.dispatch(p.UserID, d)
	}
}

func (cs *callSession) start() {
	cs.armRing()

	n := cs.notice(cs.call.InitiatorID)
	n.Call = cs.call.Clone()
	incoming := protocol.NewEvent(protocol.EventCallIncoming, n)

	for _, userID := range invitedIDs(cs.call) {
		if cs.m.dispatch(userID, incoming) {
			continue
		}
		cs.m.notifier.Notify(userID, push.Payload{
			Kind:           push.KindCall,
			ConversationID: cs.call.ConversationID,
			SenderID:       cs.call.InitiatorID,
			CallID:         cs.call.ID,
		})
	}

	log.Info().
		Str("callId", cs.call.ID).
		Str("conversationId", cs.call.ConversationID).
		Str("initiatorId", cs.call.InitiatorID).
		Int("participants", len(cs.call.Participants)).
		Msg("call initiated")
}

// Timers post back onto the actor and carry the generation they were armed
// for, so a firing that races a transition is dropped.

func (cs *callSession) armRing() {
	cs.ringGen++
	gen := cs.ringGen
	cs.ringTimer = time.AfterFunc(cs.m.opts.RingTimeout, func() {
		cs.actor.post(func() { cs.onRingTimeout(gen) })
	})
}

func (cs *callSession) armMaxDuration() {
	if cs.m.opts.MaxDuration <= 0 {
		return
	}
	cs.maxGen++
	gen := cs.maxGen
	cs.maxTimer = time.AfterFunc(cs.m.opts.MaxDuration, func() {
		cs.actor.post(func() { cs.onMaxDuration(gen) })
	})
}

func (cs *callSession) cancelRing() {
	if cs.ringTimer != nil {
		cs.ringTimer.Stop()
		cs.ringTimer = nil
	}
	cs.ringGen++
}

func (cs *callSession) cancelTimers() {
	cs.cancelRing()
	if cs.maxTimer != nil {
		cs.maxTimer.Stop()
		cs.maxTimer = nil
	}
	cs.maxGen++
}

func (cs *callSession) onRingTimeout(gen uint64) {
	if gen != cs.ringGen || cs.call.State != model.CallRinging {
		return
	}
	log.Info().Str("callId", cs.call.ID).Msg("call ring timeout")
	cs.finish(model.EndMissed, "")
}

func (cs *callSession) onMaxDuration(gen uint64) {
	if gen != cs.maxGen || cs.call.State == model.CallEnded {
		return
	}
	log.Info().Str("callId", cs.call.ID).Msg("call reached max duration")
	cs.finish(model.EndMaxDuration, "")
}

func (cs *callSession) answer(userID string) error {
	if err := answer(cs.call, userID, cs.m.now()); err != nil {
		return err
	}
	cs.cancelRing()
	cs.armMaxDuration()
	cs.broadcast(protocol.EventCallAnswered, cs.notice(userID), userID)
	log.Info().Str("callId", cs.call.ID).Str("userId", userID).Msg("call answered")
	return nil
}

func (cs *callSession) reject(userID string) error {
	allRejected, err := reject(cs.call, userID)
	if err != nil {
		return err
	}
	cs.m.dispatch(userID, protocol.NewEvent(protocol.EventCallRejected, cs.notice(userID)))
	cs.broadcast(protocol.EventCallRejected, cs.notice(userID), userID)
	if allRejected {
		cs.finish(model.EndRejected, userID)
	}
	return nil
}

func (cs *callSession) hangup(userID string) error {
	if _, err := requireParticipant(cs.call, userID); err != nil {
		return err
	}
	if cs.call.State == model.CallEnded {
		return nil
	}
	cs.finish(hangupReason(cs.call), userID)
	return nil
}

func (cs *callSession) hold(userID string, on bool) error {
	event := protocol.EventCallHeld
	var err error
	if on {
		err = hold(cs.call, userID)
	} else {
		err = unhold(cs.call, userID)
		event = protocol.EventCallResumed
	}
	if err != nil {
		return err
	}
	cs.broadcast(event, cs.notice(userID), userID)
	return nil
}

func (cs *callSession) recording(userID string, on bool) error {
	if err := setRecording(cs.call, userID, on); err != nil {
		return err
	}
	n := cs.notice(userID)
	n.Recording = &on
	cs.broadcast(protocol.EventCallRecording, n, "")

	audit.Log(context.Background(), audit.Event{
		Type:   audit.EventCallRecording,
		UserID: userID,
		Details: map[string]interface{}{
			"call_id":   cs.call.ID,
			"recording": on,
		},
	})
	return nil
}

func (cs *callSession) media(userID string, kind model.MediaKind, enabled bool) error {
	if err := toggleMedia(cs.call, userID, kind, enabled); err != nil {
		return err
	}
	n := cs.notice(userID)
	n.Kind = kind
	n.Enabled = &enabled
	cs.broadcast(protocol.EventCallMedia, n, userID)
	return nil
}

func (cs *callSession) left(userID string) error {
	reason, err := leave(cs.call, userID, cs.m.now())
	if err != nil {
		return err
	}
	if cs.call.State != model.CallEnded {
		cs.broadcast(protocol.EventCallParticipantLeft, cs.notice(userID), userID)
	}
	if reason != "" {
		cs.finish(reason, userID)
	}
	return nil
}

// relay forwards an opaque signaling payload to one participant.
func (cs *callSession) relay(sig protocol.Signal, fromID string) (bool, error) {
	if err := authorizeSignal(cs.call, fromID, sig.TargetUserID); err != nil {
		return false, err
	}
	return cs.m.dispatch(sig.TargetUserID, signalDelivery(sig, fromID)), nil
}

// finish ends the call once, notifies everyone and schedules removal.
func (cs *callSession) finish(reason model.EndReason, by string) {
	missed := invitedIDs(cs.call)
	if !end(cs.call, reason, by, cs.m.now()) {
		return
	}
	cs.ended.Store(true)
	cs.cancelTimers()

	n := cs.notice(by)
	n.Reason = reason
	n.EndedBy = by
	n.DurationMs = cs.call.Duration.Milliseconds()
	cs.broadcast(protocol.EventCallEnded, n, "")

	if reason == model.EndMissed {
		missedEvent := protocol.NewEvent(protocol.EventCallMissed, n)
		for _, userID := range missed {
			cs.m.dispatch(userID, missedEvent)
			cs.m.notifier.Notify(userID, push.Payload{
				Kind:           push.KindMissedCall,
				ConversationID: cs.call.ConversationID,
				SenderID:       cs.call.InitiatorID,
				CallID:         cs.call.ID,
			})
		}
	}

	log.Info().
		Str("callId", cs.call.ID).
		Str("reason", string(reason)).
		Dur("duration", cs.call.Duration).
		Msg("call ended")

	archived := cs.call.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := cs.m.backend.ArchiveCall(ctx, archived); err != nil {
			log.Warn().Err(err).Str("callId", archived.ID).Msg("failed to archive call")
		}
	}()

	time.AfterFunc(cs.m.opts.EndedRetention, func() { cs.m.removeCall(cs) })
}

type signalPayload struct {
	CallID     string          `json:"callId"`
	FromUserID string          `json:"fromUserId"`
	Payload    json.RawMessage `json:"payload"`
}

func signalDelivery(sig protocol.Signal, fromID string) model.Delivery {
	return protocol.NewEvent(sig.Name(), signalPayload{
		CallID:     sig.CallID,
		FromUserID: fromID,
		Payload:    sig.Payload,
	})
}

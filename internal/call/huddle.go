package call

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/protocol"
)

// HuddleNotice is the payload of huddle events.
type HuddleNotice struct {
	HuddleID       string        `json:"huddleId"`
	ConversationID string        `json:"conversationId"`
	UserID         string        `json:"userId,omitempty"`
	Huddle         *model.Huddle `json:"huddle,omitempty"`
}

// huddleSession is one huddle. The huddle record is owned by the actor.
type huddleSession struct {
	id             string
	conversationID string
	m              *Manager
	actor          *actor
	ended          atomic.Bool

	huddle *model.Huddle
}

func (hs *huddleSession) notice(userID string) HuddleNotice {
	return HuddleNotice{
		HuddleID:       hs.id,
		ConversationID: hs.conversationID,
		UserID:         userID,
		Huddle:         hs.huddle.Clone(),
	}
}

func (hs *huddleSession) broadcast(event string, n HuddleNotice, skip string) {
	d := protocol.NewEvent(event, n)
	for _, p := range hs.huddle.Participants {
		if p.UserID != skip {
			hs.m.dispatch(p.UserID, d)
		}
	}
}

func (hs *huddleSession) join(userID string) {
	if hs.huddle.Participant(userID) != nil {
		return
	}
	hs.huddle.Participants = append(hs.huddle.Participants, model.HuddleParticipant{
		UserID:   userID,
		JoinedAt: hs.m.now(),
	})
	hs.m.indexHuddleMember(userID, hs.id)
	hs.broadcast(protocol.EventHuddleJoined, hs.notice(userID), userID)
}

func (hs *huddleSession) leave(userID string) error {
	idx := -1
	for i, p := range hs.huddle.Participants {
		if p.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return apperrors.NotParticipant(userID)
	}

	hs.huddle.Participants = append(hs.huddle.Participants[:idx], hs.huddle.Participants[idx+1:]...)
	if hs.huddle.ScreenSharer == userID {
		hs.huddle.ScreenSharer = ""
	}
	hs.m.unindexHuddleMember(userID, hs.id)

	if len(hs.huddle.Participants) > 0 {
		hs.broadcast(protocol.EventHuddleLeft, hs.notice(userID), "")
		return nil
	}

	hs.terminate()
	hs.actor.retireAfterCurrent()
	return nil
}

func (hs *huddleSession) toggle(userID string, kind model.MediaKind, enabled bool) error {
	p := hs.huddle.Participant(userID)
	if p == nil {
		return apperrors.NotParticipant(userID)
	}

	switch kind {
	case model.MediaAudio:
		p.AudioMuted = !enabled
	case model.MediaVideo:
		p.VideoOff = !enabled
	case model.MediaScreen:
		sharer := hs.huddle.ScreenSharer
		if enabled {
			if sharer != "" && sharer != userID {
				return apperrors.AlreadySharing(sharer).WithDetails(map[string]string{"sharerId": sharer})
			}
			hs.huddle.ScreenSharer = userID
		} else if sharer == userID {
			hs.huddle.ScreenSharer = ""
		}
	default:
		return apperrors.ValidationError("unsupported media kind")
	}

	hs.broadcast(protocol.EventHuddleUpdated, hs.notice(userID), "")
	return nil
}

func (hs *huddleSession) relay(sig protocol.Signal, fromID string) (bool, error) {
	if hs.huddle.Participant(fromID) == nil {
		return false, apperrors.NotParticipant(fromID)
	}
	if hs.huddle.Participant(sig.TargetUserID) == nil {
		return false, apperrors.NotParticipant(sig.TargetUserID)
	}
	if fromID == sig.TargetUserID {
		return false, apperrors.ValidationError("cannot signal yourself")
	}
	return hs.m.dispatch(sig.TargetUserID, signalDelivery(sig, fromID)), nil
}

// terminate marks the huddle ended and drops it from the manager indexes.
func (hs *huddleSession) terminate() {
	if !hs.ended.CompareAndSwap(false, true) {
		return
	}
	now := hs.m.now()
	hs.huddle.Active = false
	hs.huddle.EndedAt = &now
	hs.m.dropHuddle(hs)
	hs.m.releaseClaim(hs.conversationID, hs.id)

	log.Info().
		Str("huddleId", hs.id).
		Str("conversationId", hs.conversationID).
		Dur("duration", now.Sub(hs.huddle.StartedAt)).
		Msg("huddle ended")
}

// close ends the huddle for everyone still in it.
func (hs *huddleSession) close() {
	if hs.ended.Load() {
		return
	}
	members := hs.huddle.ParticipantIDs()
	hs.terminate()
	d := protocol.NewEvent(protocol.EventHuddleEnded, hs.notice(""))
	for _, userID := range members {
		hs.m.unindexHuddleMember(userID, hs.id)
		hs.m.dispatch(userID, d)
	}
}

func (m *Manager) indexHuddleMember(userID, huddleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.userHuddle[userID]
	if !ok {
		set = make(map[string]struct{})
		m.userHuddle[userID] = set
	}
	set[huddleID] = struct{}{}
}

func (m *Manager) unindexHuddleMember(userID, huddleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.userHuddle[userID]; ok {
		delete(set, huddleID)
		if len(set) == 0 {
			delete(m.userHuddle, userID)
		}
	}
}

func (m *Manager) dropHuddle(hs *huddleSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.huddles[hs.id] == hs {
		delete(m.huddles, hs.id)
	}
	if m.convHuddle[hs.conversationID] == hs.id {
		delete(m.convHuddle, hs.conversationID)
	}
}

func (m *Manager) lookupHuddle(huddleID string) (*huddleSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs, ok := m.huddles[huddleID]
	if !ok {
		return nil, apperrors.NotFound("huddle")
	}
	return hs, nil
}

// CreateHuddle starts the conversation's huddle with userID as its first
// participant. A conversation has at most one active huddle.
func (m *Manager) CreateHuddle(ctx context.Context, userID, conversationID string) (*model.Huddle, error) {
	if conversationID == "" {
		return nil, apperrors.MissingRequired("conversationId")
	}

	hs := &huddleSession{
		id:             uuid.NewString(),
		conversationID: conversationID,
		m:              m,
		actor:          newActor("huddle"),
		huddle: &model.Huddle{
			ConversationID: conversationID,
			CreatedBy:      userID,
			Active:         true,
			StartedAt:      m.now(),
		},
	}
	hs.huddle.ID = hs.id

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		hs.actor.stop()
		return nil, apperrors.Unreachable("call service")
	}
	if existing, ok := m.convHuddle[conversationID]; ok {
		m.mu.Unlock()
		hs.actor.stop()
		return nil, apperrors.AlreadyExists("huddle").WithDetails(map[string]string{"huddleId": existing})
	}
	m.huddles[hs.id] = hs
	m.convHuddle[conversationID] = hs.id
	m.mu.Unlock()

	if err := m.claimHuddle(ctx, conversationID, hs.id); err != nil {
		m.dropHuddle(hs)
		hs.actor.stop()
		return nil, err
	}

	v, err := hs.actor.do(ctx, func() (any, error) {
		hs.join(userID)
		return hs.huddle.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	h := v.(*model.Huddle)

	log.Info().Str("huddleId", h.ID).Str("conversationId", conversationID).Str("userId", userID).Msg("huddle started")
	m.announceHuddle(ctx, h, userID)
	return h, nil
}

// announceHuddle tells the rest of the conversation that a huddle started.
func (m *Manager) announceHuddle(ctx context.Context, h *model.Huddle, starterID string) {
	members, err := m.backend.ConversationParticipants(ctx, h.ConversationID)
	if err != nil {
		log.Debug().Err(err).Str("conversationId", h.ConversationID).Msg("skipping huddle announcement")
		return
	}
	d := protocol.NewEvent(protocol.EventHuddleStarted, HuddleNotice{
		HuddleID:       h.ID,
		ConversationID: h.ConversationID,
		UserID:         starterID,
		Huddle:         h,
	})
	for _, userID := range members {
		if userID != starterID {
			m.dispatch(userID, d)
		}
	}
}

// JoinHuddle adds userID to a huddle named by id or by conversation. Joining
// by conversation starts the huddle when none is active.
func (m *Manager) JoinHuddle(ctx context.Context, userID, huddleID, conversationID string) (*model.Huddle, error) {
	for attempt := 0; attempt < 2; attempt++ {
		id := huddleID
		if id == "" {
			m.mu.Lock()
			id = m.convHuddle[conversationID]
			m.mu.Unlock()
			if id == "" {
				h, err := m.CreateHuddle(ctx, userID, conversationID)
				if apperrors.HasCode(err, apperrors.ErrCodeAlreadyExists) {
					continue
				}
				return h, err
			}
		}

		hs, err := m.lookupHuddle(id)
		if err != nil {
			return nil, err
		}
		v, err := hs.actor.do(ctx, func() (any, error) {
			if hs.ended.Load() {
				return nil, apperrors.NotFound("huddle")
			}
			hs.join(userID)
			return hs.huddle.Clone(), nil
		})
		if err != nil {
			if huddleID == "" && apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
				continue
			}
			return nil, err
		}
		return v.(*model.Huddle), nil
	}
	return nil, apperrors.NotFound("huddle")
}

// LeaveHuddle removes userID. The huddle ends when its last participant leaves.
func (m *Manager) LeaveHuddle(ctx context.Context, huddleID, userID string) (*model.Huddle, error) {
	return m.withHuddle(ctx, huddleID, func(hs *huddleSession) error { return hs.leave(userID) })
}

// ToggleHuddle changes a participant's audio, video or screen-share flag.
func (m *Manager) ToggleHuddle(ctx context.Context, huddleID, userID string, kind model.MediaKind, enabled bool) (*model.Huddle, error) {
	return m.withHuddle(ctx, huddleID, func(hs *huddleSession) error { return hs.toggle(userID, kind, enabled) })
}

func (m *Manager) GetHuddle(ctx context.Context, huddleID string) (*model.Huddle, error) {
	return m.withHuddle(ctx, huddleID, func(*huddleSession) error { return nil })
}

// HuddleFor returns the active huddle of a conversation.
func (m *Manager) HuddleFor(ctx context.Context, conversationID string) (*model.Huddle, error) {
	m.mu.Lock()
	id, ok := m.convHuddle[conversationID]
	m.mu.Unlock()
	if !ok {
		return nil, apperrors.NotFound("huddle")
	}
	return m.GetHuddle(ctx, id)
}

func (m *Manager) withHuddle(ctx context.Context, huddleID string, fn func(hs *huddleSession) error) (*model.Huddle, error) {
	hs, err := m.lookupHuddle(huddleID)
	if err != nil {
		return nil, err
	}
	v, err := hs.actor.do(ctx, func() (any, error) {
		if hs.ended.Load() {
			return nil, apperrors.NotFound("huddle")
		}
		if err := fn(hs); err != nil {
			return nil, err
		}
		return hs.huddle.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Huddle), nil
}

package call

import (
	"time"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
)

// The functions in this file are the call state machine. They mutate the
// call they are given and must only run on the call's own goroutine.

func newCall(id, conversationID, initiatorID string, typ model.CallType, invitees []string, now time.Time) *model.Call {
	joined := now
	c := &model.Call{
		ID:             id,
		ConversationID: conversationID,
		InitiatorID:    initiatorID,
		Type:           typ,
		State:          model.CallRinging,
		CreatedAt:      now,
		Participants: []model.CallParticipant{{
			UserID:   initiatorID,
			State:    model.ParticipantConnected,
			VideoOff: typ == model.CallAudio,
			JoinedAt: &joined,
		}},
	}

	seen := map[string]bool{initiatorID: true}
	for _, userID := range invitees {
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		c.Participants = append(c.Participants, model.CallParticipant{
			UserID:   userID,
			State:    model.ParticipantInvited,
			VideoOff: typ == model.CallAudio,
		})
	}
	return c
}

func invitedIDs(c *model.Call) []string {
	var ids []string
	for _, p := range c.Participants {
		if p.State == model.ParticipantInvited {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

func requireParticipant(c *model.Call, userID string) (*model.CallParticipant, error) {
	p := c.Participant(userID)
	if p == nil {
		return nil, apperrors.NotParticipant(userID)
	}
	return p, nil
}

// answer moves the call to active. Only invited participants of a ringing
// call may answer.
func answer(c *model.Call, userID string, now time.Time) error {
	p, err := requireParticipant(c, userID)
	if err != nil {
		return err
	}
	if c.State != model.CallRinging {
		return apperrors.InvalidStateTransition(string(c.State), "answer")
	}
	if p.State != model.ParticipantInvited {
		return apperrors.InvalidStateTransition(string(p.State), "answer")
	}

	p.State = model.ParticipantConnected
	p.JoinedAt = &now
	c.State = model.CallActive
	c.ConnectedAt = &now
	return nil
}

// reject marks userID as rejected and reports whether every non-initiator
// has now rejected.
func reject(c *model.Call, userID string) (bool, error) {
	p, err := requireParticipant(c, userID)
	if err != nil {
		return false, err
	}
	if c.State != model.CallRinging {
		return false, apperrors.InvalidStateTransition(string(c.State), "reject")
	}
	if userID == c.InitiatorID || p.State != model.ParticipantInvited {
		return false, apperrors.InvalidStateTransition(string(p.State), "reject")
	}

	p.State = model.ParticipantRejected
	for _, other := range c.Participants {
		if other.UserID != c.InitiatorID && other.State != model.ParticipantRejected {
			return false, nil
		}
	}
	return true, nil
}

func hold(c *model.Call, userID string) error {
	if _, err := requireParticipant(c, userID); err != nil {
		return err
	}
	if c.State != model.CallActive {
		return apperrors.InvalidStateTransition(string(c.State), "hold")
	}
	c.State = model.CallOnHold
	return nil
}

func unhold(c *model.Call, userID string) error {
	if _, err := requireParticipant(c, userID); err != nil {
		return err
	}
	if c.State != model.CallOnHold {
		return apperrors.InvalidStateTransition(string(c.State), "unhold")
	}
	c.State = model.CallActive
	return nil
}

// end terminates the call. It reports false when the call had already ended.
func end(c *model.Call, reason model.EndReason, by string, now time.Time) bool {
	if c.State == model.CallEnded {
		return false
	}
	c.State = model.CallEnded
	c.EndReason = reason
	c.EndedBy = by
	c.EndedAt = &now
	c.Recording = false
	if c.ConnectedAt != nil {
		c.Duration = now.Sub(*c.ConnectedAt)
	}
	for i := range c.Participants {
		if c.Participants[i].State == model.ParticipantConnected {
			c.Participants[i].State = model.ParticipantDisconnected
			c.Participants[i].LeftAt = &now
		}
	}
	return true
}

// hangupReason picks the reason for an explicit call:end.
func hangupReason(c *model.Call) model.EndReason {
	if c.ConnectedAt == nil {
		return model.EndCancelled
	}
	return model.EndCompleted
}

// leave handles a participant dropping out. It returns the reason the call
// must end with, or "" if it continues.
func leave(c *model.Call, userID string, now time.Time) (model.EndReason, error) {
	p, err := requireParticipant(c, userID)
	if err != nil {
		return "", err
	}
	if c.State == model.CallEnded {
		return "", nil
	}

	if c.State == model.CallRinging {
		if userID == c.InitiatorID {
			return model.EndCancelled, nil
		}
		allRejected, err := reject(c, userID)
		if err != nil {
			return "", nil
		}
		if allRejected {
			return model.EndRejected, nil
		}
		return "", nil
	}

	if p.State != model.ParticipantConnected {
		return "", nil
	}
	p.State = model.ParticipantDisconnected
	p.LeftAt = &now

	if c.ConnectedCount() == 0 {
		return model.EndAbandoned, nil
	}
	return "", nil
}

func setRecording(c *model.Call, userID string, on bool) error {
	p, err := requireParticipant(c, userID)
	if err != nil {
		return err
	}
	if c.State != model.CallActive && c.State != model.CallOnHold {
		return apperrors.InvalidStateTransition(string(c.State), "change recording")
	}
	if p.State != model.ParticipantConnected {
		return apperrors.InvalidStateTransition(string(p.State), "change recording")
	}
	if c.Recording == on {
		op := "stop recording"
		if on {
			op = "start recording"
		}
		return apperrors.InvalidStateTransition(string(c.State), op)
	}

	c.Recording = on
	if on {
		c.RecordingStartedBy = userID
	}
	return nil
}

func toggleMedia(c *model.Call, userID string, kind model.MediaKind, enabled bool) error {
	p, err := requireParticipant(c, userID)
	if err != nil {
		return err
	}
	if c.State == model.CallEnded {
		return apperrors.InvalidStateTransition(string(c.State), "toggle media")
	}
	switch kind {
	case model.MediaAudio:
		p.AudioMuted = !enabled
	case model.MediaVideo:
		p.VideoOff = !enabled
	default:
		return apperrors.ValidationError("unsupported media kind for calls")
	}
	return nil
}

// authorizeSignal checks that both ends of a relayed payload belong to a
// live call.
func authorizeSignal(c *model.Call, fromID, toID string) error {
	if c.State == model.CallEnded {
		return apperrors.InvalidStateTransition(string(c.State), "relay signaling")
	}
	from, err := requireParticipant(c, fromID)
	if err != nil {
		return err
	}
	to, err := requireParticipant(c, toID)
	if err != nil {
		return err
	}
	if fromID == toID {
		return apperrors.ValidationError("cannot signal yourself")
	}
	if from.State == model.ParticipantRejected || to.State == model.ParticipantRejected {
		return apperrors.NotParticipant(toID)
	}
	return nil
}

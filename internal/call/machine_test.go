package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
)

var t0 = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

const (
	testWait = time.Second
	testTick = 5 * time.Millisecond
)

func TestNewCall(t *testing.T) {
	c := newCall("call-1", "conv-1", "alice", model.CallAudio, []string{"bob", "alice", "", "carol", "bob"}, t0)

	assert.Equal(t, model.CallRinging, c.State)
	assert.Equal(t, []string{"alice", "bob", "carol"}, c.ParticipantIDs())
	assert.Equal(t, model.ParticipantConnected, c.Participants[0].State)
	assert.Equal(t, []string{"bob", "carol"}, invitedIDs(c))
	assert.True(t, c.Participants[1].VideoOff)
}

func TestRingingReachesOnlyActiveOrEnded(t *testing.T) {
	c := newCall("call-1", "conv-1", "alice", model.CallVideo, []string{"bob"}, t0)

	err := hold(c, "alice")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidStateTransition))
	err = unhold(c, "alice")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidStateTransition))
	assert.Equal(t, model.CallRinging, c.State)

	require.NoError(t, answer(c, "bob", t0.Add(time.Second)))
	assert.Equal(t, model.CallActive, c.State)
}

func TestAnswer(t *testing.T) {
	t.Run("initiator cannot answer", func(t *testing.T) {
		c := newCall("call-1", "conv-1", "alice", model.CallAudio, []string{"bob"}, t0)
		err := answer(c, "alice", t0)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidStateTransition))
	})

	t.Run("stranger", func(t *testing.T) {
		c := newCall("call-1", "conv-1", "alice", model.CallAudio, []string{"bob"}, t0)
		err := answer(c, "mallory", t0)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotParticipant))
	})

	t.Run("already active", func(t *testing.T) {
		c := newCall("call-1", "conv-1", "alice", model.CallAudio, []string{"bob", "carol"}, t0)
		require.NoError(t, answer(c, "bob", t0))
		err := answer(c, "carol", t0)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidStateTransition))
	})

	t.Run("one answer wins over pending invitations", func(t *testing.T) {
		c := newCall("call-1", "conv-1", "alice", model.CallAudio, []string{"bob", "carol", "dave"}, t0)
		_, err := reject(c, "carol")
		require.NoError(t, err)
		require.NoError(t, answer(c, "bob", t0.Add(2*time.Second)))

		assert.Equal(t, model.CallActive, c.State)
		require.NotNil(t, c.ConnectedAt)
		assert.Equal(t, t0.Add(2*time.Second), *c.ConnectedAt)
		assert.Equal(t, model.ParticipantInvited, c.Participant("dave").State)
	})
}

func TestRejectAll(t *testing.T) {
	c := newCall("call-1", "conv-1", "alice", model.CallAudio, []string{"bob", "carol"}, t0)

	all, err := reject(c, "bob")
	require.NoError(t, err)
	assert.False(t, all)

	_, err = reject(c, "bob")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidStateTransition))

	all, err = reject(c, "carol")
	require.NoError(t, err)
	assert.True(t, all)
}

func TestEndIsIdempotent(t *testing.T) {
	c := newCall("call-1", "conv-1", "alice", model.CallAudio, []string{"bob"}, t0)
	require.NoError(t, answer(c, "bob", t0.Add(time.Second)))

	assert.True(t, end(c, model.EndCompleted, "alice", t0.Add(61*time.Second)))
	assert.Equal(t, model.CallEnded, c.State)
	assert.Equal(t, time.Minute, c.Duration)
	assert.Equal(t, model.ParticipantDisconnected, c.Participant("bob").State)

	assert.False(t, end(c, model.EndFailed, "bob", t0.Add(time.Hour)))
	assert.Equal(t, model.EndCompleted, c.EndReason)
	assert.Equal(t, time.Minute, c.Duration)

	for _, op := range []func() error{
		func() error { return answer(c, "bob", t0) },
		func() error { _, err := reject(c, "bob"); return err },
		func() error { return hold(c, "bob") },
		func() error { return unhold(c, "bob") },
		func() error { return setRecording(c, "bob", true) },
	} {
		assert.True(t, apperrors.HasCode(op(), apperrors.ErrCodeInvalidStateTransition))
	}
}

func TestEndNeverConnected(t *testing.T) {
	c := newCall("call-1", "conv-1", "alice", model.CallAudio, []string{"bob"}, t0)
	assert.Equal(t, model.EndCancelled, hangupReason(c))
	require.True(t, end(c, model.EndMissed, "", t0.Add(time.Minute)))
	assert.Zero(t, c.Duration)
}

func TestHoldUnhold(t *testing.T) {
	c := newCall("call-1", "conv-1", "alice", model.CallAudio, []string{"bob"}, t0)
	require.NoError(t, answer(c, "bob", t0))

	require.NoError(t, hold(c, "bob"))
	assert.Equal(t, model.CallOnHold, c.State)
	assert.True(t, apperrors.HasCode(hold(c, "bob"), apperrors.ErrCodeInvalidStateTransition))

	require.NoError(t, unhold(c, "alice"))
	assert.Equal(t, model.CallActive, c.State)
	assert.True(t, apperrors.HasCode(hold(c, "mallory"), apperrors.ErrCodeNotParticipant))
}

func TestLeave(t *testing.T) {
	t.Run("initiator leaving while ringing cancels", func(t *testing.T) {
		c := newCall("call-1", "conv-1", "alice", model.CallAudio, []string{"bob"}, t0)
		reason, err := leave(c, "alice", t0)
		require.NoError(t, err)
		assert.Equal(t, model.EndCancelled, reason)
	})

	t.Run("last invitee leaving while ringing rejects", func(t *testing.T) {
		c := newCall("call-1", "conv-1", "alice", model.CallAudio, []string{"bob"}, t0)
		reason, err := leave(c, "bob", t0)
		require.NoError(t, err)
		assert.Equal(t, model.EndRejected, reason)
	})

	t.Run("abandoned when nobody is connected", func(t *testing.T) {
		c := newCall("call-1", "conv-1", "alice", model.CallAudio, []string{"bob", "carol"}, t0)
		require.NoError(t, answer(c, "bob", t0))

		reason, err := leave(c, "alice", t0)
		require.NoError(t, err)
		assert.Empty(t, reason)

		reason, err = leave(c, "carol", t0)
		require.NoError(t, err)
		assert.Empty(t, reason)

		reason, err = leave(c, "bob", t0.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, model.EndAbandoned, reason)
	})

	t.Run("stranger", func(t *testing.T) {
		c := newCall("call-1", "conv-1", "alice", model.CallAudio, []string{"bob"}, t0)
		_, err := leave(c, "mallory", t0)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotParticipant))
	})
}

func TestRecording(t *testing.T) {
	c := newCall("call-1", "conv-1", "alice", model.CallVideo, []string{"bob"}, t0)
	assert.True(t, apperrors.HasCode(setRecording(c, "alice", true), apperrors.ErrCodeInvalidStateTransition))

	require.NoError(t, answer(c, "bob", t0))
	require.NoError(t, setRecording(c, "bob", true))
	assert.True(t, c.Recording)
	assert.Equal(t, "bob", c.RecordingStartedBy)
	assert.True(t, apperrors.HasCode(setRecording(c, "alice", true), apperrors.ErrCodeInvalidStateTransition))

	require.NoError(t, setRecording(c, "alice", false))
	assert.False(t, c.Recording)
}

func TestToggleMedia(t *testing.T) {
	c := newCall("call-1", "conv-1", "alice", model.CallVideo, []string{"bob"}, t0)

	require.NoError(t, toggleMedia(c, "alice", model.MediaAudio, false))
	require.NoError(t, toggleMedia(c, "alice", model.MediaVideo, false))
	p := c.Participant("alice")
	assert.True(t, p.AudioMuted)
	assert.True(t, p.VideoOff)

	err := toggleMedia(c, "alice", model.MediaScreen, true)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestAuthorizeSignal(t *testing.T) {
	c := newCall("call-1", "conv-1", "alice", model.CallVideo, []string{"bob", "carol"}, t0)

	assert.NoError(t, authorizeSignal(c, "alice", "bob"))
	assert.True(t, apperrors.HasCode(authorizeSignal(c, "mallory", "bob"), apperrors.ErrCodeNotParticipant))
	assert.True(t, apperrors.HasCode(authorizeSignal(c, "alice", "mallory"), apperrors.ErrCodeNotParticipant))
	assert.True(t, apperrors.HasCode(authorizeSignal(c, "alice", "alice"), apperrors.ErrCodeValidation))

	_, err := reject(c, "carol")
	require.NoError(t, err)
	assert.True(t, apperrors.HasCode(authorizeSignal(c, "alice", "carol"), apperrors.ErrCodeNotParticipant))

	end(c, model.EndCancelled, "alice", t0)
	assert.True(t, apperrors.HasCode(authorizeSignal(c, "alice", "bob"), apperrors.ErrCodeInvalidStateTransition))
}

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageTypePriority(t *testing.T) {
	assert.Greater(t, MessageCall.Priority(), MessageText.Priority())
	assert.Greater(t, MessageSystem.Priority(), MessageText.Priority())
	assert.Equal(t, PriorityNormal, MessageText.Priority())
	assert.Equal(t, PriorityLow, MessageReaction.Priority())
}

func TestMessageTypeEphemeral(t *testing.T) {
	assert.True(t, MessageTyping.Ephemeral())
	assert.True(t, MessageRead.Ephemeral())
	assert.False(t, MessageText.Ephemeral())
	assert.False(t, MessageEdit.Ephemeral())
}

func TestDeliveryStatusWorse(t *testing.T) {
	assert.Equal(t, DeliveryQueued, DeliveryDelivered.Worse(DeliveryQueued))
	assert.Equal(t, DeliveryQueued, DeliveryQueued.Worse(DeliveryDelivered))
	assert.Equal(t, DeliveryError, DeliveryQueued.Worse(DeliveryError))
	assert.Equal(t, DeliveryDelivered, DeliveryDelivered.Worse(DeliveryDelivered))
}

func TestCallRoster(t *testing.T) {
	call := &Call{Participants: []CallParticipant{
		{UserID: "a", State: ParticipantConnected},
		{UserID: "b", State: ParticipantInvited},
	}}

	assert.Equal(t, 1, call.ConnectedCount())
	assert.Nil(t, call.Participant("c"))

	clone := call.Clone()
	clone.Participant("b").State = ParticipantConnected
	assert.Equal(t, ParticipantInvited, call.Participant("b").State)
	assert.Equal(t, []string{"a", "b"}, call.ParticipantIDs())
}

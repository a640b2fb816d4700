package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "presence:alice", PresenceKey("alice"))
	assert.Equal(t, "presence:lastseen:alice", LastSeenKey("alice"))
	assert.Equal(t, "huddle:conv:c1", HuddleClaimKey("c1"))
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient("not-a-url")
	assert.Error(t, err)
}

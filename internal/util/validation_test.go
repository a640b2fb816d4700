package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidIdentifier(t *testing.T) {
	valid := []string{"alice", "user-42", "u_1.device:web", "a@example.com", "550e8400-e29b-41d4-a716-446655440000"}
	for _, s := range valid {
		assert.True(t, IsValidIdentifier(s), s)
	}

	invalid := []string{"", "-leading", "has space", "semi;colon", strings.Repeat("a", 129)}
	for _, s := range invalid {
		assert.False(t, IsValidIdentifier(s), s)
	}
}

func TestIsValidEnum(t *testing.T) {
	values := []string{"web", "mobile"}
	assert.True(t, IsValidEnum("web", values))
	assert.True(t, IsValidEnum("", values))
	assert.False(t, IsValidEnum("fridge", values))
}

package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Call not found")
		assert.Equal(t, "NOT_FOUND: Call not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Persistence(cause)
		assert.Contains(t, err.Error(), "PERSISTENCE_FAILURE")
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"callId": "call-1"}
		err := New(ErrCodeNotParticipant, "Not allowed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"NotFound", func() *AppError { return NotFound("Call") }, ErrCodeNotFound},
		{"AlreadyExists", func() *AppError { return AlreadyExists("Huddle") }, ErrCodeAlreadyExists},
		{"InvalidStateTransition", func() *AppError { return InvalidStateTransition("active", "answer") }, ErrCodeInvalidStateTransition},
		{"NotParticipant", func() *AppError { return NotParticipant("u1") }, ErrCodeNotParticipant},
		{"AlreadySharing", func() *AppError { return AlreadySharing("u1") }, ErrCodeAlreadySharing},
		{"DuplicateSession", func() *AppError { return DuplicateSession("u1", "d1") }, ErrCodeDuplicateSession},
		{"Unreachable", func() *AppError { return Unreachable("node-b") }, ErrCodeUnreachable},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"MissingRequired", func() *AppError { return MissingRequired("callId") }, ErrCodeMissingRequired},
		{"MalformedPayload", func() *AppError { return MalformedPayload("bad json") }, ErrCodeMalformedPayload},
		{"Unauthorized", func() *AppError { return Unauthorized("test") }, ErrCodeUnauthorized},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestExternal(t *testing.T) {
	t.Run("wraps external service error", func(t *testing.T) {
		cause := errors.New("timeout")
		err := External("backend", cause)
		assert.Equal(t, ErrCodeExternal, err.Code)
		assert.Contains(t, err.Message, "backend")
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts AppError through fmt wrapping", func(t *testing.T) {
		original := NotFound("Huddle")
		wrapped := fmt.Errorf("join huddle: %w", original)
		extracted, ok := AsAppError(wrapped)
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
	})

	t.Run("returns false for non-AppError", func(t *testing.T) {
		extracted, ok := AsAppError(errors.New("standard error"))
		assert.False(t, ok)
		assert.Nil(t, extracted)
	})
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeAlreadySharing, GetCode(AlreadySharing("u1")))
	assert.Equal(t, ErrCodeInternal, GetCode(errors.New("standard error")))
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("answer: %w", InvalidStateTransition("ended", "answer"))
	assert.True(t, HasCode(err, ErrCodeInvalidStateTransition))
	assert.False(t, HasCode(err, ErrCodeNotFound))
	assert.False(t, HasCode(nil, ErrCodeNotFound))
}

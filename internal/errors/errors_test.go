package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Session not found")
		assert.Equal(t, "NOT_FOUND: Session not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Wrap(ErrCodeStoreUnavailable, "Session store unavailable", cause)
		assert.Contains(t, err.Error(), "STORE_UNAVAILABLE")
		assert.Contains(t, err.Error(), "Session store unavailable")
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"field": "sessionId", "reason": "too long"}
		err := New(ErrCodeValidation, "Validation failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"SessionExpired", func() *AppError { return SessionExpired() }, ErrCodeSessionExpired},
		{"NotFound", func() *AppError { return NotFound("Session") }, ErrCodeNotFound},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidInput", func() *AppError { return InvalidInput("sessionId", "invalid") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("sessionId") }, ErrCodeMissingRequired},
		{"StoreUnavailable", func() *AppError { return StoreUnavailable(errors.New("down")) }, ErrCodeStoreUnavailable},
		{"External", func() *AppError { return External("mail queue", errors.New("down")) }, ErrCodeExternal},
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

func TestStoreUnavailable(t *testing.T) {
	t.Run("wraps the store error", func(t *testing.T) {
		err := StoreUnavailable(context.DeadlineExceeded)
		assert.Equal(t, ErrCodeStoreUnavailable, err.Code)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("IsStoreUnavailable sees through wrapping", func(t *testing.T) {
		err := fmt.Errorf("touch: %w", StoreUnavailable(errors.New("timeout")))
		assert.True(t, IsStoreUnavailable(err))
		assert.False(t, IsStoreUnavailable(SessionExpired()))
		assert.False(t, IsStoreUnavailable(nil))
	})
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts AppError", func(t *testing.T) {
		original := New(ErrCodeNotFound, "Session not found")
		extracted, ok := AsAppError(original)
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
	assert.Equal(t, ErrCodeSessionExpired, GetCode(SessionExpired()))
	assert.Equal(t, ErrCodeInternal, GetCode(errors.New("standard error")))
}

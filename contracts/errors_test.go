package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	t.Run("errors.Is matches by kind", func(t *testing.T) {
		err := NewError(KindThreadNotRunning, "stop", nil)

		assert.ErrorIs(t, err, ErrThreadNotRunning)
		assert.NotErrorIs(t, err, ErrThreadAlreadyRunning)
	})

	t.Run("wrapped errors keep their kind", func(t *testing.T) {
		cause := errors.New("socket closed")
		err := fmt.Errorf("publish: %w", NewError(KindServerConnectionFailure, "publish", cause))

		assert.Equal(t, KindServerConnectionFailure, KindOf(err))
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrServerConnectionFailure)
	})

	t.Run("KindOf foreign and nil errors", func(t *testing.T) {
		assert.Equal(t, KindUnknown, KindOf(nil))
		assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	})

	t.Run("IsServerFailure", func(t *testing.T) {
		tests := []struct {
			kind     ErrorKind
			expected bool
		}{
			{KindServerConnectionFailure, true},
			{KindServerExceptionResponse, true},
			{KindChannelException, false},
			{KindTimeoutOccurred, false},
			{KindPublishError, false},
			{KindServerAuthenticationFailure, false},
		}

		for _, tt := range tests {
			t.Run(tt.kind.String(), func(t *testing.T) {
				assert.Equal(t, tt.expected, IsServerFailure(NewError(tt.kind, "op", nil)))
			})
		}
		assert.False(t, IsServerFailure(nil))
	})

	t.Run("Error message", func(t *testing.T) {
		assert.Equal(t, "hare: not initialized", ErrNotInitialized.Error())
		assert.Equal(t, "hare: open channel: channel exception: 404",
			NewError(KindChannelException, "open channel", errors.New("404")).Error())
	})
}

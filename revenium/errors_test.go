package revenium

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReveniumError(t *testing.T) {
	t.Run("wraps the cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := NewNetworkError("metering request failed", cause)

		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "network")
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("no cause", func(t *testing.T) {
		err := NewValidationError("max_tokens must be positive", nil)
		assert.Equal(t, "revenium validation error: max_tokens must be positive", err.Error())
	})

	t.Run("type checks see through wrapping", func(t *testing.T) {
		err := fmt.Errorf("call failed: %w", NewInvokeError("bedrock invoke failed", nil))
		assert.True(t, IsInvokeError(err))
		assert.False(t, IsValidationError(err))
	})

	t.Run("plain errors match no type", func(t *testing.T) {
		assert.False(t, IsConfigError(errors.New("plain")))
		assert.False(t, IsConfigError(nil))
	})
}

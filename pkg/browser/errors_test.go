package browser

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not started", ErrNotStarted, false},
		{"canceled", context.Canceled, false},
		{"session closed", fmt.Errorf("act: %w", ErrSessionClosed), false},
		{"reconnect exhausted", WrapTransportError("click", CodeConnectionLost, "server lost", ErrReconnectFailed), false},
		{"unsupported action", NewTransportError("hover", CodeUnsupported, "unsupported action"), false},
		{"connection lost", NewTransportError("click", CodeConnectionLost, "pipe closed"), true},
		{"timeout code", NewTransportError("click", CodeTimeout, "slow"), true},
		{"remote code", NewTransportError("click", CodeRemote, "element is not visible"), true},
		{"not found code", NewTransportError("click", CodeNotFound, "stale ref"), true},
		{"plain", errors.New("element detached"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestWrapTransportError_ClassifiesDeadline(t *testing.T) {
	err := WrapTransportError("navigate", "", "navigate failed", context.DeadlineExceeded)
	assert.Equal(t, CodeTimeout, err.Code)
	assert.True(t, IsTimeout(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "browser navigate [timeout]")

	err = WrapTransportError("navigate", "", "navigate failed", errors.New("500"))
	assert.Equal(t, CodeRemote, err.Code)
	assert.False(t, IsTimeout(err))
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, IsConnectionError(NewTransportError("start", CodeUnavailable, "npx missing")))
	assert.True(t, IsConnectionError(fmt.Errorf("snapshot: %w", NewTransportError("snapshot", CodeConnectionLost, "closed"))))
	assert.False(t, IsConnectionError(NewTransportError("click", CodeNotFound, "stale ref")))
	assert.False(t, IsConnectionError(errors.New("plain")))
	assert.False(t, IsConnectionError(nil))
}

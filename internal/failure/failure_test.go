package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := Wrap(Timeout, "mux.expire", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestKindOfWrapped(t *testing.T) {
	inner := New(ConnectionLost, "session", "transport torn down")
	outer := fmt.Errorf("submit: %w", inner)

	assert.Equal(t, ConnectionLost, KindOf(outer))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestIsTransport(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrTransport, true},
		{ErrConnectionLost, true},
		{ErrNotConnected, true},
		{Provider("rate_limited", "slow down"), false},
		{ErrAuthRejected, false},
		{ErrTimeout, false},
		{ErrSessionClosed, false},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransport(tt.err))
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "router.route: no provider available", New(NoProviderAvailable, "router.route", "no provider available").Error())
	assert.Equal(t, "dial: TRANSPORT_ERROR: refused", Wrap(TransportError, "dial", errors.New("refused")).Error())

	pe := Provider("overloaded", "model busy")
	assert.Equal(t, "overloaded", pe.Code)
	assert.Equal(t, "model busy", pe.Error())
}

package netbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCircuitBreaker(t *testing.T) {
	assert.Nil(t, newCircuitBreaker(nil))

	cb := newCircuitBreaker(NewCircuitBreakerSettings("test", 1, time.Second, time.Second))
	require.NotNil(t, cb)

	// Should start in closed state
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.Equal(t, "test", cb.Name())
}

func TestCircuitBreakerSettings_ReadyToTrip(t *testing.T) {
	settings := NewCircuitBreakerSettings("test", 1, time.Second, time.Second)

	tests := []struct {
		name   string
		counts gobreaker.Counts
		trip   bool
	}{
		{"too few requests", gobreaker.Counts{Requests: 2, TotalFailures: 2}, false},
		{"below ratio", gobreaker.Counts{Requests: 10, TotalFailures: 5}, false},
		{"at ratio", gobreaker.Counts{Requests: 5, TotalFailures: 3}, true},
		{"all failed", gobreaker.Counts{Requests: 3, TotalFailures: 3}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.trip, settings.ReadyToTrip(tt.counts))
		})
	}
}

func TestIsBreakerSuccess(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"server error", &ServerError{Code: 32}, true},
		{"encode error", &EncodeError{Field: "args"}, true},
		{"schema error", &SchemaError{Space: "x"}, true},
		{"timeout", &TimeoutError{Op: "call", Err: context.DeadlineExceeded}, false},
		{"not connected", &NotConnectedError{State: StateError}, false},
		{"transport", &TransportError{Op: "read", Err: errors.New("reset")}, false},
		{"protocol", &ProtocolError{Message: "bad frame"}, false},
		{"wrapped timeout", fmt.Errorf("select: %w", &TimeoutError{Op: "select"}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isBreakerSuccess(tt.err))
		})
	}
}

func TestConn_CircuitBreakerOpens(t *testing.T) {
	srv := newServer(t)
	c := connect(t, srv, Options{
		RequestTimeout: 10 * time.Millisecond,
		CircuitBreakerSettings: &gobreaker.Settings{
			Name:    "test",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 2
			},
		},
	})
	srv.SetSilent(true)

	for range 2 {
		err := c.Ping(context.Background())
		var te *TimeoutError
		require.ErrorAs(t, err, &te)
	}

	// Open: requests fail fast without touching the socket.
	err := c.Ping(context.Background())
	require.ErrorIs(t, err, gobreaker.ErrOpenState)

	_, err = c.PingAsync().Wait(context.Background())
	require.ErrorIs(t, err, gobreaker.ErrOpenState)

	sel := c.SelectAsync(uint32(512), nil, []any{1}, SelectOptions{})
	select {
	case <-sel.Done():
	default:
		t.Fatal("select was not failed on the spot")
	}
	_, err = sel.Wait(context.Background())
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestConn_CircuitBreakerIgnoresServerErrors(t *testing.T) {
	srv := newServer(t)
	c := connect(t, srv, Options{
		CircuitBreakerSettings: &gobreaker.Settings{
			Name: "test",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 1
			},
		},
	})

	for range 3 {
		_, err := c.Call(context.Background(), "missing", nil)
		var se *ServerError
		require.ErrorAs(t, err, &se)
	}
	require.NoError(t, c.Ping(context.Background()))
}

func TestCircuitBreakerState_String(t *testing.T) {
	tests := []struct {
		state    gobreaker.State
		expected string
	}{
		{gobreaker.StateClosed, "closed"},
		{gobreaker.StateHalfOpen, "half-open"},
		{gobreaker.StateOpen, "open"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

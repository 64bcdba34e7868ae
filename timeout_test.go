package netbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/netbox/internal/testutils"
	"github.com/pior/netbox/iproto"
)

// TestTimeout_ZeroDurationUnreachable tests that a request with an expired
// deadline fails with a TimeoutError while the connection cannot connect.
func TestTimeout_ZeroDurationUnreachable(t *testing.T) {
	c, err := Connect([]string{closedAddr(t)}, Options{
		Reconnect: ReconnectPolicy{Interval: time.Hour},
	})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	err = c.Ping(ctx)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, te.Timeout())
	assert.EqualValues(t, 0, c.Stats().InFlight)
}

// TestTimeout_LateResponseDiscarded tests that the pending entry is removed
// on timeout and the response arriving afterwards is dropped.
func TestTimeout_LateResponseDiscarded(t *testing.T) {
	srv := newServer(t)
	c := connect(t, srv, Options{})
	srv.SetDelay(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Ping(ctx)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "ping", te.Op)

	stats := c.Stats()
	assert.EqualValues(t, 0, stats.InFlight)
	assert.EqualValues(t, 1, stats.Timeouts)

	require.Eventually(t, func() bool {
		return c.Stats().Discarded == 1
	}, time.Second, 5*time.Millisecond)

	// The socket is still healthy.
	srv.SetDelay(0)
	require.NoError(t, c.Ping(context.Background()))
}

// TestTimeout_ConfigDefaultTimeout tests that Options.RequestTimeout is
// applied when the context has no deadline
func TestTimeout_ConfigDefaultTimeout(t *testing.T) {
	srv := newServer(t)
	c := connect(t, srv, Options{RequestTimeout: 20 * time.Millisecond})
	srv.SetDelay(100 * time.Millisecond)

	err := c.Ping(context.Background())

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
}

// TestTimeout_ContextDeadlineOverridesDefault tests that the context
// deadline takes precedence over Options.RequestTimeout
func TestTimeout_ContextDeadlineOverridesDefault(t *testing.T) {
	srv := newServer(t)
	c := connect(t, srv, Options{RequestTimeout: 10 * time.Millisecond})
	srv.SetDelay(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, c.Ping(ctx))
}

// TestTimeout_AsyncRequest tests that async requests are bounded by
// Options.RequestTimeout
func TestTimeout_AsyncRequest(t *testing.T) {
	srv := newServer(t)
	c := connect(t, srv, Options{RequestTimeout: 20 * time.Millisecond})
	srv.SetSilent(true)

	p := c.PingAsync()

	_, err := p.Wait(context.Background())
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.EqualValues(t, 0, c.Stats().InFlight)
}

// TestTimeout_AsyncTimerStoppedOnResponse tests that the timeout of an
// async request is released as soon as its response is delivered
func TestTimeout_AsyncTimerStoppedOnResponse(t *testing.T) {
	c := &Conn{opts: Options{RequestTimeout: time.Hour}, stats: newStatsCollector()}
	gen := newGeneration(1, testutils.NewConnectionMock())

	p := newPromise[struct{}]()
	entry := enqueueAsync(c, gen, p, iproto.RequestPing, encodePing, decodeOK)
	require.NotNil(t, entry)
	require.NotNil(t, entry.timer.Load())

	taken, ok := gen.pending.take(1)
	require.True(t, ok)
	taken.deliver(iproto.Header{Code: iproto.CodeOK, Sync: 1}, nil)

	_, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, entry.timer.Load().Stop(), "timer already stopped")
}

// TestTimeout_AsyncTimerStoppedOnFailure tests that a failed async request
// does not keep its timer
func TestTimeout_AsyncTimerStoppedOnFailure(t *testing.T) {
	c := &Conn{opts: Options{RequestTimeout: time.Hour}, stats: newStatsCollector()}
	gen := newGeneration(1, testutils.NewConnectionMock())

	p := newPromise[struct{}]()
	entry := enqueueAsync(c, gen, p, iproto.RequestPing, encodePing, decodeOK)
	require.NotNil(t, entry)

	gen.fail(StateErrorReconnect, errors.New("connection reset"))

	_, err := p.Wait(context.Background())
	assertNotConnected(t, err, StateErrorReconnect)
	assert.False(t, entry.timer.Load().Stop(), "timer already stopped")
}

// TestTimeout_CanceledContext tests that cancellation is not reported as a
// timeout
func TestTimeout_CanceledContext(t *testing.T) {
	srv := newServer(t)
	c := connect(t, srv, Options{})
	srv.SetSilent(true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := c.Ping(ctx)
	require.ErrorIs(t, err, context.Canceled)

	var te *TimeoutError
	assert.False(t, errors.As(err, &te))
}

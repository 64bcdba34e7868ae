package netbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromise_Complete(t *testing.T) {
	p := newPromise[int]()

	_, ok, err := p.Result()
	assert.False(t, ok)
	assert.NoError(t, err)

	go p.complete(42, nil)

	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	select {
	case <-p.Done():
	default:
		t.Fatal("Done should be closed")
	}

	v, ok, err = p.Result()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPromise_Fail(t *testing.T) {
	p := newPromise[string]()
	boom := errors.New("boom")
	p.fail(boom)

	v, err := p.Wait(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Empty(t, v)
}

func TestPromise_CompleteTwicePanics(t *testing.T) {
	p := newPromise[int]()
	p.complete(1, nil)

	assert.Panics(t, func() { p.complete(2, nil) })

	v, _, _ := p.Result()
	assert.Equal(t, 1, v, "the first result stands")
}

func TestPromise_WaitContext(t *testing.T) {
	p := newPromise[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "wait", te.Op)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = p.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Waiting gave up but the promise can still complete.
	p.complete(7, nil)
	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestPromise_ManyWaiters(t *testing.T) {
	p := newPromise[int]()

	results := make(chan int, 8)
	for range 8 {
		go func() {
			v, _ := p.Wait(context.Background())
			results <- v
		}()
	}

	p.complete(3, nil)
	for range 8 {
		assert.Equal(t, 3, <-results)
	}
}

package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	failing := Func(func(context.Context, Request) (Result, error) {
		calls++
		return Result{}, errors.New("boom")
	})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(failing, BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute})
	b.now = clock.now

	for i := 0; i < 2; i++ {
		_, err := b.Classify(context.Background(), Request{Text: "x"})
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.State())

	_, err := b.Classify(context.Background(), Request{Text: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, 2, calls, "open breaker must not call through")
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	fail := true
	next := Func(func(context.Context, Request) (Result, error) {
		if fail {
			return Result{}, errors.New("boom")
		}
		return Result{Matched: true, Confidence: 1}, nil
	})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(next, BreakerConfig{MaxFailures: 1, OpenTimeout: time.Second})
	b.now = clock.now

	_, _ = b.Classify(context.Background(), Request{Text: "x"})
	require.Equal(t, StateOpen, b.State())

	clock.t = clock.t.Add(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	fail = false
	res, err := b.Classify(context.Background(), Request{Text: "x"})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	next := Func(func(context.Context, Request) (Result, error) {
		return Result{}, errors.New("still down")
	})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(next, BreakerConfig{MaxFailures: 3, OpenTimeout: time.Second})
	b.now = clock.now

	for i := 0; i < 3; i++ {
		_, _ = b.Classify(context.Background(), Request{Text: "x"})
	}
	require.Equal(t, StateOpen, b.State())

	clock.t = clock.t.Add(2 * time.Second)
	_, err := b.Classify(context.Background(), Request{Text: "x"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	next := Func(func(ctx context.Context, _ Request) (Result, error) {
		return Result{}, context.Canceled
	})
	b := NewBreaker(next, BreakerConfig{MaxFailures: 1, OpenTimeout: time.Minute})

	_, err := b.Classify(context.Background(), Request{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, StateClosed, b.State())
}

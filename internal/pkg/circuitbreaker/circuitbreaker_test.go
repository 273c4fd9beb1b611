package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 503")

func fail(context.Context) error { return errUpstream }
func ok(context.Context) error   { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	var transitions []State
	b := New(Config{
		Name:      "openai",
		Threshold: 2,
		Cooldown:  time.Minute,
		OnStateChange: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	})
	ctx := context.Background()

	assert.ErrorIs(t, b.Do(ctx, fail), errUpstream)
	assert.Equal(t, Closed, b.State())
	assert.ErrorIs(t, b.Do(ctx, fail), errUpstream)
	assert.Equal(t, Open, b.State())

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, []State{Open}, transitions)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New(Config{Name: "anthropic", Threshold: 1, Cooldown: time.Second})
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	require.Error(t, b.Do(ctx, fail))
	require.Equal(t, Open, b.State())

	now = now.Add(2 * time.Second)
	require.NoError(t, b.Do(ctx, ok))
	assert.Equal(t, Closed, b.State())

	require.Error(t, b.Do(ctx, fail))
	now = now.Add(2 * time.Second)
	require.Error(t, b.Do(ctx, fail))
	assert.Equal(t, Open, b.State(), "failed probe reopens")
}

func TestBreakerIgnoresCancellationAndTripFilter(t *testing.T) {
	b := New(Config{
		Threshold: 1,
		Trip:      func(err error) bool { return !errors.Is(err, errUpstream) },
	})
	ctx := context.Background()

	_ = b.Do(ctx, func(context.Context) error { return context.Canceled })
	assert.Equal(t, Closed, b.State())
	_ = b.Do(ctx, fail)
	assert.Equal(t, Closed, b.State())
}

func TestCall(t *testing.T) {
	b := New(Config{})
	got, err := Call(context.Background(), b, func(context.Context) (string, error) {
		return "pong", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", got)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Call(cancelled, b, func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

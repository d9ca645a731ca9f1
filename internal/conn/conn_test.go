package conn

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/trip-presence/internal/channel"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

func noJitter() *Backoff {
	return NewBackoff(DefaultBackoffBase, DefaultBackoffCap).WithRand(func() float64 { return 0.5 })
}

func TestMachine_Lifecycle(t *testing.T) {
	m := NewMachine(noJitter(), 0)
	assert.Equal(t, types.StateDisconnected, m.State())
	assert.False(t, m.Queueing())

	require.NoError(t, m.Connect())
	assert.Equal(t, types.StateConnecting, m.State())
	assert.True(t, m.Queueing())
	assert.ErrorIs(t, m.Connect(), ErrInvalidTransition)

	prev, err := m.Ready()
	require.NoError(t, err)
	assert.Equal(t, types.StateConnecting, prev)
	assert.Equal(t, types.StateConnected, m.State())

	delay, retry := m.Fail(errors.New("socket closed"))
	assert.True(t, retry)
	assert.Equal(t, 500*time.Millisecond, delay)
	assert.Equal(t, types.StateReconnecting, m.State())
	assert.True(t, m.Queueing())

	delay, retry = m.Fail(errors.New("dial refused"))
	assert.True(t, retry)
	assert.Equal(t, time.Second, delay)
	assert.Equal(t, 2, m.Attempt())

	prev, err = m.Ready()
	require.NoError(t, err)
	assert.Equal(t, types.StateReconnecting, prev)
	assert.Equal(t, 0, m.Attempt())

	_, err = m.Ready()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	m.Disconnect()
	assert.Equal(t, types.StateDisconnected, m.State())
	_, retry = m.Fail(errors.New("late failure"))
	assert.False(t, retry, "a stopped machine never schedules a retry")
}

func TestMachine_UnrecoverableFailureDisconnects(t *testing.T) {
	m := NewMachine(noJitter(), 0)
	require.NoError(t, m.Connect())

	_, retry := m.Fail(fmt.Errorf("join: %w", channel.ErrUnrecoverable))
	assert.False(t, retry)
	assert.Equal(t, types.StateDisconnected, m.State())
}

func TestMachine_MaxAttempts(t *testing.T) {
	m := NewMachine(noJitter(), 2)
	require.NoError(t, m.Connect())

	_, retry := m.Fail(errors.New("1"))
	assert.True(t, retry)
	_, retry = m.Fail(errors.New("2"))
	assert.True(t, retry)
	_, retry = m.Fail(errors.New("3"))
	assert.False(t, retry)
	assert.Equal(t, types.StateDisconnected, m.State())
}

func TestBackoff_Delays(t *testing.T) {
	b := noJitter()
	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 10 * time.Second, 10 * time.Second,
	}
	for attempt, w := range want {
		assert.Equal(t, w, b.Delay(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 10*time.Second, b.Delay(1000), "large attempts stay capped")
}

func TestBackoff_JitterBounds(t *testing.T) {
	low := NewBackoff(time.Second, 10*time.Second).WithRand(func() float64 { return 0 })
	high := NewBackoff(time.Second, 10*time.Second).WithRand(func() float64 { return 0.999999 })

	assert.InDelta(t, float64(800*time.Millisecond), float64(low.Delay(0)), float64(time.Millisecond))
	assert.InDelta(t, float64(1200*time.Millisecond), float64(high.Delay(0)), float64(time.Millisecond))

	jittered := NewBackoff(time.Second, 10*time.Second)
	for range 100 {
		d := jittered.Delay(3)
		assert.GreaterOrEqual(t, d, 6399*time.Millisecond)
		assert.LessOrEqual(t, d, 9601*time.Millisecond)
	}
}

func TestQueue_DropsOldest(t *testing.T) {
	q := NewQueue[string](2)

	_, dropped := q.Push("a")
	assert.False(t, dropped)
	q.Push("b")
	old, dropped := q.Push("c")
	assert.True(t, dropped)
	assert.Equal(t, "a", old)

	assert.Equal(t, []string{"b", "c"}, q.Drain())
	assert.Equal(t, 0, q.Len())

	q.Push("d")
	assert.Equal(t, []string{"d"}, q.Clear())
	assert.Nil(t, q.Drain())
}

func TestConnectionError_Unwraps(t *testing.T) {
	err := &ConnectionError{Scope: "trip-1", Attempt: 3, Err: channel.ErrClosed}
	assert.ErrorIs(t, err, channel.ErrClosed)
	assert.Contains(t, err.Error(), "attempt 3")
}

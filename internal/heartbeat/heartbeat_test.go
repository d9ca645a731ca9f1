package heartbeat

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTimingsAreValid(t *testing.T) {
	require.NoError(t, DefaultTimings().Validate())
}

func TestTimingsValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Timings)
	}{
		{"zero heartbeat", func(tm *Timings) { tm.HeartbeatInterval = 0 }},
		{"stale not above heartbeat", func(tm *Timings) { tm.StaleThreshold = tm.HeartbeatInterval }},
		{"lease not above stale", func(tm *Timings) { tm.LeaseDuration = tm.StaleThreshold }},
		{"45s stale against 30s lease", func(tm *Timings) { tm.StaleThreshold = 45 * time.Second }},
		{"pending past stale", func(tm *Timings) { tm.PendingAfter = tm.StaleThreshold }},
		{"no snapshot timeout", func(tm *Timings) { tm.SnapshotTimeout = 0 }},
		{"cap below base", func(tm *Timings) { tm.BackoffCap = tm.BackoffBase / 2 }},
		{"negative settle", func(tm *Timings) { tm.ClaimSettle = -time.Millisecond }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tm := DefaultTimings()
			tc.mutate(&tm)
			assert.ErrorIs(t, tm.Validate(), ErrTimings)
		})
	}
}

func TestSourceTicksOnlyWhileRunning(t *testing.T) {
	clk := clockwork.NewFakeClock()
	src := New(clk, time.Second)

	assert.Nil(t, src.C(), "stopped source must expose a nil channel")

	src.Start()
	require.True(t, src.Running())
	ch := src.C()

	clk.Advance(time.Second)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for tick")
	}

	src.Stop()
	src.Stop()
	assert.False(t, src.Running())
	assert.Nil(t, src.C())
}

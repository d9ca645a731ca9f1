package editlock

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/trip-presence/pkg/types"
)

func TestRequest_ExampleScenario(t *testing.T) {
	m := NewManager(30 * time.Second)

	a := m.Request("item-1", "A", 0)
	require.True(t, a.Granted)
	assert.EqualValues(t, 30_000, a.Lock.ExpiresAtMs)

	b := m.Request("item-1", "B", 100)
	assert.False(t, b.Granted)
	assert.Equal(t, "A", b.Holder)

	require.NoError(t, m.Release("item-1", "A"))

	b = m.Request("item-1", "B", 600)
	assert.True(t, b.Granted)
	assert.Equal(t, "B", b.Holder)
}

func TestRequest_ReentrantRenewalNeverDenies(t *testing.T) {
	m := NewManager(30 * time.Second)
	first := m.Request("item", "A", 0)
	require.True(t, first.Granted)

	prev := first.Lock.ExpiresAtMs
	for now := int64(1_000); now <= 20_000; now += 1_000 {
		r := m.Request("item", "A", now)
		require.True(t, r.Granted, "renewal at %d", now)
		assert.True(t, r.Renewed)
		assert.Greater(t, r.Lock.ExpiresAtMs, prev)
		assert.EqualValues(t, 0, r.Lock.AcquiredAtMs, "renewal keeps the original acquisition time")
		prev = r.Lock.ExpiresAtMs
	}
}

func TestRequest_ExpiredLockIsGranted(t *testing.T) {
	m := NewManager(30 * time.Second)
	m.Request("item", "A", 0)

	r := m.Request("item", "B", 30_000)
	assert.False(t, r.Granted, "expiresAtMs == now is still live")

	r = m.Request("item", "B", 30_001)
	assert.True(t, r.Granted)
	assert.Equal(t, "B", r.Holder)
}

func TestRequest_OneItemPerParticipant(t *testing.T) {
	m := NewManager(30 * time.Second)
	m.Request("item-1", "A", 0)

	r := m.Request("item-2", "A", 10)
	require.True(t, r.Granted)
	require.NotNil(t, r.Replaced)
	assert.Equal(t, "item-1", r.Replaced.ItemID)

	_, held := m.Holder("item-1", 10)
	assert.False(t, held)
	l, ok := m.HeldBy("A", 10)
	require.True(t, ok)
	assert.Equal(t, "item-2", l.ItemID)
}

func TestHolder_NeverReportsExpired(t *testing.T) {
	m := NewManager(time.Second)
	m.Request("item", "A", 0)

	_, ok := m.Holder("item", 1_000)
	assert.True(t, ok)
	_, ok = m.Holder("item", 1_001)
	assert.False(t, ok)
	assert.Empty(t, m.Snapshot(1_001))

	swept := m.Sweep(1_001)
	require.Len(t, swept, 1)
	assert.Equal(t, 0, m.Len())
}

func TestRelease_OnlyHolder(t *testing.T) {
	m := NewManager(30 * time.Second)
	assert.ErrorIs(t, m.Release("item", "A"), ErrNotHeld)

	m.Request("item", "A", 0)
	assert.ErrorIs(t, m.Release("item", "B"), ErrNotHolder)
	assert.NoError(t, m.Release("item", "A"))
}

func TestApplyReleased_IgnoresStaleHolder(t *testing.T) {
	m := NewManager(30 * time.Second)
	m.ApplyAcquired(types.EditLock{ItemID: "item", HolderID: "B", AcquiredAtMs: 10, ExpiresAtMs: 30_010}, 10)

	assert.False(t, m.ApplyReleased("item", "A"))
	assert.True(t, m.ApplyReleased("item", "B"))
}

func TestApplyAcquired_TieBreak(t *testing.T) {
	cases := []struct {
		name       string
		local      types.EditLock
		incoming   types.EditLock
		wantHolder string
		displaced  string
	}{
		{
			name:       "earlier incoming wins",
			local:      types.EditLock{ItemID: "i", HolderID: "A", AcquiredAtMs: 200, ExpiresAtMs: 30_200},
			incoming:   types.EditLock{ItemID: "i", HolderID: "B", AcquiredAtMs: 100, ExpiresAtMs: 30_100},
			wantHolder: "B",
			displaced:  "A",
		},
		{
			name:       "later incoming loses",
			local:      types.EditLock{ItemID: "i", HolderID: "A", AcquiredAtMs: 100, ExpiresAtMs: 30_100},
			incoming:   types.EditLock{ItemID: "i", HolderID: "B", AcquiredAtMs: 200, ExpiresAtMs: 30_200},
			wantHolder: "A",
		},
		{
			name:       "tie goes to smaller id",
			local:      types.EditLock{ItemID: "i", HolderID: "bob", AcquiredAtMs: 100, ExpiresAtMs: 30_100},
			incoming:   types.EditLock{ItemID: "i", HolderID: "alice", AcquiredAtMs: 100, ExpiresAtMs: 30_100},
			wantHolder: "alice",
			displaced:  "bob",
		},
		{
			name:       "tie keeps smaller id",
			local:      types.EditLock{ItemID: "i", HolderID: "alice", AcquiredAtMs: 100, ExpiresAtMs: 30_100},
			incoming:   types.EditLock{ItemID: "i", HolderID: "bob", AcquiredAtMs: 100, ExpiresAtMs: 30_100},
			wantHolder: "alice",
		},
		{
			name:       "expired local loses to anything live",
			local:      types.EditLock{ItemID: "i", HolderID: "A", AcquiredAtMs: 0, ExpiresAtMs: 50},
			incoming:   types.EditLock{ItemID: "i", HolderID: "B", AcquiredAtMs: 90, ExpiresAtMs: 30_090},
			wantHolder: "B",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(30 * time.Second)
			m.ApplyAcquired(tc.local, tc.local.AcquiredAtMs)

			out := m.ApplyAcquired(tc.incoming, 100)

			l, ok := m.Holder("i", 100)
			require.True(t, ok)
			assert.Equal(t, tc.wantHolder, l.HolderID)
			assert.Equal(t, tc.displaced, out.Displaced)
		})
	}
}

func TestApplyAcquired_SameHolderExtends(t *testing.T) {
	m := NewManager(30 * time.Second)
	m.ApplyAcquired(types.EditLock{ItemID: "i", HolderID: "A", AcquiredAtMs: 0, ExpiresAtMs: 30_000}, 0)

	out := m.ApplyAcquired(types.EditLock{ItemID: "i", HolderID: "A", AcquiredAtMs: 0, ExpiresAtMs: 45_000}, 15_000)
	assert.True(t, out.Applied)
	assert.EqualValues(t, 45_000, out.Current.ExpiresAtMs)

	dup := m.ApplyAcquired(types.EditLock{ItemID: "i", HolderID: "A", AcquiredAtMs: 0, ExpiresAtMs: 30_000}, 15_000)
	assert.False(t, dup.Applied, "a duplicate of the older lease changes nothing")
	assert.EqualValues(t, 45_000, dup.Current.ExpiresAtMs)
}

func TestApplyAcquired_LateDuplicateAfterReleaseIsIgnored(t *testing.T) {
	m := NewManager(30 * time.Second)
	claim := types.EditLock{ItemID: "i", HolderID: "A", AcquiredAtMs: 0, ExpiresAtMs: 30_000}
	m.ApplyAcquired(claim, 0)
	require.True(t, m.ApplyReleased("i", "A"))

	out := m.ApplyAcquired(claim, 500)
	assert.False(t, out.Applied)
	_, held := m.Holder("i", 500)
	assert.False(t, held)

	r := m.Request("i", "A", 0)
	require.True(t, r.Granted)
	assert.Greater(t, r.Lock.AcquiredAtMs, claim.AcquiredAtMs, "re-claim in the same millisecond must not look like the released one")
}

func TestApplyAcquired_StaleClaimDoesNotUndoNewerItem(t *testing.T) {
	m := NewManager(30 * time.Second)
	m.ApplyAcquired(types.EditLock{ItemID: "item-2", HolderID: "A", AcquiredAtMs: 10, ExpiresAtMs: 30_010}, 10)

	out := m.ApplyAcquired(types.EditLock{ItemID: "item-1", HolderID: "A", AcquiredAtMs: 0, ExpiresAtMs: 30_000}, 20)

	assert.False(t, out.Applied)
	l, ok := m.HeldBy("A", 20)
	require.True(t, ok)
	assert.Equal(t, "item-2", l.ItemID)
}

func TestOnChange_FiresOnHolderTransitions(t *testing.T) {
	m := NewManager(30 * time.Second)
	var got []Change
	m.OnChange(func(c Change) { got = append(got, c) })

	m.Request("i", "B", 100)
	m.Request("i", "B", 200) // renewal: silent
	m.ApplyAcquired(types.EditLock{ItemID: "i", HolderID: "A", AcquiredAtMs: 50, ExpiresAtMs: 30_050}, 200)
	require.NoError(t, m.Release("i", "A"))

	assert.Equal(t, []Change{
		{ItemID: "i", Holder: "B", Reason: ReasonAcquired},
		{ItemID: "i", Previous: "B", Holder: "A", Reason: ReasonDisplaced},
		{ItemID: "i", Previous: "A", Reason: ReasonReleased},
	}, got)
}

func TestReplace_ResolvesConflictsDeterministically(t *testing.T) {
	m := NewManager(30 * time.Second)
	m.Request("old", "Z", 0)

	m.Replace([]types.EditLock{
		{ItemID: "i", HolderID: "B", AcquiredAtMs: 5, ExpiresAtMs: 30_005},
		{ItemID: "i", HolderID: "A", AcquiredAtMs: 5, ExpiresAtMs: 30_005},
		{ItemID: "j", HolderID: "C", AcquiredAtMs: 1, ExpiresAtMs: 30_001},
	})

	snap := m.Snapshot(10)
	require.Len(t, snap, 2)
	assert.Equal(t, "A", snap[0].HolderID)
	assert.Equal(t, "j", snap[1].ItemID)
}

// TestConvergence_AtMostOneHolder simulates several clients racing for the
// same item. Each client grants itself optimistically, then every claim is
// delivered to every client in a random order with duplicates. All clients
// must agree on exactly one holder: the earliest claim, ties to the smaller
// id.
func TestConvergence_AtMostOneHolder(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for round := 0; round < 200; round++ {
		n := 2 + rng.IntN(5)
		clients := make([]*Manager, n)
		claims := make([]types.EditLock, 0, n)
		for i := range clients {
			clients[i] = NewManager(30 * time.Second)
			id := fmt.Sprintf("p%d", i)
			at := int64(rng.IntN(3)) // frequent ties
			r := clients[i].Request("item", id, at)
			require.True(t, r.Granted)
			claims = append(claims, r.Lock)
		}

		want := claims[0]
		for _, c := range claims[1:] {
			if Wins(c, want) {
				want = c
			}
		}

		for _, m := range clients {
			deliveries := append(append([]types.EditLock{}, claims...), claims...)
			rng.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })
			for _, d := range deliveries {
				m.ApplyAcquired(d, 5)
			}
			got, ok := m.Holder("item", 5)
			require.True(t, ok, "round %d", round)
			require.Equal(t, want.HolderID, got.HolderID, "round %d", round)
			require.Equal(t, 1, m.Len())
		}
	}
}

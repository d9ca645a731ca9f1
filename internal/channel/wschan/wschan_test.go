package wschan

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/trip-presence/internal/channel"
	"github.com/DoyleJ11/trip-presence/internal/heartbeat"
	"github.com/DoyleJ11/trip-presence/internal/httpapi"
	"github.com/DoyleJ11/trip-presence/internal/hub"
	"github.com/DoyleJ11/trip-presence/internal/room"
	"github.com/DoyleJ11/trip-presence/internal/ws"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

type inbox struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (i *inbox) handle(_ string, m types.Message) {
	i.mu.Lock()
	i.msgs = append(i.msgs, m)
	i.mu.Unlock()
}

func (i *inbox) find(typ types.MessageType) (types.Message, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, m := range i.msgs {
		if m.Type == typ {
			return m, true
		}
	}
	return types.Message{}, false
}

func startRelay(t *testing.T) (endpoint string, stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.NewHub(ctx, room.Config{Timings: heartbeat.DefaultTimings()})
	srv := httptest.NewServer(httpapi.SetupRoutes(h, ws.Options{}))
	stop = func() {
		cancel()
		srv.Close()
	}
	t.Cleanup(stop)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", stop
}

func TestClient_RelaysBetweenPeers(t *testing.T) {
	endpoint, _ := startRelay(t)
	ctx := context.Background()

	a, b := New(endpoint), New(endpoint)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	var ia, ib inbox
	a.OnMessage(ia.handle)
	b.OnMessage(ib.handle)

	_, err := a.Join(ctx, "trip-1")
	require.NoError(t, err)
	_, err = b.Join(ctx, "trip-1")
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	require.Eventually(t, func() bool {
		// the relay registers a connection asynchronously; repeat until seen
		_ = a.Publish(ctx, "trip-1", types.JoinMessage("", types.ParticipantPresence{ParticipantID: "alice", LastActiveAtMs: now}))
		_, ok := ib.find(types.TypeJoin)
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	got, _ := ib.find(types.TypeJoin)
	assert.Equal(t, "alice", got.ParticipantID)
	assert.Equal(t, "trip-1", got.Scope)

	require.NoError(t, b.Publish(ctx, "trip-1", types.SnapshotRequestMessage("", "req-1")))
	require.Eventually(t, func() bool {
		_, ok := ib.find(types.TypeSnapshotResponse)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	resp, _ := ib.find(types.TypeSnapshotResponse)
	assert.Equal(t, "req-1", resp.RequestID)
	require.Len(t, resp.Participants, 1)
	_, seen := ia.find(types.TypeSnapshotResponse)
	assert.False(t, seen)
}

func TestClient_RelayGoneEndsSubscription(t *testing.T) {
	endpoint, stop := startRelay(t)
	c := New(endpoint)

	sub, err := c.Join(context.Background(), "trip-1")
	require.NoError(t, err)

	stop()

	select {
	case <-sub.Done():
		assert.Error(t, sub.Err())
	case <-time.After(3 * time.Second):
		t.Fatalf("subscription survived relay shutdown")
	}
	err = c.Publish(context.Background(), "trip-1", types.LeaveMessage("", "x"))
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestClient_RefusedDialIsUnrecoverable(t *testing.T) {
	endpoint, _ := startRelay(t)
	c := New(strings.TrimSuffix(endpoint, "/ws") + "/nope")

	_, err := c.Join(context.Background(), "trip-1")
	assert.ErrorIs(t, err, channel.ErrUnrecoverable)
}

func TestClient_LeaveIsClean(t *testing.T) {
	endpoint, _ := startRelay(t)
	c := New(endpoint)

	sub, err := c.Join(context.Background(), "trip-1")
	require.NoError(t, err)
	require.NoError(t, c.Leave(sub))
	assert.NoError(t, sub.Err())
	assert.ErrorIs(t, c.Leave(sub), channel.ErrUnknownSubscription)
}

package redischan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/trip-presence/internal/channel"
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

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func (i *inbox) first() types.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.msgs[0]
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, rdb
}

func TestClient_PublishReachesEverySubscriber(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()

	a, b := New(rdb), New(rdb)
	var ia, ib inbox
	a.OnMessage(ia.handle)
	b.OnMessage(ib.handle)

	_, err := a.Join(ctx, "trip-1")
	require.NoError(t, err)
	_, err = b.Join(ctx, "trip-1")
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, "trip-1", types.LeaveMessage("", "alice")))

	require.Eventually(t, func() bool { return ia.len() == 1 && ib.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	got := ib.first()
	assert.Equal(t, types.TypeLeave, got.Type)
	assert.Equal(t, "trip-1", got.Scope)
	assert.Equal(t, "alice", got.ParticipantID)
}

func TestClient_PrefixIsolatesScopes(t *testing.T) {
	s, rdb := setupTestRedis(t)
	ctx := context.Background()

	c := New(rdb, WithPrefix("test:"))
	_, err := c.Join(ctx, "trip-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"test:trip-1"}, s.PubSubChannels(""))
}

func TestClient_UndecodablePayloadIsDropped(t *testing.T) {
	s, rdb := setupTestRedis(t)
	ctx := context.Background()

	c := New(rdb)
	var in inbox
	c.OnMessage(in.handle)
	_, err := c.Join(ctx, "trip-1")
	require.NoError(t, err)

	s.Publish(DefaultPrefix+"trip-1", "not json")
	require.NoError(t, c.Publish(ctx, "trip-1", types.LeaveMessage("", "bob")))

	require.Eventually(t, func() bool { return in.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "bob", in.first().ParticipantID)
}

func TestClient_LeaveAndServerLoss(t *testing.T) {
	s, rdb := setupTestRedis(t)
	ctx := context.Background()
	c := New(rdb)

	sub, err := c.Join(ctx, "trip-1")
	require.NoError(t, err)
	require.NoError(t, c.Leave(sub))
	assert.NoError(t, sub.Err())
	assert.ErrorIs(t, c.Leave(sub), channel.ErrUnknownSubscription)

	sub, err = c.Join(ctx, "trip-1")
	require.NoError(t, err)
	s.Close()

	select {
	case <-sub.Done():
		assert.Error(t, sub.Err())
	case <-time.After(3 * time.Second):
		t.Fatalf("subscription survived redis shutdown")
	}
}

func TestDial_BadURLIsUnrecoverable(t *testing.T) {
	_, err := Dial(context.Background(), "://nope")
	assert.ErrorIs(t, err, channel.ErrUnrecoverable)
}

func TestDial_OwnsClient(t *testing.T) {
	s := miniredis.RunT(t)
	c, err := Dial(context.Background(), "redis://"+s.Addr())
	require.NoError(t, err)

	_, err = c.Join(context.Background(), "trip-1")
	require.NoError(t, err)
	assert.NoError(t, c.Close())
	assert.Error(t, c.rdb.Ping(context.Background()).Err(), "client closed with the channel")
}

// Package memchan is an in-process presence channel. A Bus stands in for
// the network: every Client created from it shares the same scopes.
//
// Delivery to each subscription runs on its own goroutine behind a bounded
// queue. A subscriber that falls behind is severed, the same rule the relay
// applies to slow websocket clients.
package memchan

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/trip-presence/internal/channel"
	"github.com/DoyleJ11/trip-presence/internal/heartbeat"
	"github.com/DoyleJ11/trip-presence/internal/room"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

var (
	ErrDown         = errors.New("memchan: bus is down")
	ErrSevered      = errors.New("memchan: subscription severed")
	ErrSlowConsumer = errors.New("memchan: subscriber fell behind")
	ErrNotJoined    = errors.New("memchan: scope not joined")
)

const defaultBuffer = 256

type Option func(*Bus)

// WithBuffer sets the per-subscription delivery queue size.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithDuplicates delivers every message twice.
func WithDuplicates() Option {
	return func(b *Bus) { b.dup = true }
}

// WithSnapshots makes the bus track each scope and answer snapshot
// requests itself, like the relay server does.
func WithSnapshots(t heartbeat.Timings) Option {
	return func(b *Bus) {
		b.snapshots = true
		b.timings = t
	}
}

func WithClock(clk clockwork.Clock) Option {
	return func(b *Bus) { b.clk = clk }
}

func WithLogger(log *zap.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

type Bus struct {
	buffer    int
	dup       bool
	snapshots bool
	timings   heartbeat.Timings
	clk       clockwork.Clock
	log       *zap.Logger

	mu     sync.Mutex
	down   bool
	scopes map[string][]*member
	states map[string]*room.State
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		buffer: defaultBuffer,
		clk:    clockwork.NewRealClock(),
		log:    zap.NewNop(),
		scopes: make(map[string][]*member),
		states: make(map[string]*room.State),
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.Named("memchan")
	return b
}

// Client returns a new endpoint on the bus, the in-process equivalent of
// one network connection.
func (b *Bus) Client() *Client {
	return &Client{bus: b}
}

// SetDown simulates an outage. While down, Join and Publish fail and every
// live subscription is severed.
func (b *Bus) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	var all []*member
	if down {
		for _, ms := range b.scopes {
			all = append(all, ms...)
		}
	}
	b.mu.Unlock()

	for _, m := range all {
		b.end(m, ErrSevered)
	}
}

// Sever drops every subscription on scope as if the network had failed.
func (b *Bus) Sever(scope string) {
	b.mu.Lock()
	ms := slices.Clone(b.scopes[scope])
	b.mu.Unlock()

	for _, m := range ms {
		b.end(m, ErrSevered)
	}
}

// Subscribers reports the live subscriptions on scope.
func (b *Bus) Subscribers(scope string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.scopes[scope])
}

// Snapshot returns the bus-side view of scope when WithSnapshots is set.
func (b *Bus) Snapshot(scope string) (types.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[scope]
	if !ok {
		return types.Snapshot{}, false
	}
	return st.Snapshot(), true
}

type member struct {
	client *Client
	sub    *channel.Sub
	queue  chan types.Message
	seen   map[string]bool // guarded by Bus.mu
}

func (b *Bus) join(c *Client, scope string) (*member, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, ErrDown
	}
	m := &member{
		client: c,
		sub:    channel.NewSub(scope),
		queue:  make(chan types.Message, b.buffer),
		seen:   make(map[string]bool),
	}
	b.scopes[scope] = append(b.scopes[scope], m)
	if b.snapshots && b.states[scope] == nil {
		b.states[scope] = room.NewState(scope, b.clk, b.timings, b.log)
	}
	go m.deliver()
	return m, nil
}

func (m *member) deliver() {
	for {
		select {
		case <-m.sub.Done():
			return
		case msg := <-m.queue:
			if h := m.client.handler(); h != nil {
				h(m.sub.Scope(), msg)
			}
		}
	}
}

// end removes m and, when the bus tracks state, releases what its
// participants held so peers converge.
func (b *Bus) end(m *member, err error) {
	if !m.sub.End(err) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	scope := m.sub.Scope()
	b.scopes[scope] = slices.DeleteFunc(b.scopes[scope], func(x *member) bool { return x == m })
	if len(b.scopes[scope]) == 0 {
		delete(b.scopes, scope)
	}
	if err != nil {
		b.log.Debug("subscription ended", zap.String("scope", scope), zap.Error(err))
	}

	st := b.states[scope]
	if st == nil {
		return
	}
	ids := make([]string, 0, len(m.seen))
	for id := range m.seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		for _, msg := range st.Forget(id) {
			b.fanout(scope, msg)
		}
	}
}

func (b *Bus) publish(from *member, msg types.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrDown
	}
	scope := from.sub.Scope()
	msg.Scope = scope

	if st := b.states[scope]; st != nil {
		switch msg.Type {
		case types.TypeSnapshotRequest:
			b.enqueue(from, types.SnapshotResponseMessage(scope, msg.RequestID, st.Snapshot()))
			return nil
		case types.TypeSnapshotResponse:
			return nil
		case types.TypeJoin, types.TypeUpdate:
			from.seen[msg.ParticipantID] = true
		case types.TypeLeave:
			delete(from.seen, msg.ParticipantID)
		}
		st.Apply(msg)
	}

	b.fanout(scope, msg)
	return nil
}

// fanout must be called with b.mu held.
func (b *Bus) fanout(scope string, msg types.Message) {
	for _, m := range slices.Clone(b.scopes[scope]) {
		b.enqueue(m, msg)
		if b.dup {
			b.enqueue(m, msg)
		}
	}
}

// enqueue must be called with b.mu held.
func (b *Bus) enqueue(m *member, msg types.Message) {
	if m.sub.Ended() {
		return
	}
	select {
	case m.queue <- msg:
	default:
		// end takes b.mu; sever from outside the lock
		go b.end(m, ErrSlowConsumer)
	}
}

// Client is one endpoint on a Bus. It implements channel.Channel.
type Client struct {
	bus *Bus

	mu      sync.Mutex
	h       channel.Handler
	members []*member
}

var _ channel.Channel = (*Client)(nil)

func (c *Client) handler() channel.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

func (c *Client) OnMessage(h channel.Handler) {
	c.mu.Lock()
	c.h = h
	c.mu.Unlock()
}

func (c *Client) Join(ctx context.Context, scope string) (channel.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := c.bus.join(c, scope)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", scope, err)
	}
	c.mu.Lock()
	c.members = slices.DeleteFunc(c.members, func(x *member) bool { return x.sub.Ended() })
	c.members = append(c.members, m)
	c.mu.Unlock()
	return m.sub, nil
}

func (c *Client) Publish(ctx context.Context, scope string, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := c.live(scope)
	if m == nil {
		return fmt.Errorf("publish %s: %w", scope, ErrNotJoined)
	}
	return c.bus.publish(m, msg)
}

func (c *Client) Leave(sub channel.Subscription) error {
	c.mu.Lock()
	i := slices.IndexFunc(c.members, func(m *member) bool { return m.sub == sub })
	if i < 0 {
		c.mu.Unlock()
		return channel.ErrUnknownSubscription
	}
	m := c.members[i]
	c.members = slices.Delete(c.members, i, i+1)
	c.mu.Unlock()

	c.bus.end(m, nil)
	return nil
}

// Close leaves every scope joined through c.
func (c *Client) Close() error {
	c.mu.Lock()
	ms := c.members
	c.members = nil
	c.mu.Unlock()
	for _, m := range ms {
		c.bus.end(m, nil)
	}
	return nil
}

func (c *Client) live(scope string) *member {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.members) - 1; i >= 0; i-- {
		m := c.members[i]
		if m.sub.Scope() == scope && !m.sub.Ended() {
			return m
		}
	}
	return nil
}

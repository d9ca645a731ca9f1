// Package room runs the relay side of one scope: it fans messages out to
// every connected client, tracks the authoritative state and answers
// snapshot requests.
package room

import (
	"context"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/trip-presence/internal/heartbeat"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

type Msg interface{ isRoomMsg() }

type FromClient struct {
	ClientID string
	Msg      types.Message
}

func (FromClient) isRoomMsg() {}

type Join struct {
	ClientID string
	Outbox   chan types.Message // where this client wants to receive messages
}

func (Join) isRoomMsg() {}

type Leave struct{ ClientID string }

func (Leave) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRoomMsg() {}

type View struct {
	Scope      string
	NumClients int
	Snapshot   types.Snapshot
}

type Config struct {
	Timings heartbeat.Timings
	Clock   clockwork.Clock
	Logger  *zap.Logger
	// OnIdle is called from the room loop when a sweep finds no clients and
	// no participants left.
	OnIdle func(*Room)
}

type client struct {
	out  chan types.Message
	seen map[string]bool // participant ids that spoke on this connection
}

type Room struct {
	scope   string
	inbox   chan Msg
	state   *State
	clients map[string]*client
	clk     clockwork.Clock
	sweep   time.Duration
	onIdle  func(*Room)
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRoom(parent context.Context, scope string, cfg Config) *Room {
	ctx, cancel := context.WithCancel(parent)
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timings.HeartbeatInterval <= 0 {
		cfg.Timings = heartbeat.DefaultTimings()
	}
	log := cfg.Logger.Named("room").With(zap.String("scope", scope))

	r := &Room{
		scope:   scope,
		inbox:   make(chan Msg, 64),
		state:   NewState(scope, cfg.Clock, cfg.Timings, log),
		clients: make(map[string]*client),
		clk:     cfg.Clock,
		sweep:   cfg.Timings.HeartbeatInterval,
		onIdle:  cfg.OnIdle,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}

	go r.loop()
	return r
}

func (r *Room) Scope() string { return r.scope }

// Done is closed when the room shuts down.
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

// Close stops the room without going through the inbox.
func (r *Room) Close() { r.cancel() }

// Expose the inbox so tests or WS layer can send messages.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Send delivers m unless the room has shut down or ctx ends first.
func (r *Room) Send(ctx context.Context, m Msg) bool {
	select {
	case <-r.ctx.Done():
		return false
	default:
	}
	select {
	case r.inbox <- m:
		return true
	case <-r.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Room) loop() {
	ticker := r.clk.NewTicker(r.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case <-ticker.Chan():
			removed, expired := r.state.Sweep()
			if len(removed) > 0 || len(expired) > 0 {
				r.log.Debug("swept", zap.Strings("participants", removed), zap.Int("locks", len(expired)))
			}
			if len(r.clients) == 0 && r.state.Participants() == 0 && r.onIdle != nil {
				r.onIdle(r)
			}

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.clients[msg.ClientID] = &client{out: msg.Outbox, seen: make(map[string]bool)}
				r.log.Debug("client joined", zap.String("client", msg.ClientID))

			case Leave:
				c, ok := r.clients[msg.ClientID]
				if !ok {
					break
				}
				delete(r.clients, msg.ClientID)
				r.log.Debug("client left", zap.String("client", msg.ClientID))
				r.broadcast(r.forget(c)...)

			case FromClient:
				r.handle(msg.ClientID, msg.Msg)

			case GetState:
				msg.Reply <- View{
					Scope:      r.scope,
					NumClients: len(r.clients),
					Snapshot:   r.state.Snapshot(),
				}

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) handle(clientID string, msg types.Message) {
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	msg.Scope = r.scope

	switch msg.Type {
	case types.TypeSnapshotRequest:
		resp := types.SnapshotResponseMessage(r.scope, msg.RequestID, r.state.Snapshot())
		select {
		case c.out <- resp:
		default:
			r.drop(clientID)
		}
		return
	case types.TypeSnapshotResponse, types.TypeError:
		// the room is the snapshot authority; peer answers are not relayed
		return
	case types.TypeJoin, types.TypeUpdate:
		c.seen[msg.ParticipantID] = true
	case types.TypeLeave:
		delete(c.seen, msg.ParticipantID)
	}

	r.state.Apply(msg)
	r.broadcast(msg)
}

// forget releases everything held by participants that spoke on a
// connection that is gone.
func (r *Room) forget(c *client) []types.Message {
	ids := make([]string, 0, len(c.seen))
	for id := range c.seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []types.Message
	for _, id := range ids {
		out = append(out, r.state.Forget(id)...)
	}
	return out
}

// drop disconnects a client that cannot keep up and tells everyone else.
func (r *Room) drop(clientID string) {
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	close(c.out)
	delete(r.clients, clientID)
	r.log.Warn("dropped slow client", zap.String("client", clientID))
	r.broadcast(r.forget(c)...)
}

func (r *Room) broadcast(msgs ...types.Message) {
	var slow []string
	for _, m := range msgs {
		for id, c := range r.clients {
			if slices.Contains(slow, id) {
				continue
			}
			select {
			case c.out <- m:
				//ok
			default:
				slow = append(slow, id)
			}
		}
	}
	for _, id := range slow {
		r.drop(id)
	}
}

func (r *Room) shutdown() {
	for id, c := range r.clients {
		close(c.out) // Tell client no more messages
		delete(r.clients, id)
	}
	r.cancel()
}

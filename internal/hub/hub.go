// Package hub owns the scope → room registry of the relay server.
package hub

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/DoyleJ11/trip-presence/internal/room"
)

type HubMsg interface{ isHubMsg() }

type GetRoom struct {
	Scope string
	Reply chan *room.Room
}

// EnsureRoom returns the room for Scope, creating it on first use.
type EnsureRoom struct {
	Scope string
	Reply chan *room.Room
}

// RemoveRoom stops and forgets Room if it is still the one registered for
// Scope.
type RemoveRoom struct {
	Scope string
	Room  *room.Room
}

type ListRooms struct {
	Reply chan []string
}

type ShutdownHub struct{}

func (GetRoom) isHubMsg()     {}
func (EnsureRoom) isHubMsg()  {}
func (RemoveRoom) isHubMsg()  {}
func (ListRooms) isHubMsg()   {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox  chan HubMsg
	rooms  map[string]*room.Room
	cfg    room.Config
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub starts the registry. cfg is the template every room is created
// with; its OnIdle is replaced so idle rooms are removed.
func NewHub(parent context.Context, cfg room.Config) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		rooms:  make(map[string]*room.Room),
		log:    cfg.Logger.Named("hub"),
		ctx:    ctx,
		cancel: cancel,
	}
	cfg.OnIdle = h.idle
	h.cfg = cfg
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Done is closed once the hub has shut down.
func (h *Hub) Done() <-chan struct{} { return h.ctx.Done() }

// Ensure is the blocking form of EnsureRoom. It returns nil once the hub
// has shut down.
func (h *Hub) Ensure(ctx context.Context, scope string) *room.Room {
	return h.ask(ctx, func(reply chan *room.Room) HubMsg { return EnsureRoom{Scope: scope, Reply: reply} })
}

// Get is the blocking form of GetRoom.
func (h *Hub) Get(ctx context.Context, scope string) *room.Room {
	return h.ask(ctx, func(reply chan *room.Room) HubMsg { return GetRoom{Scope: scope, Reply: reply} })
}

func (h *Hub) ask(ctx context.Context, build func(chan *room.Room) HubMsg) *room.Room {
	reply := make(chan *room.Room, 1)
	select {
	case h.inbox <- build(reply):
	case <-h.ctx.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case rm := <-reply:
		return rm
	case <-h.ctx.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
}

// idle runs on the room's loop; hand off so the room never blocks on the hub.
func (h *Hub) idle(rm *room.Room) {
	go func() {
		select {
		case h.inbox <- RemoveRoom{Scope: rm.Scope(), Room: rm}:
		case <-h.ctx.Done():
		}
	}()
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetRoom:
				rm := h.rooms[msg.Scope]
				if rm != nil && isDone(rm) {
					delete(h.rooms, msg.Scope)
					rm = nil
				}
				msg.Reply <- rm // May be nil

			case EnsureRoom:
				if rm := h.rooms[msg.Scope]; rm != nil && !isDone(rm) {
					msg.Reply <- rm
					break
				}
				rm := room.NewRoom(h.ctx, msg.Scope, h.cfg)
				h.rooms[msg.Scope] = rm
				h.log.Info("room opened", zap.String("scope", msg.Scope))
				msg.Reply <- rm

			case RemoveRoom:
				if rm := h.rooms[msg.Scope]; rm == msg.Room {
					delete(h.rooms, msg.Scope)
					h.log.Info("room closed", zap.String("scope", msg.Scope))
				}
				msg.Room.Close()

			case ListRooms:
				scopes := make([]string, 0, len(h.rooms))
				for s := range h.rooms {
					scopes = append(scopes, s)
				}
				slices.Sort(scopes)
				msg.Reply <- scopes

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for _, rm := range h.rooms {
		rm.Close()
	}
	clear(h.rooms)
	h.cancel()
}

func isDone(rm *room.Room) bool {
	select {
	case <-rm.Done():
		return true
	default:
		return false
	}
}

package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/DoyleJ11/trip-presence/internal/hub"
	"github.com/DoyleJ11/trip-presence/internal/room"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

const (
	writeTimeout = 3 * time.Second
	readLimit    = 1 << 20
)

type Options struct {
	// OriginPatterns are passed to websocket.Accept. Empty means same-origin
	// only.
	OriginPatterns []string
	// ReadTimeout bounds the silence allowed between client frames. Clients
	// heartbeat well inside it.
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		scope := r.URL.Query().Get("scope")
		if scope == "" {
			http.Error(w, "missing scope", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(readLimit)

		out := make(chan types.Message, 64)
		clientID := ulid.Make().String()
		log := log.With(zap.String("scope", scope), zap.String("client", clientID))

		rm := join(r.Context(), h, scope, clientID, out)
		if rm == nil {
			conn.Close(websocket.StatusTryAgainLater, "relay shutting down")
			return
		}
		defer rm.Send(context.Background(), room.Leave{ClientID: clientID})
		log.Debug("client connected")

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for {
				select {
				case <-writeCtx.Done():
					return
				case m, ok := <-out:
					if !ok {
						// the room closed our outbox: dropped as slow, or shutting down
						conn.Close(websocket.StatusGoingAway, "dropped")
						return
					}
					payload, err := types.Encode(m)
					if err != nil {
						continue
					}
					ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
					err = conn.Write(ctx, websocket.MessageText, payload)
					cancel()
					if err != nil {
						return
					}
				}
			}
		}()

		// Reader loop
		for {
			ctx, cancel := context.WithTimeout(r.Context(), opts.ReadTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					log.Debug("client disconnected")
				default:
					if !errors.Is(err, context.Canceled) {
						log.Debug("client read failed", zap.Error(err))
					}
				}
				return
			}

			msg, err := types.Decode(data)
			if err != nil {
				reply(r.Context(), conn, types.ErrorMessage(err.Error()))
				continue
			}

			if !rm.Send(r.Context(), room.FromClient{ClientID: clientID, Msg: msg}) {
				return
			}
		}
	}
}

// join registers the connection with the room for scope. A room can shut
// down between lookup and join when it goes idle, so retry once with a
// fresh one.
func join(ctx context.Context, h *hub.Hub, scope, clientID string, out chan types.Message) *room.Room {
	for range 2 {
		rm := h.Ensure(ctx, scope)
		if rm == nil {
			return nil
		}
		if rm.Send(ctx, room.Join{ClientID: clientID, Outbox: out}) {
			return rm
		}
	}
	return nil
}

func reply(ctx context.Context, conn *websocket.Conn, m types.Message) {
	payload, err := types.Encode(m)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, payload)
}

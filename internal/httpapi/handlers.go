package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/DoyleJ11/trip-presence/internal/hub"
	"github.com/DoyleJ11/trip-presence/internal/room"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

const askTimeout = 2 * time.Second

type snapshotResponse struct {
	Scope   string `json:"scope"`
	Clients int    `json:"clients"`
	types.Snapshot
}

// ScopeSnapshot serves the relay's current view of one scope.
func ScopeSnapshot(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := chi.URLParam(r, "scope")
		ctx, cancel := context.WithTimeout(r.Context(), askTimeout)
		defer cancel()

		rm := h.Get(ctx, scope)
		if rm == nil {
			http.Error(w, "scope not found", http.StatusNotFound)
			return
		}

		reply := make(chan room.View, 1)
		if !rm.Send(ctx, room.GetState{Reply: reply}) {
			http.Error(w, "scope not found", http.StatusNotFound)
			return
		}
		var view room.View
		select {
		case view = <-reply:
		case <-ctx.Done():
			http.Error(w, "room did not answer", http.StatusServiceUnavailable)
			return
		}

		writeJSON(w, http.StatusOK, snapshotResponse{
			Scope:    view.Scope,
			Clients:  view.NumClients,
			Snapshot: view.Snapshot,
		})
	}
}

func ListScopes(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan []string, 1)
		select {
		case h.Inbox() <- hub.ListRooms{Reply: reply}:
		case <-h.Done():
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		select {
		case scopes := <-reply:
			writeJSON(w, http.StatusOK, struct {
				Scopes []string `json:"scopes"`
			}{Scopes: scopes})
		case <-r.Context().Done():
		case <-h.Done():
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
		}
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/DoyleJ11/trip-presence/internal/hub"
	"github.com/DoyleJ11/trip-presence/internal/ws"
)

func SetupRoutes(h *hub.Hub, wsOpts ws.Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, wsOpts))
	r.Get("/scopes", ListScopes(h))
	r.Get("/scopes/{scope}/snapshot", ScopeSnapshot(h))
	return r
}

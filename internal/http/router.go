package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"transcript-relay-service/internal/api/ws"
)

// NewRouter constructs the client-facing HTTP router: the websocket endpoint
// at listenPath and the liveness endpoint at /health.
func NewRouter(relay *ws.Server, listenPath string) http.Handler {
	if listenPath == "" {
		listenPath = "/listen"
	}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", relay.HandleHealth)
	r.Get(listenPath, relay.HandleListen)

	return r
}

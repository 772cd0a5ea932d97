package api

import (
	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserbase-stream/internal/proxy"
	"github.com/shehryarbajwa/browserbase-stream/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	// Streaming channel and health checks are not rate limited.
	r.HandleFunc("/ws", proxyServer.HandleConnection).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(RateLimitMiddleware(rateLimiter))

	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")
	api.HandleFunc("/workers", h.ListWorkers).Methods("GET")

	r.Use(corsMiddleware)

	return r
}

package app

import (
	"net/http"

	"github.com/gorilla/mux"

	"mailbridge/internal/handlers"
	"mailbridge/internal/middleware"
	"mailbridge/internal/ratelimit"
)

// SetupRoutes registers every endpoint. The OAuth callback and the health
// probe are public; everything under /api requires a bearer token and is rate
// limited per user.
func SetupRoutes(router *mux.Router, h *handlers.Handlers, requireAuth func(http.Handler) http.Handler, limiter *ratelimit.Limiter, healthCheck http.HandlerFunc) {
	// Provider callback: the browser arrives here without our bearer token.
	router.Handle("/oauth/callback", middleware.Logging(http.HandlerFunc(h.Callback))).Methods("GET")

	router.Handle("/health", middleware.Logging(healthCheck)).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	// Auth first so the logging and rate limiting layers see the user.
	api.Use(mux.MiddlewareFunc(requireAuth), mux.MiddlewareFunc(middleware.Logging))
	if limiter != nil {
		api.Use(mux.MiddlewareFunc(limiter.HTTPMiddleware(ratelimit.UserBasedKey)))
	}

	api.HandleFunc("/connections/authorize", h.Authorize).Methods("POST")
	api.HandleFunc("/connections/status", h.GetBulkStatus).Methods("GET")

	api.HandleFunc("/connections", h.ListConnections).Methods("GET")
	api.HandleFunc("/connections/{id}", h.GetConnection).Methods("GET")
	api.HandleFunc("/connections/{id}", h.UpdateConnection).Methods("PATCH")
	api.HandleFunc("/connections/{id}", h.DeleteConnection).Methods("DELETE")

	api.HandleFunc("/connections/{id}/tokens", h.GetConnectionTokens).Methods("POST")
	api.HandleFunc("/connections/{id}/refresh", h.RefreshConnection).Methods("POST")
	api.HandleFunc("/connections/{id}/health", h.CheckConnectionHealth).Methods("POST")
	api.HandleFunc("/connections/{id}/usage", h.GetConnectionUsage).Methods("GET")
	api.HandleFunc("/connections/{id}/error", h.MarkConnectionError).Methods("POST")
	api.HandleFunc("/connections/{id}/sync", h.RecordConnectionSync).Methods("POST")
}

package app

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"mailbridge/internal/common/logging"
	"mailbridge/internal/handlers"
	"mailbridge/internal/ratelimit"
	"mailbridge/internal/server"
)

// RunServer builds the router, starts the background monitor and returns the
// HTTP server ready to start.
func (app *App) RunServer(ctx context.Context) (*server.Server, http.Handler, error) {
	h := handlers.New(app.Service,
		logging.GetGlobalLogger().WithFields(logging.String("component", "handlers")))

	var limiter *ratelimit.Limiter
	if app.RedisClient != nil {
		limiter = ratelimit.NewLimiter(app.RedisClient, &ratelimit.Config{
			DefaultLimit:  app.Config.RateLimit,
			DefaultWindow: app.Config.RateLimitWindow,
			Enabled:       app.Config.RateLimit > 0,
		})
	}

	router := mux.NewRouter()
	SetupRoutes(router, h, app.Auth.Middleware, limiter, app.healthCheck)

	if err := app.Monitor.Start(ctx); err != nil {
		return nil, nil, err
	}

	srv := server.New(router, app.Config.Port, app.Config.TLSCert, app.Config.TLSKey)
	return srv, router, nil
}

// healthCheck reports process liveness plus backend reachability.
func (app *App) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "storage": "ok"}
	code := http.StatusOK

	if err := app.Storage.Health(); err != nil {
		status["status"] = "degraded"
		status["storage"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if app.RedisClient != nil {
		status["redis"] = "ok"
		if err := app.RedisClient.Health(); err != nil {
			status["redis"] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

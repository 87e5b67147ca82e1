// Package handlers exposes the connection lifecycle over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"mailbridge/internal/auth"
	"mailbridge/internal/common/errors"
	"mailbridge/internal/common/logging"
	"mailbridge/internal/connections"
	"mailbridge/internal/storage"
)

// ConnectionService is what the HTTP layer needs from the connection service.
type ConnectionService interface {
	InitiateAuthorization(ctx context.Context, userID, redirectURI string, scopes []string) (*connections.AuthorizationIntent, error)
	CompleteAuthorization(ctx context.Context, state, code, grantedScopes string) (*storage.Connection, error)
	List(ctx context.Context, userID string, includeArchived bool) ([]*storage.Connection, error)
	Get(ctx context.Context, id, userID string) (*storage.Connection, error)
	Update(ctx context.Context, id, userID string, req connections.UpdateRequest) (*storage.Connection, error)
	Delete(ctx context.Context, id, userID string) (*connections.DeleteResult, error)
	GetTokens(ctx context.Context, id, userID string, autoRefresh bool) (*connections.TokenBundle, error)
	RefreshNow(ctx context.Context, id, userID string) (*connections.RefreshResult, error)
	CheckHealth(ctx context.Context, id, userID string) (*connections.HealthReport, error)
	CheckUsage(ctx context.Context, id, userID string) (*connections.UsageReport, error)
	BulkStatus(ctx context.Context, userID string) (*connections.BulkStatus, error)
	MarkError(ctx context.Context, id, userID, message string) error
	RecordSync(ctx context.Context, id, userID string) error
}

type Handlers struct {
	service ConnectionService
	logger  logging.Logger
}

func New(service ConnectionService, logger logging.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", err)
	}
}

// respondError maps any error onto the AppError envelope. Unknown errors
// surface as internal without leaking their message.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := errors.AsAppError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("request failed", err,
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path))
	}
	h.respondJSON(w, appErr.HTTPStatus, appErr)
}

// userID pulls the authenticated user from the request context. The auth
// middleware guarantees it on every protected route.
func (h *Handlers) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		h.respondError(w, r, errors.Unauthorized("missing authenticated user"))
		return "", false
	}
	return userID, true
}

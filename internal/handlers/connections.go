package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"mailbridge/internal/common/errors"
	"mailbridge/internal/connections"
)

// tokenResponse is the handout shape for the internal token endpoint. It is
// the only place decrypted credentials cross a process boundary.
type tokenResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
}

// ListConnections returns the caller's connections
// @Summary List connections
// @Tags connections
// @Produce json
// @Security BearerAuth
// @Param include_archived query bool false "Include archived connections"
// @Success 200 {array} storage.Connection
// @Router /api/connections [get]
func (h *Handlers) ListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	includeArchived := r.URL.Query().Get("include_archived") == "true"
	conns, err := h.service.List(r.Context(), userID, includeArchived)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, conns)
}

// GetConnection returns one connection
// @Summary Get connection
// @Tags connections
// @Produce json
// @Security BearerAuth
// @Param id path string true "Connection ID"
// @Success 200 {object} storage.Connection
// @Failure 404 {object} errors.AppError "Unknown or foreign connection"
// @Router /api/connections/{id} [get]
func (h *Handlers) GetConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	conn, err := h.service.Get(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, conn)
}

// UpdateConnection applies a partial update
// @Summary Update connection
// @Tags connections
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Connection ID"
// @Param update body connections.UpdateRequest true "Fields to change"
// @Success 200 {object} storage.Connection
// @Failure 400 {object} errors.AppError "Invalid status transition"
// @Router /api/connections/{id} [patch]
func (h *Handlers) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req connections.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, errors.ValidationFailed("invalid JSON body"))
		return
	}

	conn, err := h.service.Update(r.Context(), mux.Vars(r)["id"], userID, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, conn)
}

// DeleteConnection removes or archives a connection
// @Summary Delete connection
// @Description Hard-deletes when nothing references the connection, archives otherwise
// @Tags connections
// @Produce json
// @Security BearerAuth
// @Param id path string true "Connection ID"
// @Success 200 {object} connections.DeleteResult
// @Router /api/connections/{id} [delete]
func (h *Handlers) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	result, err := h.service.Delete(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// GetConnectionTokens hands out decrypted credentials
// @Summary Get usable tokens
// @Description Returns decrypted credentials, refreshing them first if they are about to expire
// @Tags connections
// @Produce json
// @Security BearerAuth
// @Param id path string true "Connection ID"
// @Param auto_refresh query bool false "Refresh expiring tokens first (default true)"
// @Success 200 {object} tokenResponse
// @Failure 410 {object} errors.AppError "Connection revoked"
// @Router /api/connections/{id}/tokens [post]
func (h *Handlers) GetConnectionTokens(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	autoRefresh := r.URL.Query().Get("auto_refresh") != "false"
	bundle, err := h.service.GetTokens(r.Context(), mux.Vars(r)["id"], userID, autoRefresh)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  bundle.AccessToken,
		RefreshToken: bundle.RefreshToken,
		ExpiresAt:    bundle.ExpiresAt,
		Scopes:       bundle.Scopes,
	})
}

// RefreshConnection forces an immediate token refresh
// @Summary Force token refresh
// @Tags connections
// @Produce json
// @Security BearerAuth
// @Param id path string true "Connection ID"
// @Success 200 {object} connections.RefreshResult
// @Failure 502 {object} errors.AppError "Provider refused the refresh"
// @Router /api/connections/{id}/refresh [post]
func (h *Handlers) RefreshConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	result, err := h.service.RefreshNow(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// CheckConnectionHealth validates a connection against the provider
// @Summary Check connection health
// @Tags connections
// @Produce json
// @Security BearerAuth
// @Param id path string true "Connection ID"
// @Success 200 {object} connections.HealthReport
// @Router /api/connections/{id}/health [post]
func (h *Handlers) CheckConnectionHealth(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	report, err := h.service.CheckHealth(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

// GetConnectionUsage reports whether a connection can be hard-deleted
// @Summary Check connection usage
// @Tags connections
// @Produce json
// @Security BearerAuth
// @Param id path string true "Connection ID"
// @Success 200 {object} connections.UsageReport
// @Router /api/connections/{id}/usage [get]
func (h *Handlers) GetConnectionUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	usage, err := h.service.CheckUsage(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, usage)
}

// GetBulkStatus aggregates connection health for the caller
// @Summary Bulk connection status
// @Tags connections
// @Produce json
// @Security BearerAuth
// @Success 200 {object} connections.BulkStatus
// @Router /api/connections/status [get]
func (h *Handlers) GetBulkStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	report, err := h.service.BulkStatus(r.Context(), userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

type markErrorRequest struct {
	Message string `json:"message"`
}

// MarkConnectionError records a downstream credential failure
// @Summary Mark connection errored
// @Description Called by consumers when the provider rejects a credential this service considered valid
// @Tags connections
// @Accept json
// @Security BearerAuth
// @Param id path string true "Connection ID"
// @Param report body markErrorRequest true "Failure description"
// @Success 204 "Recorded"
// @Router /api/connections/{id}/error [post]
func (h *Handlers) MarkConnectionError(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req markErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, errors.ValidationFailed("invalid JSON body"))
		return
	}

	if err := h.service.MarkError(r.Context(), mux.Vars(r)["id"], userID, req.Message); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusNoContent, nil)
}

// RecordConnectionSync stamps successful credential use
// @Summary Record sync activity
// @Tags connections
// @Security BearerAuth
// @Param id path string true "Connection ID"
// @Success 204 "Recorded"
// @Router /api/connections/{id}/sync [post]
func (h *Handlers) RecordConnectionSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.service.RecordSync(r.Context(), mux.Vars(r)["id"], userID); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusNoContent, nil)
}

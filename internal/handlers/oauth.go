package handlers

import (
	"encoding/json"
	"net/http"

	"mailbridge/internal/common/errors"
	"mailbridge/internal/common/logging"
)

type authorizeRequest struct {
	RedirectURI string   `json:"redirect_uri"`
	Scopes      []string `json:"scopes,omitempty"`
}

// Authorize starts a mailbox authorization round-trip
// @Summary Start mailbox authorization
// @Description Mints a single-use state token and returns the provider consent URL
// @Tags oauth
// @Accept json
// @Produce json
// @Security BearerAuth
// @Success 200 {object} connections.AuthorizationIntent "Authorization intent"
// @Failure 400 {object} errors.AppError "Invalid request"
// @Router /api/connections/authorize [post]
func (h *Handlers) Authorize(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req authorizeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, r, errors.ValidationFailed("invalid JSON body"))
			return
		}
	}

	intent, err := h.service.InitiateAuthorization(r.Context(), userID, req.RedirectURI, req.Scopes)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, intent)
}

// Callback completes a mailbox authorization round-trip
// @Summary OAuth provider callback
// @Description Exchanges the authorization code and persists the new connection
// @Tags oauth
// @Produce json
// @Param state query string true "State token from the authorization URL"
// @Param code query string true "Authorization code from the provider"
// @Param scope query string false "Scopes the user actually granted"
// @Param error query string false "Provider-side denial reason"
// @Success 201 {object} storage.Connection "Created connection"
// @Failure 400 {object} errors.AppError "Invalid state or denied consent"
// @Router /oauth/callback [get]
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if denial := query.Get("error"); denial != "" {
		h.logger.Warn("authorization denied at provider",
			logging.String("reason", denial))
		h.respondError(w, r, errors.ValidationFailed("authorization was denied: "+denial))
		return
	}

	state := query.Get("state")
	code := query.Get("code")
	if state == "" || code == "" {
		h.respondError(w, r, errors.ValidationFailed("state and code are required"))
		return
	}

	conn, err := h.service.CompleteAuthorization(r.Context(), state, code, query.Get("scope"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, conn)
}

// Package connections owns the mailbox connection lifecycle: authorization,
// credential storage, token reads with transparent refresh, health reporting
// and safe deletion.
package connections

import (
	"context"
	"strings"
	"time"

	"github.com/lucsky/cuid"

	"mailbridge/internal/common/errors"
	"mailbridge/internal/common/logging"
	"mailbridge/internal/crypto"
	"mailbridge/internal/oauth"
	"mailbridge/internal/storage"
)

// TokenBundle is the decrypted credential set handed to callers that need to
// act as the mailbox owner. Never persisted and never serialized.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scopes       []string
}

// CreateRequest carries the material needed to persist a new connection.
// Token fields are plaintext; the service encrypts them before storage.
type CreateRequest struct {
	Provider          string
	ProviderAccountID string
	Email             string
	Name              string
	AccessToken       string
	RefreshToken      string
	ExpiresAt         *time.Time
	Scopes            []string
	OAuthData         map[string]string
}

// UpdateRequest is a partial update. Nil fields are left untouched.
type UpdateRequest struct {
	Name   *string
	Status *string
}

// AuthorizationIntent is the outcome of starting an authorization round-trip.
type AuthorizationIntent struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

// UsageReport is the deletion-safety check result.
type UsageReport struct {
	CanDelete    bool `json:"can_delete"`
	RelatedCount int  `json:"related_count"`
}

// DeleteResult reports which action delete actually took.
type DeleteResult struct {
	Archived bool `json:"archived"`
	Revoked  bool `json:"revoked"`
}

// RefreshResult is the outcome of a forced refresh.
type RefreshResult struct {
	Success   bool       `json:"success"`
	NewExpiry *time.Time `json:"new_expiry,omitempty"`
}

// HealthReport is the outcome of an on-demand connection validation.
type HealthReport struct {
	ConnectionID string    `json:"connection_id"`
	Status       string    `json:"status"`
	Healthy      bool      `json:"healthy"`
	CheckedAt    time.Time `json:"checked_at"`
	Detail       string    `json:"detail,omitempty"`
}

// ConnectionStatus is one row of a bulk status report.
type ConnectionStatus struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Status     string     `json:"status"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// BulkStatus is a per-user dashboard aggregate, computed from the same status
// field the state machine writes.
type BulkStatus struct {
	Total       int                `json:"total"`
	Active      int                `json:"active"`
	Expired     int                `json:"expired"`
	Error       int                `json:"error"`
	Connections []ConnectionStatus `json:"connections"`
}

// Config tunes the service.
type Config struct {
	// RefreshBuffer is how long before actual expiry a token is treated as
	// expiring and proactively refreshed.
	RefreshBuffer time.Duration
	// DefaultScopes are requested when the caller does not name any.
	DefaultScopes []string
}

// Service implements the connection lifecycle on top of storage, the vault,
// the protocol client and the state store.
type Service struct {
	storage  storage.Storage
	vault    *crypto.TokenVault
	protocol oauth.ProtocolClient
	states   oauth.StateStore
	logger   logging.Logger

	refreshBuffer time.Duration
	defaultScopes []string
}

func NewService(store storage.Storage, vault *crypto.TokenVault, protocol oauth.ProtocolClient,
	states oauth.StateStore, config Config, logger logging.Logger) *Service {
	if config.RefreshBuffer <= 0 {
		config.RefreshBuffer = 5 * time.Minute
	}
	return &Service{
		storage:       store,
		vault:         vault,
		protocol:      protocol,
		states:        states,
		logger:        logger,
		refreshBuffer: config.RefreshBuffer,
		defaultScopes: config.DefaultScopes,
	}
}

// InitiateAuthorization mints a state token and builds the provider consent
// URL for it.
func (s *Service) InitiateAuthorization(ctx context.Context, userID, redirectURI string, scopes []string) (*AuthorizationIntent, error) {
	if userID == "" {
		return nil, errors.ValidationFailed("user id is required")
	}
	if len(scopes) == 0 {
		scopes = s.defaultScopes
	}

	state, err := s.states.Generate(ctx, userID, redirectURI)
	if err != nil {
		return nil, err
	}

	s.logger.Info("authorization initiated",
		logging.String("user_id", userID))

	return &AuthorizationIntent{
		AuthorizationURL: s.protocol.AuthorizationURL(state, redirectURI, scopes),
		State:            state,
	}, nil
}

// CompleteAuthorization handles the provider callback: validates the state,
// exchanges the code against the redirect URI the flow was initiated with,
// resolves the mailbox identity and persists the connection. The state is consumed only after the connection exists, so a
// failed callback does not burn the user's authorization attempt.
func (s *Service) CompleteAuthorization(ctx context.Context, state, code, grantedScopes string) (*storage.Connection, error) {
	pending, err := s.states.ValidateAndPeek(ctx, state)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, errors.InvalidOAuthState()
	}

	tokens, err := s.protocol.ExchangeCode(ctx, code, pending.RedirectURI)
	if err != nil {
		return nil, err
	}

	identity, err := s.protocol.FetchIdentity(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	scopes := splitScopes(grantedScopes)
	if len(scopes) == 0 {
		scopes = splitScopes(tokens.Scope)
	}

	expiresAt := tokens.ExpiresAt
	conn, err := s.Create(ctx, pending.UserID, CreateRequest{
		Provider:          "google",
		ProviderAccountID: identity.ID,
		Email:             identity.Email,
		Name:              identity.Email,
		AccessToken:       tokens.AccessToken,
		RefreshToken:      tokens.RefreshToken,
		ExpiresAt:         &expiresAt,
		Scopes:            scopes,
		OAuthData: map[string]string{
			"name":    identity.Name,
			"picture": identity.Picture,
		},
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.states.Consume(ctx, state); err != nil {
		s.logger.Warn("failed to consume state token after authorization",
			logging.String("connection_id", conn.ID), logging.Err(err))
	}

	s.logger.Info("authorization completed",
		logging.String("connection_id", conn.ID),
		logging.String("user_id", conn.UserID),
		logging.String("email", conn.Email))

	return conn, nil
}

// Create persists a new active connection, rejecting duplicates of a live
// (user, email, provider) identity.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*storage.Connection, error) {
	if userID == "" || req.Email == "" || req.Provider == "" {
		return nil, errors.ValidationFailed("user id, email and provider are required")
	}

	existing, err := s.storage.GetLiveConnectionByIdentity(userID, req.Email, req.Provider)
	if err != nil {
		return nil, errors.Internal("failed to check for existing connection", err)
	}
	if existing != nil {
		return nil, errors.ConnectionAlreadyExists(req.Email, req.Provider)
	}

	accessEnc, err := s.vault.Encrypt(req.AccessToken)
	if err != nil {
		return nil, errors.Internal("failed to encrypt access token", err)
	}
	refreshEnc, err := s.vault.Encrypt(req.RefreshToken)
	if err != nil {
		return nil, errors.Internal("failed to encrypt refresh token", err)
	}

	now := time.Now().UTC()
	conn := &storage.Connection{
		ID:                cuid.New(),
		UserID:            userID,
		Provider:          req.Provider,
		ProviderAccountID: req.ProviderAccountID,
		Email:             req.Email,
		Name:              req.Name,
		Status:            storage.StatusActive,
		AccessToken:       accessEnc,
		RefreshToken:      refreshEnc,
		TokenExpiresAt:    req.ExpiresAt,
		Scopes:            req.Scopes,
		OAuthData:         req.OAuthData,
		LastSyncAt:        &now,
	}

	if err := s.storage.CreateConnection(conn); err != nil {
		return nil, errors.Internal("failed to persist connection", err)
	}

	s.logger.Info("connection created",
		logging.String("connection_id", conn.ID),
		logging.String("user_id", userID),
		logging.String("email", req.Email))

	return conn, nil
}

// Get returns a connection scoped to its owner.
func (s *Service) Get(ctx context.Context, id, userID string) (*storage.Connection, error) {
	conn, err := s.storage.GetConnection(id, userID)
	if err != nil {
		return nil, errors.Internal("failed to load connection", err)
	}
	if conn == nil {
		return nil, errors.ConnectionNotFound(id)
	}
	return conn, nil
}

// List returns the owner's connections, excluding archived ones by default.
func (s *Service) List(ctx context.Context, userID string, includeArchived bool) ([]*storage.Connection, error) {
	conns, err := s.storage.ListConnections(userID, includeArchived)
	if err != nil {
		return nil, errors.Internal("failed to list connections", err)
	}
	return conns, nil
}

// Update applies a partial update. Setting the status to active clears any
// stored error message, which is an operator-acknowledged reset. Terminal
// statuses never transition anywhere.
func (s *Service) Update(ctx context.Context, id, userID string, req UpdateRequest) (*storage.Connection, error) {
	conn, err := s.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	if req.Status != nil {
		status := *req.Status
		if !storage.ValidStatus(status) {
			return nil, errors.ValidationFailed("unknown connection status: " + status)
		}
		// Revoked is reserved for provider-reported revocation, and
		// archival must go through Delete so credentials are dropped and
		// archived_at is stamped.
		if status == storage.StatusRevoked || status == storage.StatusArchived {
			return nil, errors.ValidationFailed("connection status " + status + " cannot be set directly")
		}
		if storage.IsTerminalStatus(conn.Status) && status != conn.Status {
			return nil, errors.ValidationFailed("connection status " + conn.Status + " is terminal")
		}
		conn.Status = status
		if status == storage.StatusActive {
			conn.ErrorMessage = ""
		}
	}
	if req.Name != nil {
		conn.Name = *req.Name
	}

	if err := s.storage.UpdateConnection(conn); err != nil {
		return nil, errors.Internal("failed to update connection", err)
	}
	return conn, nil
}

// GetTokens is the central read path for every consumer that needs to act as
// the mailbox owner. With autoRefresh, a token inside the refresh buffer is
// renewed before being handed out.
//
// Failure handling is deliberate: a failed refresh marks the connection
// error but still returns the previously stored tokens, because a caller
// mid-operation may have seconds of validity left and failing it outright is
// worse than letting it try. Only an unreadable ciphertext yields no tokens
// at all.
func (s *Service) GetTokens(ctx context.Context, id, userID string, autoRefresh bool) (*TokenBundle, error) {
	conn, err := s.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	switch conn.Status {
	case storage.StatusRevoked:
		return nil, errors.ConnectionRevoked(id)
	case storage.StatusArchived:
		return nil, errors.ConnectionNotFound(id)
	}

	accessToken, err := s.vault.Decrypt(conn.AccessToken)
	if err == nil {
		var refreshToken string
		refreshToken, err = s.vault.Decrypt(conn.RefreshToken)
		if err == nil {
			return s.tokensWithRefresh(ctx, conn, accessToken, refreshToken, autoRefresh)
		}
	}

	// Tampered or corrupt ciphertext: there is nothing usable to return.
	s.markErrorInternal(conn.ID, "stored credentials could not be decrypted")
	return nil, err
}

func (s *Service) tokensWithRefresh(ctx context.Context, conn *storage.Connection, accessToken, refreshToken string, autoRefresh bool) (*TokenBundle, error) {
	stale := &TokenBundle{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    conn.TokenExpiresAt,
		Scopes:       conn.Scopes,
	}

	if !autoRefresh || !s.withinRefreshBuffer(conn.TokenExpiresAt) {
		return stale, nil
	}

	if refreshToken == "" {
		// No way to self-heal. Hand out the stale token so the precise
		// upstream failure stays observable end-to-end, but surface a
		// token already past expiry in the connection status.
		if conn.Status == storage.StatusActive && conn.TokenExpiresAt != nil && time.Now().After(*conn.TokenExpiresAt) {
			s.MarkExpired(ctx, conn.ID)
		}
		return stale, nil
	}

	bundle, err := s.refreshConnection(ctx, conn, refreshToken)
	if err != nil {
		s.logger.Warn("token refresh failed, returning stale credentials",
			logging.String("connection_id", conn.ID), logging.Err(err))
		s.markErrorInternal(conn.ID, sanitizeErrorMessage(err.Error()))
		return stale, nil
	}
	return bundle, nil
}

func (s *Service) withinRefreshBuffer(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return time.Until(*expiresAt) <= s.refreshBuffer
}

// refreshConnection performs a provider refresh and commits it with an
// optimistic check against the stored refresh-token ciphertext, so a racing
// sweep and read-path refresh cannot overwrite each other's newer tokens
// with older ones. On a lost race it re-reads and retries once.
func (s *Service) refreshConnection(ctx context.Context, conn *storage.Connection, refreshToken string) (*TokenBundle, error) {
	for attempt := 0; attempt < 2; attempt++ {
		tokens, err := s.protocol.Refresh(ctx, refreshToken)
		if err != nil {
			return nil, err
		}

		accessEnc, err := s.vault.Encrypt(tokens.AccessToken)
		if err != nil {
			return nil, errors.Internal("failed to encrypt access token", err)
		}
		refreshEnc, err := s.vault.Encrypt(tokens.RefreshToken)
		if err != nil {
			return nil, errors.Internal("failed to encrypt refresh token", err)
		}

		committed, err := s.storage.UpdateConnectionTokens(conn.ID, conn.RefreshToken, accessEnc, refreshEnc, tokens.ExpiresAt)
		if err != nil {
			return nil, errors.Internal("failed to persist refreshed tokens", err)
		}
		if committed {
			if err := s.storage.TouchConnectionSync(conn.ID); err != nil {
				s.logger.Warn("failed to record sync time after refresh",
					logging.String("connection_id", conn.ID), logging.Err(err))
			}
			expiresAt := tokens.ExpiresAt
			return &TokenBundle{
				AccessToken:  tokens.AccessToken,
				RefreshToken: tokens.RefreshToken,
				ExpiresAt:    &expiresAt,
				Scopes:       conn.Scopes,
			}, nil
		}

		// Lost the race: another writer committed newer tokens. Re-read and
		// refresh against what is actually persisted now.
		current, err := s.storage.GetConnection(conn.ID, conn.UserID)
		if err != nil || current == nil {
			return nil, errors.Internal("connection disappeared during refresh", err)
		}
		conn = current

		refreshToken, err = s.vault.Decrypt(conn.RefreshToken)
		if err != nil {
			return nil, err
		}

		// If the concurrent writer left a token outside the buffer, its
		// result is fresh enough to hand out as-is.
		if !s.withinRefreshBuffer(conn.TokenExpiresAt) {
			accessToken, err := s.vault.Decrypt(conn.AccessToken)
			if err != nil {
				return nil, err
			}
			return &TokenBundle{
				AccessToken:  accessToken,
				RefreshToken: refreshToken,
				ExpiresAt:    conn.TokenExpiresAt,
				Scopes:       conn.Scopes,
			}, nil
		}
	}

	return nil, errors.TokenRefreshFailed(nil)
}

// RefreshNow forces a refresh regardless of the buffer. Unlike the GetTokens
// path, failures propagate to the caller since this is a user-initiated
// action.
func (s *Service) RefreshNow(ctx context.Context, id, userID string) (*RefreshResult, error) {
	conn, err := s.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if storage.IsTerminalStatus(conn.Status) {
		if conn.Status == storage.StatusRevoked {
			return nil, errors.ConnectionRevoked(id)
		}
		return nil, errors.ConnectionNotFound(id)
	}

	refreshToken, err := s.vault.Decrypt(conn.RefreshToken)
	if err != nil {
		s.markErrorInternal(conn.ID, "stored credentials could not be decrypted")
		return nil, err
	}
	if refreshToken == "" {
		if conn.Status == storage.StatusActive && conn.TokenExpiresAt != nil && time.Now().After(*conn.TokenExpiresAt) {
			s.MarkExpired(ctx, conn.ID)
		}
		return nil, errors.TokenRefreshFailed(nil)
	}

	bundle, err := s.refreshConnection(ctx, conn, refreshToken)
	if err != nil {
		s.markErrorInternal(conn.ID, sanitizeErrorMessage(err.Error()))
		return nil, err
	}

	return &RefreshResult{Success: true, NewExpiry: bundle.ExpiresAt}, nil
}

// MarkError transitions the connection to error with a sanitized message.
// Downstream consumers call this when the provider rejects a credential this
// service considered valid.
func (s *Service) MarkError(ctx context.Context, id, userID, message string) error {
	conn, err := s.Get(ctx, id, userID)
	if err != nil {
		return err
	}
	if storage.IsTerminalStatus(conn.Status) {
		return nil
	}

	s.markErrorInternal(conn.ID, sanitizeErrorMessage(message))
	return nil
}

func (s *Service) markErrorInternal(id, sanitizedMessage string) {
	if err := s.storage.SetConnectionStatus(id, storage.StatusError, sanitizedMessage); err != nil {
		s.logger.Error("failed to mark connection errored", err,
			logging.String("connection_id", id))
	}
}

// RecordSync stamps sync activity on a connection. Called by downstream
// consumers after successfully using the credential.
func (s *Service) RecordSync(ctx context.Context, id, userID string) error {
	if _, err := s.Get(ctx, id, userID); err != nil {
		return err
	}
	if err := s.storage.TouchConnectionSync(id); err != nil {
		return errors.Internal("failed to record sync time", err)
	}
	return nil
}

// CheckUsage is the deletion-safety check: a connection with downstream
// artifacts must be archived, not hard-deleted.
func (s *Service) CheckUsage(ctx context.Context, id, userID string) (*UsageReport, error) {
	if _, err := s.Get(ctx, id, userID); err != nil {
		return nil, err
	}

	count, err := s.storage.CountArtifacts(id)
	if err != nil {
		return nil, errors.Internal("failed to count related records", err)
	}

	return &UsageReport{CanDelete: count == 0, RelatedCount: count}, nil
}

// Delete removes a connection. If downstream artifacts reference it, the row
// is archived instead so they keep a valid parent, and the result says so.
// Provider-side revocation is attempted either way but never blocks deletion.
func (s *Service) Delete(ctx context.Context, id, userID string) (*DeleteResult, error) {
	conn, err := s.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	usage, err := s.CheckUsage(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	result := &DeleteResult{}
	result.Revoked = s.revokeBestEffort(ctx, conn)

	if usage.CanDelete {
		if err := s.storage.DeleteConnection(id); err != nil {
			return nil, errors.Internal("failed to delete connection", err)
		}
		s.logger.Info("connection deleted",
			logging.String("connection_id", id), logging.String("user_id", userID))
		return result, nil
	}

	if err := s.storage.ArchiveConnection(id); err != nil {
		return nil, errors.Internal("failed to archive connection", err)
	}
	result.Archived = true

	s.logger.Info("connection archived",
		logging.String("connection_id", id),
		logging.String("user_id", userID),
		logging.Int("related_count", usage.RelatedCount))

	return result, nil
}

// revokeBestEffort invalidates the grant at the provider. Revoking the
// refresh token kills the whole grant; the access token is the fallback.
func (s *Service) revokeBestEffort(ctx context.Context, conn *storage.Connection) bool {
	token, err := s.vault.Decrypt(conn.RefreshToken)
	if err != nil || token == "" {
		token, err = s.vault.Decrypt(conn.AccessToken)
		if err != nil || token == "" {
			return false
		}
	}
	return s.protocol.Revoke(ctx, token)
}

// BulkStatus aggregates connection health for one user's dashboard.
func (s *Service) BulkStatus(ctx context.Context, userID string) (*BulkStatus, error) {
	conns, err := s.List(ctx, userID, false)
	if err != nil {
		return nil, err
	}

	report := &BulkStatus{Connections: make([]ConnectionStatus, 0, len(conns))}
	for _, conn := range conns {
		report.Total++
		switch conn.Status {
		case storage.StatusActive:
			report.Active++
		case storage.StatusExpired:
			report.Expired++
		case storage.StatusError:
			report.Error++
		}
		report.Connections = append(report.Connections, ConnectionStatus{
			ID:         conn.ID,
			Email:      conn.Email,
			Status:     conn.Status,
			LastSyncAt: conn.LastSyncAt,
		})
	}
	return report, nil
}

// CheckHealth validates a connection end to end: obtains a usable token
// through the standard read path, then proves it against the provider's
// identity endpoint.
func (s *Service) CheckHealth(ctx context.Context, id, userID string) (*HealthReport, error) {
	report := &HealthReport{ConnectionID: id, CheckedAt: time.Now().UTC()}

	bundle, err := s.GetTokens(ctx, id, userID, true)
	if err != nil {
		if appErr := errors.AsAppError(err); appErr != nil &&
			(appErr.Code == errors.CodeConnectionNotFound || appErr.Code == errors.CodeConnectionRevoked) {
			return nil, err
		}
		report.Status = storage.StatusError
		report.Detail = sanitizeErrorMessage(errors.GetCode(err))
		return report, nil
	}

	if _, err := s.protocol.FetchIdentity(ctx, bundle.AccessToken); err != nil {
		s.markErrorInternal(id, sanitizeErrorMessage(err.Error()))
		report.Status = storage.StatusError
		report.Detail = "provider rejected the credential"
		return report, nil
	}

	conn, err := s.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	report.Status = conn.Status
	report.Healthy = conn.Status == storage.StatusActive
	return report, nil
}

// MarkExpired transitions an active connection whose token is past expiry.
// The token read and refresh paths call it when expiry is observed with no
// refresh token to heal with.
func (s *Service) MarkExpired(ctx context.Context, id string) {
	if err := s.storage.SetConnectionStatus(id, storage.StatusExpired, ""); err != nil {
		s.logger.Error("failed to mark connection expired", err,
			logging.String("connection_id", id))
	}
}

func splitScopes(raw string) []string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

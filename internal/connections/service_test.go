package connections

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailbridge/internal/common/errors"
	"mailbridge/internal/common/logging"
	"mailbridge/internal/crypto"
	"mailbridge/internal/oauth"
	"mailbridge/internal/storage"
)

// fakeStorage is an in-memory storage.Storage for service tests.
type fakeStorage struct {
	mu          sync.Mutex
	connections map[string]*storage.Connection
	artifacts   map[string][]*storage.Artifact
	settings    map[string]string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		connections: make(map[string]*storage.Connection),
		artifacts:   make(map[string][]*storage.Artifact),
		settings:    make(map[string]string),
	}
}

func (f *fakeStorage) Connect(config storage.StorageConfig) error { return nil }
func (f *fakeStorage) Close() error                               { return nil }
func (f *fakeStorage) Health() error                              { return nil }

func copyConn(c *storage.Connection) *storage.Connection {
	dup := *c
	return &dup
}

func (f *fakeStorage) CreateConnection(conn *storage.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	f.connections[conn.ID] = copyConn(conn)
	return nil
}

func (f *fakeStorage) GetConnection(id, userID string) (*storage.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.connections[id]
	if !ok || conn.UserID != userID {
		return nil, nil
	}
	return copyConn(conn), nil
}

func (f *fakeStorage) GetLiveConnectionByIdentity(userID, email, provider string) (*storage.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.connections {
		if conn.UserID == userID && conn.Email == email && conn.Provider == provider &&
			conn.Status != storage.StatusArchived {
			return copyConn(conn), nil
		}
	}
	return nil, nil
}

func (f *fakeStorage) ListConnections(userID string, includeArchived bool) ([]*storage.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var conns []*storage.Connection
	for _, conn := range f.connections {
		if conn.UserID != userID {
			continue
		}
		if !includeArchived && conn.Status == storage.StatusArchived {
			continue
		}
		conns = append(conns, copyConn(conn))
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns, nil
}

func (f *fakeStorage) UpdateConnection(conn *storage.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.connections[conn.ID]
	if !ok {
		return nil
	}
	dup := copyConn(conn)
	dup.CreatedAt = stored.CreatedAt
	dup.UpdatedAt = time.Now().UTC()
	f.connections[conn.ID] = dup
	return nil
}

func (f *fakeStorage) UpdateConnectionTokens(id, prevRefreshToken, accessToken, refreshToken string, expiresAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.connections[id]
	if !ok || conn.RefreshToken != prevRefreshToken {
		return false, nil
	}
	now := time.Now().UTC()
	conn.AccessToken = accessToken
	conn.RefreshToken = refreshToken
	conn.TokenExpiresAt = &expiresAt
	conn.Status = storage.StatusActive
	conn.ErrorMessage = ""
	conn.LastCheckedAt = &now
	conn.UpdatedAt = now
	return true, nil
}

func (f *fakeStorage) SetConnectionStatus(id, status, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.connections[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	conn.Status = status
	conn.ErrorMessage = errorMessage
	conn.LastCheckedAt = &now
	conn.UpdatedAt = now
	return nil
}

func (f *fakeStorage) TouchConnectionSync(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conn, ok := f.connections[id]; ok {
		now := time.Now().UTC()
		conn.LastSyncAt = &now
		conn.UpdatedAt = now
	}
	return nil
}

func (f *fakeStorage) ArchiveConnection(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conn, ok := f.connections[id]; ok {
		now := time.Now().UTC()
		conn.Status = storage.StatusArchived
		conn.ArchivedAt = &now
		conn.AccessToken = ""
		conn.RefreshToken = ""
		conn.ErrorMessage = ""
		conn.UpdatedAt = now
	}
	return nil
}

func (f *fakeStorage) DeleteConnection(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connections, id)
	return nil
}

func (f *fakeStorage) CreateArtifact(artifact *storage.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[artifact.ConnectionID] = append(f.artifacts[artifact.ConnectionID], artifact)
	return nil
}

func (f *fakeStorage) CountArtifacts(connectionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.artifacts[connectionID]), nil
}

func (f *fakeStorage) DeleteArtifacts(connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.artifacts, connectionID)
	return nil
}

func (f *fakeStorage) ListStaleConnections(checkedBefore time.Time, limit int) ([]*storage.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var conns []*storage.Connection
	for _, conn := range f.connections {
		if conn.Status != storage.StatusExpired && conn.Status != storage.StatusError {
			continue
		}
		if conn.LastCheckedAt != nil && !conn.LastCheckedAt.Before(checkedBefore) {
			continue
		}
		conns = append(conns, copyConn(conn))
		if len(conns) == limit {
			break
		}
	}
	return conns, nil
}

func (f *fakeStorage) ListConnectionsForValidation(activeSince time.Time) ([]*storage.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var conns []*storage.Connection
	for _, conn := range f.connections {
		switch conn.Status {
		case storage.StatusActive:
			conns = append(conns, copyConn(conn))
		case storage.StatusExpired, storage.StatusError:
			if conn.LastSyncAt != nil && !conn.LastSyncAt.Before(activeSince) {
				conns = append(conns, copyConn(conn))
			}
		}
	}
	return conns, nil
}

func (f *fakeStorage) ListExpiringConnections(expiresBefore time.Time) ([]*storage.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var conns []*storage.Connection
	for _, conn := range f.connections {
		if conn.Status == storage.StatusActive && conn.RefreshToken != "" &&
			conn.TokenExpiresAt != nil && !conn.TokenExpiresAt.After(expiresBefore) {
			conns = append(conns, copyConn(conn))
		}
	}
	return conns, nil
}

func (f *fakeStorage) ListRecoverableConnections(erroredSince time.Time, limit int) ([]*storage.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var conns []*storage.Connection
	for _, conn := range f.connections {
		if conn.Status == storage.StatusError && conn.RefreshToken != "" &&
			!conn.UpdatedAt.Before(erroredSince) {
			conns = append(conns, copyConn(conn))
			if len(conns) == limit {
				break
			}
		}
	}
	return conns, nil
}

func (f *fakeStorage) ListQuiescentConnections(idleSince time.Time) ([]*storage.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var conns []*storage.Connection
	for _, conn := range f.connections {
		if conn.Status != storage.StatusError && conn.Status != storage.StatusExpired {
			continue
		}
		last := conn.UpdatedAt
		if conn.LastCheckedAt != nil {
			last = *conn.LastCheckedAt
		}
		if last.Before(idleSince) {
			conns = append(conns, copyConn(conn))
		}
	}
	return conns, nil
}

func (f *fakeStorage) GetSetting(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings[key], nil
}

func (f *fakeStorage) SetSetting(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = value
	return nil
}

// stubProtocol is a programmable oauth.ProtocolClient.
type stubProtocol struct {
	mu sync.Mutex

	exchangeSet *oauth.TokenSet
	exchangeErr error
	refreshSet  *oauth.TokenSet
	refreshErr  error
	identity    *oauth.Identity
	identityErr error
	revokeOK    bool

	refreshCalls     int
	identityCalls    int
	revokeCalls      int
	exchangeRedirect string
}

func (p *stubProtocol) AuthorizationURL(state, redirectURI string, scopes []string) string {
	return "https://provider.example.com/auth?state=" + state
}

func (p *stubProtocol) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.TokenSet, error) {
	p.mu.Lock()
	p.exchangeRedirect = redirectURI
	p.mu.Unlock()
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	set := *p.exchangeSet
	return &set, nil
}

func (p *stubProtocol) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenSet, error) {
	p.mu.Lock()
	p.refreshCalls++
	p.mu.Unlock()
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	set := *p.refreshSet
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	return &set, nil
}

func (p *stubProtocol) FetchIdentity(ctx context.Context, accessToken string) (*oauth.Identity, error) {
	p.mu.Lock()
	p.identityCalls++
	p.mu.Unlock()
	if p.identityErr != nil {
		return nil, p.identityErr
	}
	id := *p.identity
	return &id, nil
}

func (p *stubProtocol) Revoke(ctx context.Context, token string) bool {
	p.mu.Lock()
	p.revokeCalls++
	p.mu.Unlock()
	return p.revokeOK
}

type serviceFixture struct {
	service  *Service
	storage  *fakeStorage
	protocol *stubProtocol
	states   *oauth.MemoryStateStore
	vault    *crypto.TokenVault
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	vault, err := crypto.NewTokenVault("unit-test-master-secret")
	require.NoError(t, err)

	store := newFakeStorage()
	protocol := &stubProtocol{
		exchangeSet: &oauth.TokenSet{
			AccessToken:  "A",
			RefreshToken: "R",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
		refreshSet: &oauth.TokenSet{
			AccessToken: "refreshed-access",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
		identity: &oauth.Identity{ID: "p1", Email: "u@x.com", Name: "U"},
		revokeOK: true,
	}
	states := oauth.NewMemoryStateStore(10 * time.Minute)

	svc := NewService(store, vault, protocol, states, Config{
		RefreshBuffer: 5 * time.Minute,
		DefaultScopes: []string{"https://www.googleapis.com/auth/gmail.readonly"},
	}, logging.NewNoOpLogger())

	return &serviceFixture{service: svc, storage: store, protocol: protocol, states: states, vault: vault}
}

// seed persists an active connection with encrypted tokens and returns it.
func (fx *serviceFixture) seed(t *testing.T, userID, email, access, refresh string, expiresAt time.Time) *storage.Connection {
	t.Helper()
	conn, err := fx.service.Create(context.Background(), userID, CreateRequest{
		Provider:     "google",
		Email:        email,
		Name:         email,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    &expiresAt,
		Scopes:       []string{"email"},
	})
	require.NoError(t, err)
	return conn
}

func (fx *serviceFixture) stored(t *testing.T, id string) *storage.Connection {
	t.Helper()
	fx.storage.mu.Lock()
	defer fx.storage.mu.Unlock()
	conn, ok := fx.storage.connections[id]
	require.True(t, ok, "connection %s not in storage", id)
	return copyConn(conn)
}

func TestService_EndToEndAuthorization(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	intent, err := fx.service.InitiateAuthorization(ctx, "user-1", "https://app/cb", nil)
	require.NoError(t, err)
	assert.Contains(t, intent.AuthorizationURL, intent.State)

	conn, err := fx.service.CompleteAuthorization(ctx, intent.State, "c1", "")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, conn.Status)
	assert.Equal(t, "u@x.com", conn.Email)
	assert.Equal(t, "p1", conn.ProviderAccountID)

	// The code exchange is bound to the redirect the flow started with.
	assert.Equal(t, "https://app/cb", fx.protocol.exchangeRedirect)

	// Credentials land encrypted; the vault round-trips them.
	stored := fx.stored(t, conn.ID)
	assert.NotEqual(t, "A", stored.AccessToken)
	access, err := fx.vault.Decrypt(stored.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "A", access)
	refresh, err := fx.vault.Decrypt(stored.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "R", refresh)

	// The state is consumed once the connection exists.
	pending, err := fx.states.ValidateAndPeek(ctx, intent.State)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestService_CompleteAuthorization_UnknownState(t *testing.T) {
	fx := newServiceFixture(t)

	_, err := fx.service.CompleteAuthorization(context.Background(), "bogus", "c1", "")
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidOAuthState, errors.GetCode(err))
}

func TestService_CompleteAuthorization_ExchangeFailureKeepsState(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	intent, err := fx.service.InitiateAuthorization(ctx, "user-1", "", nil)
	require.NoError(t, err)

	fx.protocol.exchangeErr = errors.TokenExchangeFailed(nil)
	_, err = fx.service.CompleteAuthorization(ctx, intent.State, "c1", "")
	require.Error(t, err)

	// The state survives a failed exchange so the callback can be retried.
	pending, err := fx.states.ValidateAndPeek(ctx, intent.State)
	require.NoError(t, err)
	assert.NotNil(t, pending)
}

func TestService_DuplicateRejection(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	first := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))
	before := fx.stored(t, first.ID)

	_, err := fx.service.Create(ctx, "user-1", CreateRequest{
		Provider: "google", Email: "u@x.com", AccessToken: "A2", RefreshToken: "R2",
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeConnectionAlreadyExists, errors.GetCode(err))

	// The existing row is untouched.
	after := fx.stored(t, first.ID)
	assert.Equal(t, before.AccessToken, after.AccessToken)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestService_Create_AllowedAfterArchive(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	first := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))
	require.NoError(t, fx.storage.ArchiveConnection(first.ID))

	second, err := fx.service.Create(ctx, "user-1", CreateRequest{
		Provider: "google", Email: "u@x.com", AccessToken: "A2",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestService_GetTokens_RefreshInsideBuffer(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	// Expires in 4 minutes with a 5 minute buffer: must refresh exactly once.
	conn := fx.seed(t, "user-1", "u@x.com", "old-access", "old-refresh", time.Now().Add(4*time.Minute))

	bundle, err := fx.service.GetTokens(ctx, conn.ID, "user-1", true)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", bundle.AccessToken)
	assert.Equal(t, "old-refresh", bundle.RefreshToken) // provider did not rotate it
	assert.Equal(t, 1, fx.protocol.refreshCalls)

	// The new expiry is persisted.
	stored := fx.stored(t, conn.ID)
	require.NotNil(t, stored.TokenExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *stored.TokenExpiresAt, 5*time.Second)
	assert.Equal(t, storage.StatusActive, stored.Status)
	assert.NotNil(t, stored.LastSyncAt)
}

func TestService_GetTokens_NoRefreshOutsideBuffer(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))

	bundle, err := fx.service.GetTokens(ctx, conn.ID, "user-1", true)
	require.NoError(t, err)
	assert.Equal(t, "A", bundle.AccessToken)
	assert.Equal(t, 0, fx.protocol.refreshCalls)
}

func TestService_GetTokens_AutoRefreshDisabled(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(-time.Minute))

	bundle, err := fx.service.GetTokens(ctx, conn.ID, "user-1", false)
	require.NoError(t, err)
	assert.Equal(t, "A", bundle.AccessToken)
	assert.Equal(t, 0, fx.protocol.refreshCalls)
}

func TestService_GetTokens_StaleButAvailable(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "old-access", "R", time.Now().Add(time.Minute))
	fx.protocol.refreshErr = errors.TokenRefreshFailed(nil)

	bundle, err := fx.service.GetTokens(ctx, conn.ID, "user-1", true)
	require.NoError(t, err)
	require.NotNil(t, bundle)

	// The caller still gets the previously stored token.
	assert.Equal(t, "old-access", bundle.AccessToken)

	// But the connection records the failure.
	stored := fx.stored(t, conn.ID)
	assert.Equal(t, storage.StatusError, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage)
}

func TestService_GetTokens_NoRefreshTokenReturnsStale(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "expired-access", "", time.Now().Add(-time.Minute))

	bundle, err := fx.service.GetTokens(ctx, conn.ID, "user-1", true)
	require.NoError(t, err)
	assert.Equal(t, "expired-access", bundle.AccessToken)
	assert.Equal(t, 0, fx.protocol.refreshCalls)

	// No local error is fabricated, but a token past expiry with nothing
	// to heal it is surfaced as expired rather than left looking healthy.
	assert.Equal(t, storage.StatusExpired, fx.stored(t, conn.ID).Status)
}

func TestService_GetTokens_NoRefreshTokenStillValid(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	// Inside the refresh buffer but not yet expired.
	conn := fx.seed(t, "user-1", "u@x.com", "closing-access", "", time.Now().Add(2*time.Minute))

	bundle, err := fx.service.GetTokens(ctx, conn.ID, "user-1", true)
	require.NoError(t, err)
	assert.Equal(t, "closing-access", bundle.AccessToken)
	assert.Equal(t, storage.StatusActive, fx.stored(t, conn.ID).Status)
}

func TestService_GetTokens_DecryptFailure(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))

	// Corrupt the stored ciphertext.
	fx.storage.mu.Lock()
	fx.storage.connections[conn.ID].AccessToken = "not-valid-ciphertext"
	fx.storage.mu.Unlock()

	bundle, err := fx.service.GetTokens(ctx, conn.ID, "user-1", true)
	require.Error(t, err)
	assert.Nil(t, bundle)
	assert.Equal(t, errors.CodeDecryptionFailed, errors.GetCode(err))
	assert.Equal(t, storage.StatusError, fx.stored(t, conn.ID).Status)
}

func TestService_GetTokens_RevokedConnection(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))
	require.NoError(t, fx.storage.SetConnectionStatus(conn.ID, storage.StatusRevoked, ""))

	_, err := fx.service.GetTokens(ctx, conn.ID, "user-1", true)
	require.Error(t, err)
	assert.Equal(t, errors.CodeConnectionRevoked, errors.GetCode(err))
}

func TestService_GetTokens_OwnershipScoped(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))

	_, err := fx.service.GetTokens(ctx, conn.ID, "user-2", true)
	require.Error(t, err)
	assert.Equal(t, errors.CodeConnectionNotFound, errors.GetCode(err))
}

func TestService_Update_StatusRules(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))
	require.NoError(t, fx.storage.SetConnectionStatus(conn.ID, storage.StatusError, "boom"))

	// Setting active is an operator reset and clears the error message.
	active := storage.StatusActive
	updated, err := fx.service.Update(ctx, conn.ID, "user-1", UpdateRequest{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, updated.Status)
	assert.Empty(t, updated.ErrorMessage)

	// Revocation comes only from the provider and archival only through
	// Delete; neither is reachable by a direct status write.
	for _, reserved := range []string{storage.StatusRevoked, storage.StatusArchived} {
		target := reserved
		_, err = fx.service.Update(ctx, conn.ID, "user-1", UpdateRequest{Status: &target})
		require.Error(t, err)
		assert.Equal(t, errors.CodeValidationFailed, errors.GetCode(err))
		assert.Equal(t, storage.StatusActive, fx.stored(t, conn.ID).Status)
	}

	// Terminal statuses never transition.
	require.NoError(t, fx.storage.SetConnectionStatus(conn.ID, storage.StatusRevoked, ""))
	_, err = fx.service.Update(ctx, conn.ID, "user-1", UpdateRequest{Status: &active})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidationFailed, errors.GetCode(err))

	bogus := "resting"
	_, err = fx.service.Update(ctx, conn.ID, "user-1", UpdateRequest{Status: &bogus})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidationFailed, errors.GetCode(err))
}

func TestService_MarkError_Sanitizes(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))

	require.NoError(t, fx.service.MarkError(ctx, conn.ID, "user-1", "access_token=abc123 failed"))

	stored := fx.stored(t, conn.ID)
	assert.Equal(t, storage.StatusError, stored.Status)
	assert.NotContains(t, stored.ErrorMessage, "abc123")
	assert.Contains(t, stored.ErrorMessage, "[REDACTED]")
}

func TestService_Delete_HardDeleteWithoutArtifacts(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))

	result, err := fx.service.Delete(ctx, conn.ID, "user-1")
	require.NoError(t, err)
	assert.False(t, result.Archived)
	assert.True(t, result.Revoked)
	assert.Equal(t, 1, fx.protocol.revokeCalls)

	fx.storage.mu.Lock()
	_, exists := fx.storage.connections[conn.ID]
	fx.storage.mu.Unlock()
	assert.False(t, exists)
}

func TestService_Delete_ArchivesWithArtifacts(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))
	require.NoError(t, fx.storage.CreateArtifact(&storage.Artifact{
		ID: "art-1", ConnectionID: conn.ID, Kind: "message",
	}))

	result, err := fx.service.Delete(ctx, conn.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, result.Archived)

	stored := fx.stored(t, conn.ID)
	assert.Equal(t, storage.StatusArchived, stored.Status)
	assert.NotNil(t, stored.ArchivedAt)
}

func TestService_Delete_RevokeFailureDoesNotBlock(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	fx.protocol.revokeOK = false
	conn := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))

	result, err := fx.service.Delete(ctx, conn.ID, "user-1")
	require.NoError(t, err)
	assert.False(t, result.Revoked)

	fx.storage.mu.Lock()
	_, exists := fx.storage.connections[conn.ID]
	fx.storage.mu.Unlock()
	assert.False(t, exists)
}

func TestService_RefreshNow(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))

	result, err := fx.service.RefreshNow(ctx, conn.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.NotNil(t, result.NewExpiry)
	assert.Equal(t, 1, fx.protocol.refreshCalls)
}

func TestService_RefreshNow_FailurePropagates(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))
	fx.protocol.refreshErr = errors.TokenRefreshFailed(nil)

	_, err := fx.service.RefreshNow(ctx, conn.ID, "user-1")
	require.Error(t, err)
	assert.Equal(t, errors.CodeTokenRefreshFailed, errors.GetCode(err))
	assert.Equal(t, storage.StatusError, fx.stored(t, conn.ID).Status)
}

func TestService_RefreshNow_NoRefreshToken(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "A", "", time.Now().Add(time.Hour))

	_, err := fx.service.RefreshNow(ctx, conn.ID, "user-1")
	require.Error(t, err)
	assert.Equal(t, errors.CodeTokenRefreshFailed, errors.GetCode(err))

	// Still within its token's lifetime, so the status is untouched.
	assert.Equal(t, storage.StatusActive, fx.stored(t, conn.ID).Status)

	expired := fx.seed(t, "user-1", "e@x.com", "A", "", time.Now().Add(-time.Minute))
	_, err = fx.service.RefreshNow(ctx, expired.ID, "user-1")
	require.Error(t, err)
	assert.Equal(t, storage.StatusExpired, fx.stored(t, expired.ID).Status)
}

func TestService_BulkStatus(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	fx.seed(t, "user-1", "a@x.com", "A", "R", time.Now().Add(time.Hour))
	errored := fx.seed(t, "user-1", "b@x.com", "A", "R", time.Now().Add(time.Hour))
	require.NoError(t, fx.storage.SetConnectionStatus(errored.ID, storage.StatusError, "boom"))
	archived := fx.seed(t, "user-1", "c@x.com", "A", "R", time.Now().Add(time.Hour))
	require.NoError(t, fx.storage.ArchiveConnection(archived.ID))
	fx.seed(t, "user-2", "d@x.com", "A", "R", time.Now().Add(time.Hour))

	report, err := fx.service.BulkStatus(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Active)
	assert.Equal(t, 1, report.Error)
	assert.Equal(t, 0, report.Expired)
	assert.Len(t, report.Connections, 2)
}

func TestService_CheckHealth(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))

	report, err := fx.service.CheckHealth(ctx, conn.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Equal(t, storage.StatusActive, report.Status)
	assert.Equal(t, 1, fx.protocol.identityCalls)
}

func TestService_CheckHealth_ProviderRejects(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "A", "R", time.Now().Add(time.Hour))
	fx.protocol.identityErr = errors.IdentityFetchFailed(nil)

	report, err := fx.service.CheckHealth(ctx, conn.ID, "user-1")
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Equal(t, storage.StatusError, report.Status)
	assert.Equal(t, storage.StatusError, fx.stored(t, conn.ID).Status)
}

func TestService_GetTokens_ConcurrentRefreshConverges(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := fx.seed(t, "user-1", "u@x.com", "old-access", "old-refresh", time.Now().Add(time.Minute))

	// Simulate a sweep having already committed newer tokens between this
	// caller's read and its commit: the stored refresh ciphertext changes.
	newerAccess, err := fx.vault.Encrypt("sweep-access")
	require.NoError(t, err)
	newerRefresh, err := fx.vault.Encrypt("sweep-refresh")
	require.NoError(t, err)

	stale := fx.stored(t, conn.ID)
	farOut := time.Now().Add(time.Hour)
	committed, err := fx.storage.UpdateConnectionTokens(conn.ID, stale.RefreshToken, newerAccess, newerRefresh, farOut)
	require.NoError(t, err)
	require.True(t, committed)

	// The service reads the row fresh, so its first optimistic commit
	// succeeds; what matters is the final state is consistent, not torn.
	bundle, err := fx.service.GetTokens(ctx, conn.ID, "user-1", true)
	require.NoError(t, err)
	require.NotNil(t, bundle)

	stored := fx.stored(t, conn.ID)
	storedAccess, err := fx.vault.Decrypt(stored.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, bundle.AccessToken, storedAccess)
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains []string
		excludes []string
	}{
		{
			name:     "token assignment",
			input:    "access_token=abc123 failed",
			contains: []string{"[REDACTED]", "failed"},
			excludes: []string{"abc123"},
		},
		{
			name:     "bearer header",
			input:    `provider returned 401 for "Bearer eyJhbGciOiJSUzI1NiJ9"`,
			contains: []string{"[REDACTED]", "401"},
			excludes: []string{"eyJhbGciOiJSUzI1NiJ9"},
		},
		{
			name:     "google token prefix",
			input:    "request with ya29.a0AfH6SMBx71 rejected",
			contains: []string{"[REDACTED]", "rejected"},
			excludes: []string{"ya29"},
		},
		{
			name:     "client secret in json",
			input:    `{"client_secret": "super-secret-value"}`,
			excludes: []string{"super-secret-value"},
		},
		{
			name:     "plain message untouched",
			input:    "connection timed out after 30s",
			contains: []string{"connection timed out after 30s"},
		},
		{
			name:     "empty",
			input:    "",
			contains: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeErrorMessage(tt.input)
			for _, want := range tt.contains {
				assert.Contains(t, got, want)
			}
			for _, not := range tt.excludes {
				assert.NotContains(t, got, not)
			}
		})
	}
}

func TestSanitizeErrorMessage_Truncates(t *testing.T) {
	long := strings.Repeat("x ", 600)
	got := sanitizeErrorMessage(long)
	assert.LessOrEqual(t, len(got), maxErrorMessageLength+3)
	assert.True(t, strings.HasSuffix(got, "..."))
}

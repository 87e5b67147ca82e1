// Package storage defines the persistence contract for connections and the
// models shared by the SQLite and PostgreSQL adapters.
package storage

import (
	"time"
)

// Connection statuses. Revoked and archived are terminal.
const (
	StatusActive   = "active"
	StatusExpired  = "expired"
	StatusError    = "error"
	StatusRevoked  = "revoked"
	StatusArchived = "archived"
)

// IsTerminalStatus reports whether a connection in this status can never
// transition anywhere else.
func IsTerminalStatus(status string) bool {
	return status == StatusRevoked || status == StatusArchived
}

// ValidStatus reports whether the value is a known connection status.
func ValidStatus(status string) bool {
	switch status {
	case StatusActive, StatusExpired, StatusError, StatusRevoked, StatusArchived:
		return true
	}
	return false
}

// Connection is a linked provider mailbox. AccessToken and RefreshToken hold
// ciphertext; only the vault in the service layer sees plaintext credentials.
type Connection struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	Provider          string `json:"provider"`
	ProviderAccountID string `json:"provider_account_id,omitempty"`
	Email             string `json:"email"`
	Name              string `json:"name,omitempty"`

	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`

	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	Scopes         []string   `json:"scopes,omitempty"`

	// OAuthData carries provider identity facts with no schema of their own
	// (display name, avatar URL). Serialized to JSON at the adapter edge.
	OAuthData map[string]string `json:"oauth_data,omitempty"`

	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Artifact is a record derived from a connection (a synced message, a label
// mapping, a watch channel). Connections with artifacts are archived instead
// of hard-deleted so the derived records keep a valid parent.
type Artifact struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Kind         string    `json:"kind"`
	Reference    string    `json:"reference"`
	CreatedAt    time.Time `json:"created_at"`
}

// Storage is the persistence contract shared by all adapters.
//
// Lookup methods return (nil, nil) when no row matches; errors are reserved
// for the backend actually failing.
type Storage interface {
	// Connection management
	Connect(config StorageConfig) error
	Close() error
	Health() error

	// Connections
	CreateConnection(conn *Connection) error
	GetConnection(id, userID string) (*Connection, error)
	// GetLiveConnectionByIdentity finds a non-archived connection for the
	// same user, mailbox and provider. Used for duplicate detection.
	GetLiveConnectionByIdentity(userID, email, provider string) (*Connection, error)
	ListConnections(userID string, includeArchived bool) ([]*Connection, error)
	UpdateConnection(conn *Connection) error

	// UpdateConnectionTokens commits refreshed credentials only if the stored
	// refresh token still equals prevRefreshToken (all three are ciphertext).
	// Returns false without error when another writer got there first.
	// A successful commit also resets the status to active and clears any
	// error message.
	UpdateConnectionTokens(id, prevRefreshToken, accessToken, refreshToken string, expiresAt time.Time) (bool, error)

	// SetConnectionStatus transitions the status, records the error message
	// (empty clears it) and stamps last_checked_at.
	SetConnectionStatus(id, status, errorMessage string) error
	TouchConnectionSync(id string) error
	ArchiveConnection(id string) error
	DeleteConnection(id string) error

	// Artifacts
	CreateArtifact(artifact *Artifact) error
	CountArtifacts(connectionID string) (int, error)
	DeleteArtifacts(connectionID string) error

	// Health sweep queries
	// ListStaleConnections returns expired/error connections not checked
	// since the cutoff (never-checked ones included), oldest first, capped
	// at limit.
	ListStaleConnections(checkedBefore time.Time, limit int) ([]*Connection, error)
	// ListConnectionsForValidation returns every active connection plus
	// expired/error ones with sync activity since the cutoff.
	ListConnectionsForValidation(activeSince time.Time) ([]*Connection, error)
	// ListExpiringConnections returns active connections whose access token
	// expires before the cutoff and which hold a refresh token.
	ListExpiringConnections(expiresBefore time.Time) ([]*Connection, error)
	// ListRecoverableConnections returns errored connections updated since
	// the cutoff which hold a refresh token, capped at limit.
	ListRecoverableConnections(erroredSince time.Time, limit int) ([]*Connection, error)
	// ListQuiescentConnections returns error and expired connections that
	// no check has touched since the cutoff. Active connections are never
	// candidates: idleness alone must not cost a user their account link.
	ListQuiescentConnections(idleSince time.Time) ([]*Connection, error)

	// Settings
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

type StorageConfig interface {
	Validate() error
	GetType() string
	GetConnectionString() string
}

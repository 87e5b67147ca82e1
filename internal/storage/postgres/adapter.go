// Package postgres implements connection storage on PostgreSQL via the pgx
// driver. Mirrors the sqlite adapter query for query.
package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"mailbridge/internal/storage"
)

type Adapter struct {
	db     *sql.DB
	config *Config
}

func NewAdapter(config *Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL config: %w", err)
	}

	db, err := sql.Open("pgx", config.GetConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{
		db:     db,
		config: config,
	}

	if err := adapter.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return adapter, nil
}

func (a *Adapter) Connect(config storage.StorageConfig) error {
	pgConfig, ok := config.(*Config)
	if !ok {
		return fmt.Errorf("invalid config type for PostgreSQL storage")
	}

	newAdapter, err := NewAdapter(pgConfig)
	if err != nil {
		return err
	}

	if a.db != nil {
		a.db.Close()
	}

	a.db = newAdapter.db
	a.config = newAdapter.config

	return nil
}

func (a *Adapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func (a *Adapter) Health() error {
	return a.db.Ping()
}

func (a *Adapter) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			provider_account_id TEXT DEFAULT '',
			email TEXT NOT NULL,
			name TEXT DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			error_message TEXT DEFAULT '',
			access_token TEXT DEFAULT '',
			refresh_token TEXT DEFAULT '',
			token_expires_at TIMESTAMPTZ,
			scopes TEXT DEFAULT '[]',
			oauth_data TEXT DEFAULT '{}',
			last_sync_at TIMESTAMPTZ,
			last_checked_at TIMESTAMPTZ,
			archived_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS connection_artifacts (
			id TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL REFERENCES connections (id),
			kind TEXT NOT NULL,
			reference TEXT DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_connections_user_id ON connections(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_status ON connections(status)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_identity ON connections(user_id, email, provider)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_last_checked ON connections(last_checked_at)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_token_expiry ON connections(token_expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_connection_id ON connection_artifacts(connection_id)`,
	}

	for _, query := range queries {
		if _, err := a.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration query: %w", err)
		}
	}

	return nil
}

const connectionColumns = `id, user_id, provider, provider_account_id, email, name, status, error_message,
	access_token, refresh_token, token_expires_at, scopes, oauth_data,
	last_sync_at, last_checked_at, archived_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row rowScanner) (*storage.Connection, error) {
	conn := &storage.Connection{}
	var scopesJSON, oauthDataJSON string
	var tokenExpiresAt, lastSyncAt, lastCheckedAt, archivedAt sql.NullTime

	err := row.Scan(&conn.ID, &conn.UserID, &conn.Provider, &conn.ProviderAccountID,
		&conn.Email, &conn.Name, &conn.Status, &conn.ErrorMessage,
		&conn.AccessToken, &conn.RefreshToken, &tokenExpiresAt, &scopesJSON, &oauthDataJSON,
		&lastSyncAt, &lastCheckedAt, &archivedAt, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if scopesJSON != "" {
		if err := json.Unmarshal([]byte(scopesJSON), &conn.Scopes); err != nil {
			return nil, fmt.Errorf("failed to decode scopes: %w", err)
		}
	}
	if oauthDataJSON != "" {
		if err := json.Unmarshal([]byte(oauthDataJSON), &conn.OAuthData); err != nil {
			return nil, fmt.Errorf("failed to decode oauth data: %w", err)
		}
	}
	if tokenExpiresAt.Valid {
		conn.TokenExpiresAt = &tokenExpiresAt.Time
	}
	if lastSyncAt.Valid {
		conn.LastSyncAt = &lastSyncAt.Time
	}
	if lastCheckedAt.Valid {
		conn.LastCheckedAt = &lastCheckedAt.Time
	}
	if archivedAt.Valid {
		conn.ArchivedAt = &archivedAt.Time
	}

	return conn, nil
}

func scanConnections(rows *sql.Rows) ([]*storage.Connection, error) {
	defer rows.Close()

	var conns []*storage.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func (a *Adapter) CreateConnection(conn *storage.Connection) error {
	scopesJSON, oauthDataJSON, err := encodeBlobs(conn)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	query := `INSERT INTO connections (id, user_id, provider, provider_account_id, email, name, status, error_message,
			  access_token, refresh_token, token_expires_at, scopes, oauth_data,
			  last_sync_at, last_checked_at, archived_at, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = a.db.Exec(query, conn.ID, conn.UserID, conn.Provider, conn.ProviderAccountID,
		conn.Email, conn.Name, conn.Status, conn.ErrorMessage,
		conn.AccessToken, conn.RefreshToken, conn.TokenExpiresAt, scopesJSON, oauthDataJSON,
		conn.LastSyncAt, conn.LastCheckedAt, conn.ArchivedAt, conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

func encodeBlobs(conn *storage.Connection) (string, string, error) {
	scopesJSON, err := json.Marshal(conn.Scopes)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode scopes: %w", err)
	}

	oauthData := conn.OAuthData
	if oauthData == nil {
		oauthData = map[string]string{}
	}
	oauthDataJSON, err := json.Marshal(oauthData)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode oauth data: %w", err)
	}

	return string(scopesJSON), string(oauthDataJSON), nil
}

func (a *Adapter) GetConnection(id, userID string) (*storage.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1 AND user_id = $2`

	conn, err := scanConnection(a.db.QueryRow(query, id, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

func (a *Adapter) GetLiveConnectionByIdentity(userID, email, provider string) (*storage.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections
			  WHERE user_id = $1 AND email = $2 AND provider = $3 AND status != 'archived'
			  ORDER BY created_at DESC LIMIT 1`

	conn, err := scanConnection(a.db.QueryRow(query, userID, email, provider))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection by identity: %w", err)
	}
	return conn, nil
}

func (a *Adapter) ListConnections(userID string, includeArchived bool) ([]*storage.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE user_id = $1`
	if !includeArchived {
		query += ` AND status != 'archived'`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := a.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return scanConnections(rows)
}

func (a *Adapter) UpdateConnection(conn *storage.Connection) error {
	scopesJSON, oauthDataJSON, err := encodeBlobs(conn)
	if err != nil {
		return err
	}

	query := `UPDATE connections SET name = $1, status = $2, error_message = $3,
			  access_token = $4, refresh_token = $5, token_expires_at = $6, scopes = $7, oauth_data = $8,
			  last_sync_at = $9, last_checked_at = $10, archived_at = $11, updated_at = NOW()
			  WHERE id = $12`

	_, err = a.db.Exec(query, conn.Name, conn.Status, conn.ErrorMessage,
		conn.AccessToken, conn.RefreshToken, conn.TokenExpiresAt, scopesJSON, oauthDataJSON,
		conn.LastSyncAt, conn.LastCheckedAt, conn.ArchivedAt, conn.ID)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}

	return nil
}

func (a *Adapter) UpdateConnectionTokens(id, prevRefreshToken, accessToken, refreshToken string, expiresAt time.Time) (bool, error) {
	query := `UPDATE connections SET access_token = $1, refresh_token = $2, token_expires_at = $3,
			  status = 'active', error_message = '', last_checked_at = NOW(), updated_at = NOW()
			  WHERE id = $4 AND refresh_token = $5`

	result, err := a.db.Exec(query, accessToken, refreshToken, expiresAt, id, prevRefreshToken)
	if err != nil {
		return false, fmt.Errorf("failed to update connection tokens: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

func (a *Adapter) SetConnectionStatus(id, status, errorMessage string) error {
	query := `UPDATE connections SET status = $1, error_message = $2,
			  last_checked_at = NOW(), updated_at = NOW()
			  WHERE id = $3`

	_, err := a.db.Exec(query, status, errorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to set connection status: %w", err)
	}
	return nil
}

func (a *Adapter) TouchConnectionSync(id string) error {
	query := `UPDATE connections SET last_sync_at = NOW(), updated_at = NOW() WHERE id = $1`

	_, err := a.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to touch connection sync time: %w", err)
	}
	return nil
}

// ArchiveConnection marks the connection archived and drops its credentials.
// Archived rows exist only to keep artifacts attached to a valid parent.
func (a *Adapter) ArchiveConnection(id string) error {
	query := `UPDATE connections SET status = 'archived', archived_at = NOW(),
			  access_token = '', refresh_token = '', error_message = '', updated_at = NOW()
			  WHERE id = $1`

	_, err := a.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to archive connection: %w", err)
	}
	return nil
}

func (a *Adapter) DeleteConnection(id string) error {
	_, err := a.db.Exec(`DELETE FROM connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return nil
}

func (a *Adapter) CreateArtifact(artifact *storage.Artifact) error {
	artifact.CreatedAt = time.Now().UTC()

	query := `INSERT INTO connection_artifacts (id, connection_id, kind, reference, created_at)
			  VALUES ($1, $2, $3, $4, $5)`

	_, err := a.db.Exec(query, artifact.ID, artifact.ConnectionID, artifact.Kind,
		artifact.Reference, artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	return nil
}

func (a *Adapter) CountArtifacts(connectionID string) (int, error) {
	var count int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM connection_artifacts WHERE connection_id = $1`, connectionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count artifacts: %w", err)
	}
	return count, nil
}

func (a *Adapter) DeleteArtifacts(connectionID string) error {
	_, err := a.db.Exec(`DELETE FROM connection_artifacts WHERE connection_id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("failed to delete artifacts: %w", err)
	}
	return nil
}

func (a *Adapter) ListStaleConnections(checkedBefore time.Time, limit int) ([]*storage.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections
			  WHERE status IN ('expired', 'error') AND (last_checked_at IS NULL OR last_checked_at < $1)
			  ORDER BY last_checked_at ASC NULLS FIRST LIMIT $2`

	rows, err := a.db.Query(query, checkedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale connections: %w", err)
	}
	return scanConnections(rows)
}

func (a *Adapter) ListConnectionsForValidation(activeSince time.Time) ([]*storage.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections
			  WHERE status = 'active'
			     OR (status IN ('expired', 'error') AND last_sync_at IS NOT NULL AND last_sync_at >= $1)
			  ORDER BY last_checked_at ASC NULLS FIRST`

	rows, err := a.db.Query(query, activeSince)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections for validation: %w", err)
	}
	return scanConnections(rows)
}

func (a *Adapter) ListExpiringConnections(expiresBefore time.Time) ([]*storage.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections
			  WHERE status = 'active' AND refresh_token != ''
			    AND token_expires_at IS NOT NULL AND token_expires_at <= $1
			  ORDER BY token_expires_at ASC`

	rows, err := a.db.Query(query, expiresBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring connections: %w", err)
	}
	return scanConnections(rows)
}

func (a *Adapter) ListRecoverableConnections(erroredSince time.Time, limit int) ([]*storage.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections
			  WHERE status = 'error' AND refresh_token != '' AND updated_at >= $1
			  ORDER BY updated_at ASC LIMIT $2`

	rows, err := a.db.Query(query, erroredSince, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recoverable connections: %w", err)
	}
	return scanConnections(rows)
}

func (a *Adapter) ListQuiescentConnections(idleSince time.Time) ([]*storage.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections
			  WHERE status IN ('error', 'expired') AND COALESCE(last_checked_at, updated_at) < $1
			  ORDER BY last_checked_at ASC NULLS FIRST`

	rows, err := a.db.Query(query, idleSince)
	if err != nil {
		return nil, fmt.Errorf("failed to list quiescent connections: %w", err)
	}
	return scanConnections(rows)
}

func (a *Adapter) GetSetting(key string) (string, error) {
	var value string
	err := a.db.QueryRow(`SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

func (a *Adapter) SetSetting(key, value string) error {
	query := `INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
			  ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

	_, err := a.db.Exec(query, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

package vault

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

// PostgresStore persists encrypted records in a restricted table reached
// over a dedicated SQL role. Credentials deliberately bypass the REST data
// layer the rest of the repository uses.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresStore connects and pings the vault database.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to vault database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping vault database: %w", err)
	}

	return &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[Vault:Postgres] ", log.LstdFlags),
	}, nil
}

// EnsureSchema creates the credentials table when it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS vault_credentials (
	connection_id   TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	platform        TEXT NOT NULL,
	ciphertext      BYTEA NOT NULL,
	algorithm       TEXT NOT NULL,
	key_version     INTEGER NOT NULL,
	integrity_hash  TEXT NOT NULL,
	encrypted_at    TIMESTAMPTZ NOT NULL,
	expires_at_ms   BIGINT NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'active',
	status_reason   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (organization_id, connection_id)
)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure vault schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, rec *EncryptedRecord) error {
	const query = `
INSERT INTO vault_credentials
	(connection_id, organization_id, platform, ciphertext, algorithm,
	 key_version, integrity_hash, encrypted_at, expires_at_ms, status,
	 status_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (organization_id, connection_id) DO UPDATE SET
	platform       = EXCLUDED.platform,
	ciphertext     = EXCLUDED.ciphertext,
	algorithm      = EXCLUDED.algorithm,
	key_version    = EXCLUDED.key_version,
	integrity_hash = EXCLUDED.integrity_hash,
	encrypted_at   = EXCLUDED.encrypted_at,
	expires_at_ms  = EXCLUDED.expires_at_ms,
	status         = EXCLUDED.status,
	status_reason  = EXCLUDED.status_reason,
	updated_at     = now()`

	_, err := s.db.ExecContext(ctx, query,
		rec.ConnectionID, rec.OrganizationID, string(rec.Platform),
		rec.Ciphertext, rec.Algorithm, rec.KeyVersion, rec.IntegrityHash,
		rec.EncryptedAt, rec.ExpiresAtMs, rec.Status, rec.StatusReason,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential record: %w", err)
	}
	return nil
}

const selectCols = `connection_id, organization_id, platform, ciphertext,
	algorithm, key_version, integrity_hash, encrypted_at, expires_at_ms,
	status, status_reason, created_at, updated_at`

func scanRecord(row interface{ Scan(...interface{}) error }) (*EncryptedRecord, error) {
	var rec EncryptedRecord
	var platform string
	err := row.Scan(
		&rec.ConnectionID, &rec.OrganizationID, &platform, &rec.Ciphertext,
		&rec.Algorithm, &rec.KeyVersion, &rec.IntegrityHash, &rec.EncryptedAt,
		&rec.ExpiresAtMs, &rec.Status, &rec.StatusReason, &rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Platform = core.Platform(platform)
	return &rec, nil
}

func (s *PostgresStore) Load(ctx context.Context, organizationID, connectionID string) (*EncryptedRecord, error) {
	query := `SELECT ` + selectCols + `
FROM vault_credentials
WHERE organization_id = $1 AND connection_id = $2`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, organizationID, connectionID))
	if err == sql.ErrNoRows {
		return nil, faults.NotFound("credential")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Delete(ctx context.Context, organizationID, connectionID string) error {
	const query = `DELETE FROM vault_credentials WHERE organization_id = $1 AND connection_id = $2`

	result, err := s.db.ExecContext(ctx, query, organizationID, connectionID)
	if err != nil {
		return fmt.Errorf("failed to delete credential record: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return faults.NotFound("credential")
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, organizationID, connectionID, status, reason string) error {
	const query = `
UPDATE vault_credentials
SET status = $3, status_reason = $4, updated_at = now()
WHERE organization_id = $1 AND connection_id = $2`

	result, err := s.db.ExecContext(ctx, query, organizationID, connectionID, status, reason)
	if err != nil {
		return fmt.Errorf("failed to update credential status: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return faults.NotFound("credential")
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, organizationID string) ([]*EncryptedRecord, error) {
	query := `SELECT ` + selectCols + `
FROM vault_credentials
WHERE organization_id = $1`

	rows, err := s.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credential records: %w", err)
	}
	defer rows.Close()

	out := []*EncryptedRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			s.logger.Printf("Skipping unreadable credential row: %v", err)
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListExpiring(ctx context.Context, before time.Time) ([]*EncryptedRecord, error) {
	query := `SELECT ` + selectCols + `
FROM vault_credentials
WHERE status = $1 AND expires_at_ms > 0 AND expires_at_ms <= $2
ORDER BY expires_at_ms ASC`

	rows, err := s.db.QueryContext(ctx, query, StatusActive, before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring credentials: %w", err)
	}
	defer rows.Close()

	out := []*EncryptedRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			s.logger.Printf("Skipping unreadable credential row: %v", err)
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

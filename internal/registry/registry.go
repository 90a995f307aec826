// Package registry is the source of truth for connections: named credential
// bindings whose secret material lives only in the vault.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/halcyon-ide/keywarden/internal/domain"
	"github.com/halcyon-ide/keywarden/internal/provider"
)

// SecretVault is the slice of the vault the registry needs for connection
// lifecycle: writing an initial secret and invalidating slots on delete.
type SecretVault interface {
	Set(ctx context.Context, ownerID, value string) (string, error)
	Invalidate(ctx context.Context, ownerID string) error
}

// SchemaSource resolves provider field schemas.
type SchemaSource interface {
	Get(providerID string) (provider.Schema, bool)
}

// Config holds registry storage configuration.
type Config struct {
	// DSN is the sqlite data source name for the connection store.
	DSN string
}

// Store is the sqlite-backed connection registry.
type Store struct {
	db      *sqlx.DB
	vault   SecretVault
	schemas SchemaSource
	logger  *slog.Logger
}

// New opens the registry and initializes its schema.
func New(cfg Config, vault SecretVault, schemas SchemaSource, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open connection store: %w", err)
	}

	s := &Store{db: db, vault: vault, schemas: schemas, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init connection schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS connections (
id TEXT PRIMARY KEY,
provider_id TEXT NOT NULL,
scope TEXT NOT NULL,
display_name TEXT NOT NULL,
config TEXT,
secret_ref TEXT,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_provider ON connections(provider_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// CreateParams describes a new connection. Secret, when set, is written to
// the vault immediately after the row exists; a vault failure rolls the
// whole create back.
type CreateParams struct {
	ProviderID  string
	Scope       domain.Scope
	DisplayName string
	Config      map[string]string
	Secret      string
}

// Create inserts a connection. Config fields the provider schema marks as
// secret are stripped before the row is written; their values exist only
// behind a vault reference.
func (s *Store) Create(ctx context.Context, p CreateParams) (*domain.Connection, error) {
	schema, ok := s.schemas.Get(p.ProviderID)
	if !ok {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("unknown provider %q", p.ProviderID))
	}
	if !p.Scope.Valid() {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("unknown scope %q", p.Scope))
	}
	if p.DisplayName == "" {
		return nil, domain.ErrInvalidRequest("display name is required")
	}

	conn := &domain.Connection{
		ID:          uuid.New().String(),
		ProviderID:  p.ProviderID,
		Scope:       p.Scope,
		DisplayName: p.DisplayName,
		Config:      stripSecretFields(p.Config, schema),
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	cfgJSON, err := json.Marshal(conn.Config)
	if err != nil {
		return nil, fmt.Errorf("encode connection config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO connections (id, provider_id, scope, display_name, config, secret_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)`,
		conn.ID, conn.ProviderID, string(conn.Scope), conn.DisplayName, string(cfgJSON), conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		return nil, domain.ErrStorage("insert connection", err)
	}

	if p.Secret != "" {
		ref, err := s.vault.Set(ctx, conn.ID, p.Secret)
		if err != nil {
			// Roll the create back; a connection must not exist half
			// configured when its secret never made it to the vault.
			if _, derr := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, conn.ID); derr != nil {
				s.logger.Error("registry: rollback after vault failure did not complete",
					slog.String("connection_id", conn.ID),
					slog.String("error", derr.Error()))
			}
			return nil, err
		}
		updated, err := s.SetSecretRef(ctx, conn.ID, ref)
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	return conn, nil
}

// Get retrieves a connection by ID.
func (s *Store) Get(ctx context.Context, id string) (*domain.Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, provider_id, scope, display_name, config, secret_ref, created_at, updated_at
		FROM connections WHERE id = ?`, id)

	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound(fmt.Sprintf("connection %s not found", id))
	}
	if err != nil {
		return nil, domain.ErrStorage("read connection", err)
	}
	return conn, nil
}

// List returns all connections ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*domain.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, provider_id, scope, display_name, config, secret_ref, created_at, updated_at
		FROM connections ORDER BY created_at ASC`)
	if err != nil {
		return nil, domain.ErrStorage("query connections", err)
	}
	defer rows.Close()

	var conns []*domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, domain.ErrStorage("scan connection", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrStorage("iterate connections", err)
	}

	return conns, nil
}

// SetSecretRef binds a fresh vault reference to the connection. Rotation
// replaces the reference any number of times without changing the ID.
func (s *Store) SetSecretRef(ctx context.Context, id, ref string) (*domain.Connection, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE connections SET secret_ref = ?, updated_at = ? WHERE id = ?`, ref, now, id)
	if err != nil {
		return nil, domain.ErrStorage("update secret ref", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, domain.ErrStorage("update secret ref", err)
	}
	if n == 0 {
		return nil, domain.ErrNotFound(fmt.Sprintf("connection %s not found", id))
	}

	return s.Get(ctx, id)
}

// Delete removes the connection and invalidates its vault slot.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return domain.ErrStorage("delete connection", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return domain.ErrStorage("delete connection", err)
	}
	if n == 0 {
		return domain.ErrNotFound(fmt.Sprintf("connection %s not found", id))
	}

	if err := s.vault.Invalidate(ctx, id); err != nil {
		// The row is gone; an orphaned slot is unreachable but should
		// still be visible to an operator.
		s.logger.Error("registry: vault slot not invalidated after delete",
			slog.String("connection_id", id),
			slog.String("error", err.Error()))
	}

	return nil
}

// Close releases the underlying store.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*domain.Connection, error) {
	var conn domain.Connection
	var scope, cfgJSON string
	var secretRef sql.NullString

	if err := row.Scan(&conn.ID, &conn.ProviderID, &scope, &conn.DisplayName,
		&cfgJSON, &secretRef, &conn.CreatedAt, &conn.UpdatedAt); err != nil {
		return nil, err
	}

	conn.Scope = domain.Scope(scope)
	if secretRef.Valid {
		conn.SecretRef = secretRef.String
	}
	if cfgJSON != "" {
		if err := json.Unmarshal([]byte(cfgJSON), &conn.Config); err != nil {
			return nil, fmt.Errorf("decode connection config: %w", err)
		}
	}

	return &conn, nil
}

// stripSecretFields drops config entries the schema marks as secret. Their
// values belong in the vault, never in the connection row.
func stripSecretFields(cfg map[string]string, schema provider.Schema) map[string]string {
	secret := make(map[string]struct{})
	for _, name := range schema.SecretFieldNames() {
		secret[name] = struct{}{}
	}

	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		if _, isSecret := secret[k]; isSecret {
			continue
		}
		out[k] = v
	}
	return out
}

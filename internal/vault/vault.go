// Package vault stores secret material encrypted at rest and hands out
// opaque reference tokens. The vault is the sole owner of the token-to-value
// mapping; no other component holds or logs a secret value.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"

	"github.com/halcyon-ide/keywarden/internal/domain"
)

// Config holds vault storage configuration.
type Config struct {
	// DSN is the sqlite data source name for the slot store.
	DSN string

	// KeyPath is the path of the at-rest encryption key file. The file is
	// created with a fresh random key on first use.
	KeyPath string
}

// Store is the sqlite-backed secret vault.
type Store struct {
	db   *sqlx.DB
	aead cipher.AEAD
}

// New opens the vault, creating the key file and schema as needed.
func New(cfg Config) (*Store, error) {
	key, err := loadOrCreateKey(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("vault key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	db, err := sqlx.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open vault store: %w", err)
	}

	s := &Store{db: db, aead: aead}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init vault schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS secret_slots (
owner_id TEXT PRIMARY KEY,
ref TEXT NOT NULL UNIQUE,
nonce BLOB NOT NULL,
ciphertext BLOB NOT NULL,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_secret_slots_ref ON secret_slots(ref)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// Set stores value under ownerID's slot and returns a fresh opaque reference.
// Any previous binding for ownerID is overwritten and its reference becomes
// unresolvable.
func (s *Store) Set(ctx context.Context, ownerID, value string) (string, error) {
	return s.write(ctx, ownerID, value)
}

// Replace rotates the secret for ownerID. Semantically identical to Set; the
// distinction between first-write and rotation lives in the audit layer.
func (s *Store) Replace(ctx context.Context, ownerID, value string) (string, error) {
	return s.write(ctx, ownerID, value)
}

func (s *Store) write(ctx context.Context, ownerID, value string) (string, error) {
	if ownerID == "" {
		return "", domain.ErrInvalidRequest("owner id is required")
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", domain.ErrStorage("generate nonce", err)
	}
	ciphertext := s.aead.Seal(nil, nonce, []byte(value), []byte(ownerID))

	ref := "ref-" + uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `INSERT INTO secret_slots (owner_id, ref, nonce, ciphertext, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET ref = excluded.ref, nonce = excluded.nonce,
			ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		ownerID, ref, nonce, ciphertext, now, now)
	if err != nil {
		return "", domain.ErrStorage("write secret slot", err)
	}

	return ref, nil
}

// Resolve returns the secret value for an opaque reference. Only the trusted
// boundary that performs actual provider calls may use this; the consent and
// audit layers never do, and the value must never be logged.
func (s *Store) Resolve(ctx context.Context, ref string) (string, error) {
	var ownerID string
	var nonce, ciphertext []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, nonce, ciphertext FROM secret_slots WHERE ref = ?`, ref).
		Scan(&ownerID, &nonce, &ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound("unknown secret reference")
	}
	if err != nil {
		return "", domain.ErrStorage("read secret slot", err)
	}

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(ownerID))
	if err != nil {
		return "", domain.ErrStorage("unseal secret", err)
	}

	return string(plaintext), nil
}

// Invalidate removes the slot for ownerID, making any outstanding reference
// unresolvable. Missing slots are not an error.
func (s *Store) Invalidate(ctx context.Context, ownerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM secret_slots WHERE owner_id = ?`, ownerID); err != nil {
		return domain.ErrStorage("delete secret slot", err)
	}
	return nil
}

// Close releases the underlying store.
func (s *Store) Close() error {
	return s.db.Close()
}

// loadOrCreateKey reads the 32-byte key file, generating it on first use.
func loadOrCreateKey(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("key path cannot be empty")
	}

	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("key file %s has %d bytes, want %d", path, len(key), chacha20poly1305.KeySize)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}

	return key, nil
}

// Package policy persists consent decisions per (connection, requester)
// pair. allow-always and deny are durable across restarts; allow-once is a
// single-use grant consumed by the next permitting evaluation.
package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/halcyon-ide/keywarden/internal/domain"
)

// Config holds policy store configuration.
type Config struct {
	// DSN is the sqlite data source name for the decision store.
	DSN string
}

type pairKey struct {
	connectionID string
	requesterID  string
}

// Store is the sqlite-backed consent policy engine.
//
// Durability is best-effort: when a durable write fails, the decision still
// applies for the remainder of the process via the session map, and the
// degradation is reported on the operator log since it silently weakens
// future-session security.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger

	mu sync.Mutex
	// once holds armed allow-once grants; they never touch the durable store.
	once map[pairKey]struct{}
	// session holds decisions whose durable write failed.
	session map[pairKey]domain.Decision
}

// New opens the policy store and initializes its schema.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open policy store: %w", err)
	}

	s := &Store{
		db:      db,
		logger:  logger,
		once:    make(map[pairKey]struct{}),
		session: make(map[pairKey]domain.Decision),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init policy schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS consent_decisions (
connection_id TEXT NOT NULL,
requester_id TEXT NOT NULL,
decision TEXT NOT NULL,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL,
PRIMARY KEY (connection_id, requester_id)
)`)
	if err != nil {
		return fmt.Errorf("execute schema statement: %w", err)
	}
	return nil
}

// Evaluate returns the decision on record for the pair, or ok=false when
// none exists. An armed allow-once grant is consumed here, so the first
// access after granting succeeds and the next evaluation sees no decision.
func (s *Store) Evaluate(ctx context.Context, connectionID, requesterID string) (domain.Decision, bool, error) {
	key := pairKey{connectionID, requesterID}

	s.mu.Lock()
	if _, armed := s.once[key]; armed {
		delete(s.once, key)
		s.mu.Unlock()
		return domain.DecisionAllowOnce, true, nil
	}
	sessionDecision, inSession := s.session[key]
	s.mu.Unlock()

	// A session decision is newer than whatever the durable store holds;
	// its durable write failed after the fact.
	if inSession {
		return sessionDecision, true, nil
	}

	var decision string
	err := s.db.QueryRowContext(ctx,
		`SELECT decision FROM consent_decisions WHERE connection_id = ? AND requester_id = ?`,
		connectionID, requesterID).Scan(&decision)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.ErrStorage("read consent decision", err)
	}

	return domain.Decision(decision), true, nil
}

// Record persists a decision. allow-always and deny are written durably;
// allow-once only arms a single-use grant in memory. A failed durable write
// is downgraded to a session-lifetime decision and logged, never silently
// retried: a retried allow-always write must not read as two grants.
func (s *Store) Record(ctx context.Context, connectionID, requesterID string, d domain.Decision) error {
	if !d.Valid() {
		return domain.ErrInvalidRequest(fmt.Sprintf("unknown consent decision %q", d))
	}
	if connectionID == "" || requesterID == "" {
		return domain.ErrInvalidRequest("connection id and requester id are required")
	}

	key := pairKey{connectionID, requesterID}

	if d == domain.DecisionAllowOnce {
		s.mu.Lock()
		s.once[key] = struct{}{}
		s.mu.Unlock()
		return nil
	}

	// A fresh durable decision supersedes any armed single-use grant.
	s.mu.Lock()
	delete(s.once, key)
	s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO consent_decisions (connection_id, requester_id, decision, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, requester_id) DO UPDATE SET decision = excluded.decision, updated_at = excluded.updated_at`,
		connectionID, requesterID, string(d), now, now)
	if err != nil {
		s.mu.Lock()
		s.session[key] = d
		s.mu.Unlock()
		s.logger.Error("policy: decision not persisted, applies for this session only",
			slog.String("connection_id", connectionID),
			slog.String("requester_id", requesterID),
			slog.String("decision", string(d)),
			slog.String("error", err.Error()))
		return nil
	}

	s.mu.Lock()
	delete(s.session, key)
	s.mu.Unlock()

	return nil
}

// Forget removes every decision recorded for a connection. Used when the
// connection itself is deleted.
func (s *Store) Forget(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	for key := range s.once {
		if key.connectionID == connectionID {
			delete(s.once, key)
		}
	}
	for key := range s.session {
		if key.connectionID == connectionID {
			delete(s.session, key)
		}
	}
	s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM consent_decisions WHERE connection_id = ?`, connectionID); err != nil {
		return domain.ErrStorage("delete consent decisions", err)
	}
	return nil
}

// Close releases the underlying store.
func (s *Store) Close() error {
	return s.db.Close()
}

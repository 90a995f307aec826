// Package ledger is the append-only audit log. Events are written one JSON
// line at a time to a single file; they are never mutated or deleted and are
// read back only through cursor pagination.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-ide/keywarden/internal/domain"
)

// DefaultListLimit is the page size used when a list request does not set one.
const DefaultListLimit = 200

// MaxListLimit bounds a single page to keep the audit viewer responsive.
const MaxListLimit = 1000

// Ledger appends audit events to a JSONL file. Appends are serialized behind
// a mutex and performed as one write syscall per event, so a concurrent
// reader never observes a partially written record.
type Ledger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *slog.Logger
}

// ListResult is one page of events. NextCursor is set iff more events remain.
type ListResult struct {
	Events     []domain.AuditEvent `json:"events"`
	NextCursor string              `json:"nextCursor,omitempty"`
}

// Open creates or opens the ledger file at path.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, domain.ErrStorage("create ledger directory", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, domain.ErrStorage("open ledger file", err)
	}

	return &Ledger{path: path, file: f, logger: logger}, nil
}

// Append validates the event, assigns its ID and CreatedAt when absent, and
// durably appends it. The stored event is returned.
func (l *Ledger) Append(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error) {
	if err := validate(ev); err != nil {
		return domain.AuditEvent{}, err
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return domain.AuditEvent{}, domain.ErrStorage("encode audit event", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(line); err != nil {
		return domain.AuditEvent{}, domain.ErrStorage("append audit event", err)
	}

	return ev, nil
}

// List returns events in storage order starting at cursor. A malformed or
// negative cursor is clamped to the start rather than rejected, so a stale
// audit viewer keeps working. A corrupt or partial trailing line ends the
// readable log; a missing file reads as empty.
func (l *Ledger) List(ctx context.Context, limit int, cursor string) (ListResult, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	offset := parseCursor(cursor)

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return ListResult{Events: []domain.AuditEvent{}}, nil
	}
	if err != nil {
		return ListResult{}, domain.ErrStorage("open ledger for read", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return ListResult{}, domain.ErrStorage("seek ledger", err)
	}

	events := make([]domain.AuditEvent, 0, limit)
	pos := offset
	next := ""

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// A trailing fragment without its newline is a partial
			// write; stop at the last complete record.
			break
		}

		var ev domain.AuditEvent
		if uerr := json.Unmarshal(line, &ev); uerr != nil {
			// Corrupt record: treat as end of readable log.
			l.logger.Warn("ledger: unreadable record, truncating read",
				slog.String("path", l.path),
				slog.Int64("offset", pos))
			break
		}

		if len(events) == limit {
			// One full page plus at least one more readable event.
			next = strconv.FormatInt(pos, 10)
			break
		}

		events = append(events, ev)
		pos += int64(len(line))
	}

	return ListResult{Events: events, NextCursor: next}, nil
}

// Path returns the backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// Close releases the append handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// parseCursor decodes the opaque cursor, clamping anything malformed or
// negative to the start of the log.
func parseCursor(cursor string) int64 {
	if cursor == "" {
		return 0
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// validate checks the event against its variant and rejects anything shaped
// like credential material in the metadata. The event type itself has no
// field for a secret value; this only screens free-form keys.
func validate(ev domain.AuditEvent) error {
	for k := range ev.Metadata {
		if disallowedMetadataKey(k) {
			return domain.ErrInvalidRequest(fmt.Sprintf("audit metadata key %q may carry secret material", k))
		}
	}

	switch ev.Type {
	case domain.EventSecretAccess:
		if ev.ConnectionID == "" || ev.RequesterID == "" || ev.Allowed == nil {
			return domain.ErrInvalidRequest("secret-access event requires connectionId, requesterId, and allowed")
		}
	case domain.EventAgentToolAccess:
		if ev.ToolID == "" || ev.RequesterID == "" || ev.Allowed == nil {
			return domain.ErrInvalidRequest("agent-tool-access event requires toolId, requesterId, and allowed")
		}
	case domain.EventModelCall:
		if ev.ProviderID == "" || ev.ConnectionID == "" || ev.Status == "" {
			return domain.ErrInvalidRequest("model-call event requires providerId, connectionId, and status")
		}
	case domain.EventProposalApply:
		if ev.RunID == "" || ev.Status == "" {
			return domain.ErrInvalidRequest("sdd.proposal.apply event requires runId and status")
		}
	default:
		return domain.ErrInvalidRequest(fmt.Sprintf("unknown audit event type %q", ev.Type))
	}

	return nil
}

func disallowedMetadataKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "secret") ||
		strings.Contains(k, "password") ||
		strings.Contains(k, "apikey") ||
		strings.Contains(k, "api_key") ||
		strings.Contains(k, "token")
}

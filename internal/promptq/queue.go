// Package promptq serializes concurrent secret-access requests into one
// user-facing consent prompt at a time. Requests that cannot be resolved on
// a fast path are queued FIFO; only the head is ever presented, and each
// queued request settles exactly once.
package promptq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/halcyon-ide/keywarden/internal/domain"
	"github.com/halcyon-ide/keywarden/internal/provider"
)

// AccessRequester is the gateway slice the queue calls through.
type AccessRequester interface {
	RequestAccess(ctx context.Context, req domain.AccessRequest) (domain.AccessResult, error)
}

// ConnectionSource resolves connections for the fast-path checks and the
// prompt's display name.
type ConnectionSource interface {
	Get(ctx context.Context, id string) (*domain.Connection, error)
}

// SchemaSource resolves provider field schemas.
type SchemaSource interface {
	Get(providerID string) (provider.Schema, bool)
}

// PendingRequest is one queued consent request, as shown to the UI. It is
// ephemeral: it exists only between "no cached decision" and "user responds".
type PendingRequest struct {
	ID                    string               `json:"id"`
	Request               domain.AccessRequest `json:"request"`
	ConnectionDisplayName string               `json:"connectionDisplayName"`
}

// entry pairs a pending request with its single-settlement future. The
// buffered channel means resolution never blocks, so a caller that stopped
// waiting simply leaves a resolved value behind to be discarded.
type entry struct {
	pending    PendingRequest
	result     chan domain.AccessResult
	resolved   bool
	submitting bool
}

func (e *entry) resolve(res domain.AccessResult) {
	if e.resolved {
		return
	}
	e.resolved = true
	e.result <- res
}

// Queue is the client-side consent serializer.
type Queue struct {
	gateway     AccessRequester
	connections ConnectionSource
	schemas     SchemaSource
	logger      *slog.Logger

	mu      sync.Mutex
	entries []*entry
}

// New constructs a queue. All dependencies are required.
func New(gw AccessRequester, connections ConnectionSource, schemas SchemaSource, logger *slog.Logger) (*Queue, error) {
	if gw == nil || connections == nil || schemas == nil {
		return nil, fmt.Errorf("prompt queue requires gateway, connection source, and schema source")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{gateway: gw, connections: connections, schemas: schemas, logger: logger}, nil
}

// RequestSecretAccess resolves an access request, prompting the user when no
// cached decision exists. Safe to call concurrently from independent call
// sites; fast-path requests never wait behind the queue, and queued requests
// are served strictly in enqueue order.
//
// A context that expires while queued unblocks the caller with the context
// error; the queued request itself still settles exactly once when decided,
// and its result is discarded.
func (q *Queue) RequestSecretAccess(ctx context.Context, req domain.AccessRequest) (domain.AccessResult, error) {
	conn, err := q.connections.Get(ctx, req.ConnectionID)
	if err != nil {
		return domain.AccessResult{}, err
	}

	// Fast path: a provider that requires no secret never prompts.
	if schema, ok := q.schemas.Get(conn.ProviderID); ok && !schema.RequiresSecret() {
		return domain.AccessResult{Granted: true}, nil
	}

	// No secret configured is a configuration error, not a denial; the UI
	// should offer "add a secret", not "ask for consent".
	if conn.SecretRef == "" {
		return domain.AccessResult{}, domain.ErrConfiguration(
			fmt.Sprintf("connection %q has no secret configured", conn.DisplayName))
	}

	// Preflight without a decision: a durable allow resolves with no
	// prompt, and an explicit standing deny is final.
	preflight := domain.AccessRequest{
		ConnectionID: req.ConnectionID,
		RequesterID:  req.RequesterID,
		Reason:       req.Reason,
	}
	res, err := q.gateway.RequestAccess(ctx, preflight)
	if err != nil {
		return domain.AccessResult{}, err
	}
	if res.Granted || !res.Pending {
		return res, nil
	}

	e := &entry{
		pending: PendingRequest{
			ID:                    uuid.New().String(),
			Request:               preflight,
			ConnectionDisplayName: conn.DisplayName,
		},
		result: make(chan domain.AccessResult, 1),
	}

	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	select {
	case r := <-e.result:
		return r, nil
	case <-ctx.Done():
		return domain.AccessResult{}, ctx.Err()
	}
}

// Pending returns a snapshot of the queued requests in enqueue order.
func (q *Queue) Pending() []PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]PendingRequest, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.pending
	}
	return out
}

// Head returns the one request currently presented to the user.
func (q *Queue) Head() (PendingRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return PendingRequest{}, false
	}
	return q.entries[0].pending, true
}

// Submit records the user's decision for the head request, settles that
// request with whatever the gateway returns, and reveals the next queued
// request. Submitting against anything but the head is rejected, which
// keeps settlement strictly FIFO.
//
// If the gateway call itself fails, the pending request is still settled,
// with a denial: fail closed rather than leave a caller hanging.
func (q *Queue) Submit(ctx context.Context, id string, decision domain.Decision) (domain.AccessResult, error) {
	if !decision.Valid() {
		return domain.AccessResult{}, domain.ErrInvalidRequest(fmt.Sprintf("unknown consent decision %q", decision))
	}

	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return domain.AccessResult{}, domain.ErrInvalidRequest("no consent request is pending")
	}
	head := q.entries[0]
	if head.pending.ID != id {
		q.mu.Unlock()
		return domain.AccessResult{}, domain.ErrInvalidRequest("request is not the active consent prompt")
	}
	if head.submitting {
		q.mu.Unlock()
		return domain.AccessResult{}, domain.ErrInvalidRequest("a decision for this request is already in flight")
	}
	head.submitting = true
	req := head.pending.Request
	q.mu.Unlock()

	// The gateway call happens outside the queue lock; policy and ledger
	// I/O must not block Head/Pending readers.
	req.Decision = decision
	res, gwErr := q.gateway.RequestAccess(ctx, req)
	if gwErr != nil {
		q.logger.Error("promptq: gateway call failed, resolving fail-closed",
			slog.String("request_id", id),
			slog.String("connection_id", req.ConnectionID),
			slog.String("error", gwErr.Error()))
		res = domain.AccessResult{Granted: false}
	}

	q.mu.Lock()
	head.resolve(res)
	q.pop(head)
	q.mu.Unlock()

	if gwErr != nil {
		return domain.AccessResult{}, gwErr
	}
	return res, nil
}

// pop removes e from the queue. Caller holds the lock.
func (q *Queue) pop(e *entry) {
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

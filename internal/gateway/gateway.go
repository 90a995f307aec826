// Package gateway orchestrates consent evaluation, audit logging, and
// secret-reference lookup. It is the only component requesters talk to; a
// secret reference leaves this path only when a decision explicitly permits
// it, and it is never resolved to a value here.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/halcyon-ide/keywarden/internal/domain"
)

// Policy is the consent engine slice the gateway depends on.
type Policy interface {
	Evaluate(ctx context.Context, connectionID, requesterID string) (domain.Decision, bool, error)
	Record(ctx context.Context, connectionID, requesterID string, d domain.Decision) error
}

// Ledger is the audit sink slice the gateway depends on.
type Ledger interface {
	Append(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error)
}

// ConnectionSource resolves connections; the registry is the source of truth
// for whether a connection currently has a secret.
type ConnectionSource interface {
	Get(ctx context.Context, id string) (*domain.Connection, error)
}

// Gateway ties policy, ledger, and registry into one request/response
// contract.
type Gateway struct {
	policy      Policy
	ledger      Ledger
	connections ConnectionSource
	logger      *slog.Logger
}

// New constructs a gateway. All dependencies are required.
func New(policy Policy, ledger Ledger, connections ConnectionSource, logger *slog.Logger) (*Gateway, error) {
	if policy == nil || ledger == nil || connections == nil {
		return nil, fmt.Errorf("gateway requires policy, ledger, and connection source")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{policy: policy, ledger: ledger, connections: connections, logger: logger}, nil
}

// RequestAccess evaluates (and optionally records) consent for a
// connection's secret. Exactly one secret-access audit event is appended per
// call that reaches a decision; storage and configuration failures propagate
// as typed errors and are never folded into a denial.
func (g *Gateway) RequestAccess(ctx context.Context, req domain.AccessRequest) (domain.AccessResult, error) {
	if req.ConnectionID == "" || req.RequesterID == "" {
		return domain.AccessResult{}, domain.ErrInvalidRequest("connection id and requester id are required")
	}

	// A fresh user choice is recorded before the evaluation that uses it.
	if req.Decision != "" {
		if err := g.policy.Record(ctx, req.ConnectionID, req.RequesterID, req.Decision); err != nil {
			return domain.AccessResult{}, err
		}
	}

	decision, decided, err := g.policy.Evaluate(ctx, req.ConnectionID, req.RequesterID)
	if err != nil {
		return domain.AccessResult{}, err
	}

	if !decided {
		// No decision on record: not granted, and the caller knows a
		// prompt is still required.
		if err := g.audit(ctx, req, false); err != nil {
			return domain.AccessResult{}, err
		}
		return domain.AccessResult{Granted: false, Pending: true}, nil
	}

	granted := false
	secretRef := ""
	if decision.Permits() {
		conn, err := g.connections.Get(ctx, req.ConnectionID)
		if err != nil {
			return domain.AccessResult{}, err
		}
		// A decision does not fabricate a missing secret.
		secretRef = conn.SecretRef
		granted = secretRef != ""
	}

	if err := g.audit(ctx, req, granted); err != nil {
		return domain.AccessResult{}, err
	}

	if !granted {
		return domain.AccessResult{Granted: false}, nil
	}
	return domain.AccessResult{Granted: true, SecretRef: secretRef}, nil
}

// audit appends the single secret-access event for a RequestAccess call.
// Append failures surface to the caller; a silent audit gap is worse than a
// failed request.
func (g *Gateway) audit(ctx context.Context, req domain.AccessRequest, allowed bool) error {
	_, err := g.ledger.Append(ctx, domain.NewSecretAccessEvent(req.ConnectionID, req.RequesterID, req.Reason, allowed))
	if err != nil {
		g.logger.Error("gateway: audit append failed",
			slog.String("connection_id", req.ConnectionID),
			slog.String("requester_id", req.RequesterID),
			slog.String("error", err.Error()))
	}
	return err
}

// ToolAccessRequest asks for consent to invoke an agent tool. Tool consent
// runs through the same policy engine, keyed on a tool scope instead of a
// connection.
type ToolAccessRequest struct {
	RunID       string          `json:"runId"`
	ToolID      string          `json:"toolId"`
	RequesterID string          `json:"requesterId"`
	Reason      string          `json:"reason,omitempty"`
	Decision    domain.Decision `json:"decision,omitempty"`
}

// toolScope namespaces tool decisions away from connection decisions in the
// shared policy store.
func toolScope(toolID string) string {
	return "tool:" + toolID
}

// RequestToolAccess evaluates (and optionally records) consent for an agent
// tool call, appending one agent-tool-access audit event per decided call.
func (g *Gateway) RequestToolAccess(ctx context.Context, req ToolAccessRequest) (domain.AccessResult, error) {
	if req.ToolID == "" || req.RequesterID == "" {
		return domain.AccessResult{}, domain.ErrInvalidRequest("tool id and requester id are required")
	}

	scope := toolScope(req.ToolID)

	if req.Decision != "" {
		if err := g.policy.Record(ctx, scope, req.RequesterID, req.Decision); err != nil {
			return domain.AccessResult{}, err
		}
	}

	decision, decided, err := g.policy.Evaluate(ctx, scope, req.RequesterID)
	if err != nil {
		return domain.AccessResult{}, err
	}

	granted := decided && decision.Permits()
	ev := domain.NewToolAccessEvent(req.RunID, req.ToolID, req.RequesterID, req.Reason, granted)
	if _, err := g.ledger.Append(ctx, ev); err != nil {
		g.logger.Error("gateway: audit append failed",
			slog.String("tool_id", req.ToolID),
			slog.String("requester_id", req.RequesterID),
			slog.String("error", err.Error()))
		return domain.AccessResult{}, err
	}

	return domain.AccessResult{Granted: granted, Pending: !decided}, nil
}

// ModelCallRecord describes one completed model provider invocation.
type ModelCallRecord struct {
	RunID        string        `json:"runId"`
	ProviderID   string        `json:"providerId"`
	ConnectionID string        `json:"connectionId"`
	ModelRef     string        `json:"modelRef,omitempty"`
	Status       string        `json:"status"`
	Duration     time.Duration `json:"-"`
	Error        string        `json:"error,omitempty"`
}

// RecordModelCall appends a model-call audit event.
func (g *Gateway) RecordModelCall(ctx context.Context, rec ModelCallRecord) error {
	ev := domain.NewModelCallEvent(rec.RunID, rec.ProviderID, rec.ConnectionID, rec.ModelRef, rec.Status, rec.Duration, rec.Error)
	if _, err := g.ledger.Append(ctx, ev); err != nil {
		return err
	}
	return nil
}

// ProposalApplyRecord describes the application of an SDD run proposal.
type ProposalApplyRecord struct {
	RunID        string   `json:"runId"`
	Status       string   `json:"status"`
	FilesChanged int      `json:"filesChanged"`
	Files        []string `json:"files,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// RecordProposalApply appends an sdd.proposal.apply audit event.
func (g *Gateway) RecordProposalApply(ctx context.Context, rec ProposalApplyRecord) error {
	ev := domain.NewProposalApplyEvent(rec.RunID, rec.Status, rec.FilesChanged, rec.Files, rec.Error)
	if _, err := g.ledger.Append(ctx, ev); err != nil {
		return err
	}
	return nil
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/halcyon-ide/keywarden/internal/domain"
	"github.com/halcyon-ide/keywarden/internal/ledger"
	"github.com/halcyon-ide/keywarden/internal/policy"
	"github.com/halcyon-ide/keywarden/internal/provider"
	"github.com/halcyon-ide/keywarden/internal/registry"
	"github.com/halcyon-ide/keywarden/internal/vault"
)

var gatewayDBSeq atomic.Int64

type fixture struct {
	gw       *Gateway
	vault    *vault.Store
	registry *registry.Store
	ledger   *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	seq := gatewayDBSeq.Add(1)

	v, err := vault.New(vault.Config{
		DSN:     fmt.Sprintf("file:gwvault%d?mode=memory&cache=shared", seq),
		KeyPath: filepath.Join(dir, "vault.key"),
	})
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	t.Cleanup(func() { v.Close() })

	p, err := policy.New(policy.Config{
		DSN: fmt.Sprintf("file:gwpolicy%d?mode=memory&cache=shared", seq),
	}, nil)
	if err != nil {
		t.Fatalf("policy.New() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })

	r, err := registry.New(registry.Config{
		DSN: fmt.Sprintf("file:gwconn%d?mode=memory&cache=shared", seq),
	}, v, provider.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })

	l, err := ledger.Open(filepath.Join(dir, "audit.jsonl"), nil)
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })

	gw, err := New(p, l, r, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &fixture{gw: gw, vault: v, registry: r, ledger: l}
}

func (f *fixture) createConnection(t *testing.T, secret string) *domain.Connection {
	t.Helper()
	conn, err := f.registry.Create(context.Background(), registry.CreateParams{
		ProviderID:  "anthropic",
		Scope:       domain.ScopeUser,
		DisplayName: "Work Anthropic",
		Secret:      secret,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return conn
}

func (f *fixture) allEvents(t *testing.T) []domain.AuditEvent {
	t.Helper()
	var events []domain.AuditEvent
	cursor := ""
	for {
		page, err := f.ledger.List(context.Background(), 100, cursor)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		events = append(events, page.Events...)
		if page.NextCursor == "" {
			return events
		}
		cursor = page.NextCursor
	}
}

func TestGateway_DeniesConnectionWithoutSecret(t *testing.T) {
	f := newFixture(t)
	conn := f.createConnection(t, "")
	ctx := context.Background()

	res, err := f.gw.RequestAccess(ctx, domain.AccessRequest{
		ConnectionID: conn.ID,
		RequesterID:  "agent-1",
		Decision:     domain.DecisionAllowAlways,
	})
	if err != nil {
		t.Fatalf("RequestAccess() error = %v", err)
	}
	if res.Granted {
		t.Error("a permitting decision must not fabricate a missing secret")
	}
	if res.Pending {
		t.Error("a decided request is not pending")
	}

	events := f.allEvents(t)
	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	if events[0].Type != domain.EventSecretAccess || events[0].Allowed == nil || *events[0].Allowed {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestGateway_GrantAfterSecretAndConsent(t *testing.T) {
	f := newFixture(t)
	conn := f.createConnection(t, "")
	ctx := context.Background()

	// First attempt: no secret, denied.
	if res, err := f.gw.RequestAccess(ctx, domain.AccessRequest{
		ConnectionID: conn.ID,
		RequesterID:  "agent-1",
		Decision:     domain.DecisionAllowAlways,
	}); err != nil || res.Granted {
		t.Fatalf("pre-secret request: (%+v, %v), want denial", res, err)
	}

	// Operator sets the secret.
	ref, err := f.vault.Set(ctx, conn.ID, "sk-abc")
	if err != nil {
		t.Fatalf("vault.Set() error = %v", err)
	}
	if _, err := f.registry.SetSecretRef(ctx, conn.ID, ref); err != nil {
		t.Fatalf("SetSecretRef() error = %v", err)
	}

	// Second attempt rides the recorded allow-always.
	res, err := f.gw.RequestAccess(ctx, domain.AccessRequest{
		ConnectionID: conn.ID,
		RequesterID:  "agent-1",
	})
	if err != nil {
		t.Fatalf("RequestAccess() error = %v", err)
	}
	if !res.Granted {
		t.Fatal("expected a grant once the secret and consent both exist")
	}
	if !strings.HasPrefix(res.SecretRef, "ref-") {
		t.Errorf("SecretRef = %q, want an opaque reference", res.SecretRef)
	}
	if res.SecretRef == "sk-abc" {
		t.Error("the gateway must hand out references, never values")
	}

	events := f.allEvents(t)
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	if events[1].Allowed == nil || !*events[1].Allowed {
		t.Errorf("second event should record the grant: %+v", events[1])
	}

	// The secret value must not appear anywhere in the ledger file.
	raw, err := os.ReadFile(f.ledger.Path())
	if err != nil {
		t.Fatalf("read ledger file: %v", err)
	}
	if strings.Contains(string(raw), "sk-abc") {
		t.Error("secret value leaked into the audit ledger")
	}
}

func TestGateway_NoDecisionIsPending(t *testing.T) {
	f := newFixture(t)
	conn := f.createConnection(t, "sk-xyz")

	res, err := f.gw.RequestAccess(context.Background(), domain.AccessRequest{
		ConnectionID: conn.ID,
		RequesterID:  "agent-1",
	})
	if err != nil {
		t.Fatalf("RequestAccess() error = %v", err)
	}
	if res.Granted {
		t.Error("no decision on record must not grant")
	}
	if !res.Pending {
		t.Error("an undecided request must be flagged pending")
	}

	// The undecided attempt is still audited, as a denial.
	events := f.allEvents(t)
	if len(events) != 1 || events[0].Allowed == nil || *events[0].Allowed {
		t.Errorf("unexpected audit state: %+v", events)
	}
}

func TestGateway_AllowOnceGrantsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	conn := f.createConnection(t, "sk-once")
	ctx := context.Background()

	res, err := f.gw.RequestAccess(ctx, domain.AccessRequest{
		ConnectionID: conn.ID,
		RequesterID:  "agent-1",
		Decision:     domain.DecisionAllowOnce,
	})
	if err != nil {
		t.Fatalf("RequestAccess() error = %v", err)
	}
	if !res.Granted {
		t.Fatal("allow-once should grant the request that carries it")
	}

	res, err = f.gw.RequestAccess(ctx, domain.AccessRequest{
		ConnectionID: conn.ID,
		RequesterID:  "agent-1",
	})
	if err != nil {
		t.Fatalf("RequestAccess() error = %v", err)
	}
	if res.Granted {
		t.Error("allow-once must not grant a second request")
	}
	if !res.Pending {
		t.Error("after the grant is consumed the pair is undecided again")
	}
}

func TestGateway_DenyIsRememberedNotPending(t *testing.T) {
	f := newFixture(t)
	conn := f.createConnection(t, "sk-deny")
	ctx := context.Background()

	if _, err := f.gw.RequestAccess(ctx, domain.AccessRequest{
		ConnectionID: conn.ID,
		RequesterID:  "agent-1",
		Decision:     domain.DecisionDeny,
	}); err != nil {
		t.Fatalf("RequestAccess() error = %v", err)
	}

	res, err := f.gw.RequestAccess(ctx, domain.AccessRequest{
		ConnectionID: conn.ID,
		RequesterID:  "agent-1",
	})
	if err != nil {
		t.Fatalf("RequestAccess() error = %v", err)
	}
	if res.Granted || res.Pending {
		t.Errorf("a standing deny is a final answer, got %+v", res)
	}
}

func TestGateway_MissingConnectionPropagates(t *testing.T) {
	f := newFixture(t)

	_, err := f.gw.RequestAccess(context.Background(), domain.AccessRequest{
		ConnectionID: "no-such-connection",
		RequesterID:  "agent-1",
		Decision:     domain.DecisionAllowAlways,
	})
	if !domain.IsKind(err, domain.ErrorKindNotFound) {
		t.Errorf("error = %v, want not_found", err)
	}
}

type failingLedger struct{}

func (failingLedger) Append(context.Context, domain.AuditEvent) (domain.AuditEvent, error) {
	return domain.AuditEvent{}, domain.ErrStorage("append audit event", errors.New("disk full"))
}

func TestGateway_AuditFailureIsNotSwallowed(t *testing.T) {
	f := newFixture(t)
	conn := f.createConnection(t, "sk-audit")

	gw, err := New(policyFrom(f), failingLedger{}, f.registry, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = gw.RequestAccess(context.Background(), domain.AccessRequest{
		ConnectionID: conn.ID,
		RequesterID:  "agent-1",
		Decision:     domain.DecisionAllowAlways,
	})
	if !domain.IsKind(err, domain.ErrorKindStorage) {
		t.Errorf("error = %v, want the audit failure to propagate", err)
	}
}

// policyFrom rebuilds a policy store sharing the fixture's database so a
// second gateway sees the same decisions.
func policyFrom(f *fixture) Policy {
	return f.gw.policy
}

func TestGateway_ToolAccessRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Undecided: pending, audited as a denial.
	res, err := f.gw.RequestToolAccess(ctx, ToolAccessRequest{
		RunID:       "run-1",
		ToolID:      "shell.exec",
		RequesterID: "agent-1",
	})
	if err != nil {
		t.Fatalf("RequestToolAccess() error = %v", err)
	}
	if res.Granted || !res.Pending {
		t.Errorf("undecided tool access: %+v", res)
	}

	// Decided allow-always.
	res, err = f.gw.RequestToolAccess(ctx, ToolAccessRequest{
		RunID:       "run-1",
		ToolID:      "shell.exec",
		RequesterID: "agent-1",
		Decision:    domain.DecisionAllowAlways,
	})
	if err != nil {
		t.Fatalf("RequestToolAccess() error = %v", err)
	}
	if !res.Granted {
		t.Error("expected the tool grant")
	}

	events := f.allEvents(t)
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Type != domain.EventAgentToolAccess || ev.ToolID != "shell.exec" {
			t.Errorf("unexpected event: %+v", ev)
		}
	}
}

func TestGateway_ToolDecisionsDoNotCollideWithConnections(t *testing.T) {
	f := newFixture(t)
	conn := f.createConnection(t, "sk-sep")
	ctx := context.Background()

	// Allow the tool whose ID happens to equal the connection ID.
	if _, err := f.gw.RequestToolAccess(ctx, ToolAccessRequest{
		RunID:       "run-1",
		ToolID:      conn.ID,
		RequesterID: "agent-1",
		Decision:    domain.DecisionAllowAlways,
	}); err != nil {
		t.Fatalf("RequestToolAccess() error = %v", err)
	}

	// The connection itself is still undecided.
	res, err := f.gw.RequestAccess(ctx, domain.AccessRequest{
		ConnectionID: conn.ID,
		RequesterID:  "agent-1",
	})
	if err != nil {
		t.Fatalf("RequestAccess() error = %v", err)
	}
	if res.Granted || !res.Pending {
		t.Errorf("tool consent leaked into connection consent: %+v", res)
	}
}

func TestGateway_RecordModelCallAndProposalApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.gw.RecordModelCall(ctx, ModelCallRecord{
		RunID:        "run-1",
		ProviderID:   "anthropic",
		ConnectionID: "c1",
		ModelRef:     "claude-sonnet-4",
		Status:       "ok",
	}); err != nil {
		t.Fatalf("RecordModelCall() error = %v", err)
	}

	if err := f.gw.RecordProposalApply(ctx, ProposalApplyRecord{
		RunID:        "run-1",
		Status:       "applied",
		FilesChanged: 3,
		Files:        []string{"a.go", "b.go", "c.go"},
	}); err != nil {
		t.Fatalf("RecordProposalApply() error = %v", err)
	}

	events := f.allEvents(t)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != domain.EventModelCall || events[1].Type != domain.EventProposalApply {
		t.Errorf("unexpected event types: %s, %s", events[0].Type, events[1].Type)
	}
	if events[1].FilesChanged == nil || *events[1].FilesChanged != 3 {
		t.Errorf("filesChanged not recorded: %+v", events[1])
	}
}

func TestGateway_RejectsIncompleteRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.gw.RequestAccess(ctx, domain.AccessRequest{RequesterID: "agent-1"}); !domain.IsKind(err, domain.ErrorKindInvalidRequest) {
		t.Errorf("missing connection id: error = %v", err)
	}
	if _, err := f.gw.RequestAccess(ctx, domain.AccessRequest{ConnectionID: "c1"}); !domain.IsKind(err, domain.ErrorKindInvalidRequest) {
		t.Errorf("missing requester id: error = %v", err)
	}
	if _, err := f.gw.RequestToolAccess(ctx, ToolAccessRequest{RequesterID: "agent-1"}); !domain.IsKind(err, domain.ErrorKindInvalidRequest) {
		t.Errorf("missing tool id: error = %v", err)
	}
}

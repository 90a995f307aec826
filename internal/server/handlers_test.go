package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halcyon-ide/keywarden/internal/domain"
	"github.com/halcyon-ide/keywarden/internal/gateway"
	"github.com/halcyon-ide/keywarden/internal/ledger"
	"github.com/halcyon-ide/keywarden/internal/policy"
	"github.com/halcyon-ide/keywarden/internal/promptq"
	"github.com/halcyon-ide/keywarden/internal/provider"
	"github.com/halcyon-ide/keywarden/internal/registry"
	"github.com/halcyon-ide/keywarden/internal/vault"
)

var serverDBSeq atomic.Int64

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	dir := t.TempDir()
	seq := serverDBSeq.Add(1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	v, err := vault.New(vault.Config{
		DSN:     fmt.Sprintf("file:srvvault%d?mode=memory&cache=shared", seq),
		KeyPath: filepath.Join(dir, "vault.key"),
	})
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	t.Cleanup(func() { v.Close() })

	pol, err := policy.New(policy.Config{
		DSN: fmt.Sprintf("file:srvpolicy%d?mode=memory&cache=shared", seq),
	}, logger)
	if err != nil {
		t.Fatalf("policy.New() error = %v", err)
	}
	t.Cleanup(func() { pol.Close() })

	schemas := provider.NewRegistry()
	reg, err := registry.New(registry.Config{
		DSN: fmt.Sprintf("file:srvconn%d?mode=memory&cache=shared", seq),
	}, v, schemas, logger)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	led, err := ledger.Open(filepath.Join(dir, "audit.jsonl"), logger)
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	t.Cleanup(func() { led.Close() })

	gw, err := gateway.New(pol, led, reg, logger)
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}
	q, err := promptq.New(gw, reg, schemas, logger)
	if err != nil {
		t.Fatalf("promptq.New() error = %v", err)
	}

	srv := New(0, logger)
	NewHandler(gw, q, v, reg, led, pol).RegisterRoutes(srv.Router)

	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any, out any) *http.Response {
	t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.URL+path, buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp
}

func createConnection(t *testing.T, ts *httptest.Server) *domain.Connection {
	t.Helper()
	var conn domain.Connection
	resp := doJSON(t, ts, http.MethodPost, "/v1/connections", map[string]any{
		"providerId":  "anthropic",
		"scope":       "user",
		"displayName": "Work Anthropic",
	}, &conn)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create connection: status = %d", resp.StatusCode)
	}
	return &conn
}

func TestHandler_ConnectionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	conn := createConnection(t, ts)
	if conn.ID == "" || conn.ProviderID != "anthropic" {
		t.Fatalf("unexpected connection: %+v", conn)
	}

	var got domain.Connection
	resp := doJSON(t, ts, http.MethodGet, "/v1/connections/"+conn.ID, nil, &got)
	if resp.StatusCode != http.StatusOK || got.ID != conn.ID {
		t.Errorf("get connection: status = %d, id = %s", resp.StatusCode, got.ID)
	}

	var list []domain.Connection
	doJSON(t, ts, http.MethodGet, "/v1/connections", nil, &list)
	if len(list) != 1 {
		t.Errorf("expected 1 connection, got %d", len(list))
	}

	resp = doJSON(t, ts, http.MethodDelete, "/v1/connections/"+conn.ID, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete connection: status = %d", resp.StatusCode)
	}

	var errResp errorResponse
	resp = doJSON(t, ts, http.MethodGet, "/v1/connections/"+conn.ID, nil, &errResp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted connection: status = %d", resp.StatusCode)
	}
	if errResp.Error.Kind != domain.ErrorKindNotFound {
		t.Errorf("error kind = %q, want not_found", errResp.Error.Kind)
	}
}

func TestHandler_CreateConnectionValidation(t *testing.T) {
	ts := newTestServer(t)

	var errResp errorResponse
	resp := doJSON(t, ts, http.MethodPost, "/v1/connections", map[string]any{
		"providerId":  "novel-llm",
		"scope":       "user",
		"displayName": "x",
	}, &errResp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if errResp.Error.Kind != domain.ErrorKindInvalidRequest {
		t.Errorf("error kind = %q, want invalid_request", errResp.Error.Kind)
	}
}

func TestHandler_SecretSetAndAccessFlow(t *testing.T) {
	ts := newTestServer(t)
	conn := createConnection(t, ts)

	// Set the secret.
	var setResp setSecretResponse
	resp := doJSON(t, ts, http.MethodPost, "/v1/secrets/set", setSecretRequest{
		ConnectionID: conn.ID,
		SecretValue:  "sk-abc",
	}, &setResp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set secret: status = %d", resp.StatusCode)
	}
	if !strings.HasPrefix(setResp.SecretRef, "ref-") {
		t.Fatalf("secretRef = %q, want opaque reference", setResp.SecretRef)
	}

	// Request access with allow-always.
	var access domain.AccessResult
	resp = doJSON(t, ts, http.MethodPost, "/v1/access/request", map[string]any{
		"connectionId": conn.ID,
		"requesterId":  "agent-1",
		"reason":       "run model",
		"decision":     "allow-always",
	}, &access)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("access request: status = %d", resp.StatusCode)
	}
	if !access.Granted || access.SecretRef != setResp.SecretRef {
		t.Errorf("access = %+v, want grant with the bound reference", access)
	}

	// Rotation mints a new reference and retires the old one.
	var replResp setSecretResponse
	doJSON(t, ts, http.MethodPost, "/v1/secrets/replace", setSecretRequest{
		ConnectionID: conn.ID,
		SecretValue:  "sk-rotated",
	}, &replResp)
	if replResp.SecretRef == setResp.SecretRef {
		t.Error("rotation must mint a fresh reference")
	}

	// Audit trail exists and never contains the secret values.
	var page ledger.ListResult
	resp = doJSON(t, ts, http.MethodGet, "/v1/audit/events", nil, &page)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit list: status = %d", resp.StatusCode)
	}
	if len(page.Events) != 1 {
		t.Errorf("expected 1 audit event, got %d", len(page.Events))
	}
	raw, _ := json.Marshal(page)
	for _, secret := range []string{"sk-abc", "sk-rotated"} {
		if strings.Contains(string(raw), secret) {
			t.Errorf("secret %q leaked into the audit response", secret)
		}
	}
}

func TestHandler_SetSecretUnknownConnection(t *testing.T) {
	ts := newTestServer(t)

	var errResp errorResponse
	resp := doJSON(t, ts, http.MethodPost, "/v1/secrets/set", setSecretRequest{
		ConnectionID: "no-such-id",
		SecretValue:  "sk-x",
	}, &errResp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandler_ConsentPromptFlow(t *testing.T) {
	ts := newTestServer(t)
	conn := createConnection(t, ts)

	doJSON(t, ts, http.MethodPost, "/v1/secrets/set", setSecretRequest{
		ConnectionID: conn.ID,
		SecretValue:  "sk-prompt",
	}, nil)

	// An undecided access request reports pending.
	var access domain.AccessResult
	doJSON(t, ts, http.MethodPost, "/v1/access/request", map[string]any{
		"connectionId": conn.ID,
		"requesterId":  "agent-1",
	}, &access)
	if access.Granted || !access.Pending {
		t.Fatalf("undecided access = %+v", access)
	}

	// No queued prompt yet: the queue fills from in-process callers, and
	// this request went straight to the gateway.
	var pending pendingConsentResponse
	doJSON(t, ts, http.MethodGet, "/v1/consent/pending", nil, &pending)
	if len(pending.Requests) != 0 {
		t.Errorf("expected no queued prompts, got %d", len(pending.Requests))
	}

	// Deciding against an empty queue is rejected.
	var errResp errorResponse
	resp := doJSON(t, ts, http.MethodPost, "/v1/consent/decision", consentDecisionRequest{
		ID:       "ghost",
		Decision: domain.DecisionAllowOnce,
	}, &errResp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandler_AuditEventsPagination(t *testing.T) {
	ts := newTestServer(t)
	conn := createConnection(t, ts)

	doJSON(t, ts, http.MethodPost, "/v1/secrets/set", setSecretRequest{
		ConnectionID: conn.ID,
		SecretValue:  "sk-page",
	}, nil)
	for i := 0; i < 3; i++ {
		doJSON(t, ts, http.MethodPost, "/v1/access/request", map[string]any{
			"connectionId": conn.ID,
			"requesterId":  "agent-1",
			"decision":     "allow-always",
		}, nil)
	}

	var page ledger.ListResult
	resp := doJSON(t, ts, http.MethodGet, "/v1/audit/events?limit=2", nil, &page)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(page.Events) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %d events, cursor %q", len(page.Events), page.NextCursor)
	}

	var rest ledger.ListResult
	doJSON(t, ts, http.MethodGet, "/v1/audit/events?limit=2&cursor="+page.NextCursor, nil, &rest)
	if len(rest.Events) != 1 || rest.NextCursor != "" {
		t.Errorf("second page: %d events, cursor %q", len(rest.Events), rest.NextCursor)
	}

	var errResp errorResponse
	resp = doJSON(t, ts, http.MethodGet, "/v1/audit/events?limit=banana", nil, &errResp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", resp.StatusCode)
	}
}

func TestHandler_RunRecording(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, ts, http.MethodPost, "/v1/runs/model-call", modelCallRequest{
		RunID:        "run-1",
		ProviderID:   "anthropic",
		ConnectionID: "c1",
		ModelRef:     "claude-sonnet-4",
		Status:       "ok",
		DurationMs:   412,
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("model-call: status = %d", resp.StatusCode)
	}

	resp = doJSON(t, ts, http.MethodPost, "/v1/runs/proposal-apply", gateway.ProposalApplyRecord{
		RunID:        "run-1",
		Status:       "applied",
		FilesChanged: 2,
		Files:        []string{"main.go", "main_test.go"},
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("proposal-apply: status = %d", resp.StatusCode)
	}

	var page ledger.ListResult
	doJSON(t, ts, http.MethodGet, "/v1/audit/events", nil, &page)
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page.Events))
	}
	if page.Events[0].DurationMs != 412 {
		t.Errorf("durationMs = %d, want 412", page.Events[0].DurationMs)
	}
}

func TestHandler_MalformedBody(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/access/request", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandler_Healthz(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	resp := doJSON(t, ts, http.MethodGet, "/healthz", nil, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz: status = %d, body = %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestHandler_Stats(t *testing.T) {
	ts := newTestServer(t)

	var stats statsResponse
	resp := doJSON(t, ts, http.MethodGet, "/v1/stats", nil, &stats)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if stats.GoVersion == "" || stats.Uptime == "" {
		t.Errorf("stats incomplete: %+v", stats)
	}
	if _, err := time.ParseDuration(stats.Uptime); err != nil {
		t.Errorf("uptime %q is not a duration: %v", stats.Uptime, err)
	}
}

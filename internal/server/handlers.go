package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/halcyon-ide/keywarden/internal/domain"
	"github.com/halcyon-ide/keywarden/internal/gateway"
	"github.com/halcyon-ide/keywarden/internal/ledger"
	"github.com/halcyon-ide/keywarden/internal/promptq"
	"github.com/halcyon-ide/keywarden/internal/registry"
	"github.com/halcyon-ide/keywarden/internal/vault"
)

// ConsentPolicy is the slice of the policy store the handlers use directly.
type ConsentPolicy interface {
	Forget(ctx context.Context, connectionID string) error
}

// Handler carries the wired components behind the HTTP surface.
type Handler struct {
	gateway   *gateway.Gateway
	queue     *promptq.Queue
	vault     *vault.Store
	registry  *registry.Store
	ledger    *ledger.Ledger
	policy    ConsentPolicy
	startTime time.Time
}

// NewHandler wires the components into an HTTP handler set.
func NewHandler(gw *gateway.Gateway, q *promptq.Queue, v *vault.Store, reg *registry.Store, led *ledger.Ledger, pol ConsentPolicy) *Handler {
	return &Handler{
		gateway:   gw,
		queue:     q,
		vault:     v,
		registry:  reg,
		ledger:    led,
		policy:    pol,
		startTime: time.Now(),
	}
}

// RegisterRoutes mounts every endpoint on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/v1/secrets/set", h.handleSetSecret)
	r.Post("/v1/secrets/replace", h.handleReplaceSecret)

	r.Post("/v1/access/request", h.handleAccessRequest)
	r.Post("/v1/access/tool", h.handleToolAccess)

	r.Get("/v1/audit/events", h.handleListAuditEvents)

	r.Post("/v1/connections", h.handleCreateConnection)
	r.Get("/v1/connections", h.handleListConnections)
	r.Get("/v1/connections/{id}", h.handleGetConnection)
	r.Delete("/v1/connections/{id}", h.handleDeleteConnection)

	r.Get("/v1/consent/pending", h.handleConsentPending)
	r.Post("/v1/consent/decision", h.handleConsentDecision)

	r.Post("/v1/runs/model-call", h.handleRecordModelCall)
	r.Post("/v1/runs/proposal-apply", h.handleRecordProposalApply)

	r.Get("/healthz", h.handleHealthz)
	r.Get("/v1/stats", h.handleStats)
}

// Wire shapes. Field names are the load-bearing contract with the IDE shell.

type setSecretRequest struct {
	ConnectionID string `json:"connectionId"`
	SecretValue  string `json:"secretValue"`
}

type setSecretResponse struct {
	SecretRef string `json:"secretRef"`
}

type createConnectionRequest struct {
	ProviderID  string            `json:"providerId"`
	Scope       domain.Scope      `json:"scope"`
	DisplayName string            `json:"displayName"`
	Config      map[string]string `json:"config,omitempty"`
	SecretValue string            `json:"secretValue,omitempty"`
}

type consentDecisionRequest struct {
	ID       string          `json:"id"`
	Decision domain.Decision `json:"decision"`
}

type pendingConsentResponse struct {
	Requests []promptq.PendingRequest `json:"requests"`
}

type modelCallRequest struct {
	RunID        string `json:"runId"`
	ProviderID   string `json:"providerId"`
	ConnectionID string `json:"connectionId"`
	ModelRef     string `json:"modelRef,omitempty"`
	Status       string `json:"status"`
	DurationMs   int64  `json:"durationMs"`
	Error        string `json:"error,omitempty"`
}

type errorBody struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (h *Handler) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	h.storeSecret(w, r, h.vault.Set)
}

func (h *Handler) handleReplaceSecret(w http.ResponseWriter, r *http.Request) {
	h.storeSecret(w, r, h.vault.Replace)
}

func (h *Handler) storeSecret(w http.ResponseWriter, r *http.Request, write func(context.Context, string, string) (string, error)) {
	var req setSecretRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ConnectionID == "" || req.SecretValue == "" {
		writeError(w, r, domain.ErrInvalidRequest("connectionId and secretValue are required"))
		return
	}

	ctx := r.Context()
	if _, err := h.registry.Get(ctx, req.ConnectionID); err != nil {
		writeError(w, r, err)
		return
	}

	ref, err := write(ctx, req.ConnectionID, req.SecretValue)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := h.registry.SetSecretRef(ctx, req.ConnectionID, ref); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, setSecretResponse{SecretRef: ref})
}

func (h *Handler) handleAccessRequest(w http.ResponseWriter, r *http.Request) {
	var req domain.AccessRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	AddLogField(r.Context(), "connection_id", req.ConnectionID)
	AddLogField(r.Context(), "requester_id", req.RequesterID)

	res, err := h.gateway.RequestAccess(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleToolAccess(w http.ResponseWriter, r *http.Request) {
	var req gateway.ToolAccessRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.gateway.RequestToolAccess(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := parseLimit(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		limit = n
	}

	res, err := h.ledger.List(r.Context(), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := h.registry.Create(r.Context(), registry.CreateParams{
		ProviderID:  req.ProviderID,
		Scope:       req.Scope,
		DisplayName: req.DisplayName,
		Config:      req.Config,
		Secret:      req.SecretValue,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, conn)
}

func (h *Handler) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if conns == nil {
		conns = []*domain.Connection{}
	}
	writeJSON(w, http.StatusOK, conns)
}

func (h *Handler) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *Handler) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.registry.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.policy.Forget(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleConsentPending(w http.ResponseWriter, r *http.Request) {
	reqs := h.queue.Pending()
	if reqs == nil {
		reqs = []promptq.PendingRequest{}
	}
	writeJSON(w, http.StatusOK, pendingConsentResponse{Requests: reqs})
}

func (h *Handler) handleConsentDecision(w http.ResponseWriter, r *http.Request) {
	var req consentDecisionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.queue.Submit(r.Context(), req.ID, req.Decision)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleRecordModelCall(w http.ResponseWriter, r *http.Request) {
	var req modelCallRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	err := h.gateway.RecordModelCall(r.Context(), gateway.ModelCallRecord{
		RunID:        req.RunID,
		ProviderID:   req.ProviderID,
		ConnectionID: req.ConnectionID,
		ModelRef:     req.ModelRef,
		Status:       req.Status,
		Duration:     time.Duration(req.DurationMs) * time.Millisecond,
		Error:        req.Error,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleRecordProposalApply(w http.ResponseWriter, r *http.Request) {
	var req gateway.ProposalApplyRecord
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.gateway.RecordProposalApply(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Uptime       string `json:"uptime"`
	GoVersion    string `json:"goVersion"`
	NumGoroutine int    `json:"numGoroutine"`
	PendingCount int    `json:"pendingCount"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Uptime:       time.Since(h.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		PendingCount: len(h.queue.Pending()),
	})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidRequest("malformed request body")
	}
	return nil
}

func parseLimit(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.ErrInvalidRequest("limit must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var de *domain.Error
	if errors.As(err, &de) {
		writeJSON(w, de.HTTPStatusCode(), errorResponse{Error: errorBody{Kind: de.Kind, Message: de.Message}})
		return
	}

	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error: errorBody{Kind: domain.ErrorKindStorage, Message: "internal error"},
	})
}

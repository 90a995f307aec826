// Package modelcall performs the actual provider invocation once access has
// been granted. This is the only code that resolves a secret reference to
// its value, immediately before the network call; the value is never stored,
// returned upward, or logged.
package modelcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/halcyon-ide/keywarden/internal/domain"
	"github.com/halcyon-ide/keywarden/internal/gateway"
)

// Resolver is the vault slice that turns an opaque reference into a value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Recorder appends model-call audit events.
type Recorder interface {
	RecordModelCall(ctx context.Context, rec gateway.ModelCallRecord) error
}

// Client posts model requests to a provider endpoint with the connection's
// bearer credential.
type Client struct {
	http     *http.Client
	resolver Resolver
	recorder Recorder
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport, e.g. for recorded fixtures.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New constructs a model-call client.
func New(resolver Resolver, recorder Recorder, logger *slog.Logger, opts ...Option) (*Client, error) {
	if resolver == nil || recorder == nil {
		return nil, fmt.Errorf("model call client requires resolver and recorder")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		http:     &http.Client{Timeout: 60 * time.Second},
		resolver: resolver,
		recorder: recorder,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Request describes one model invocation on behalf of a run.
type Request struct {
	RunID      string
	Connection *domain.Connection
	ModelRef   string
	Payload    json.RawMessage
}

// Invoke resolves the connection's secret, posts the payload to the
// provider, and records a model-call audit event regardless of outcome.
func (c *Client) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	if req.Connection == nil {
		return nil, domain.ErrInvalidRequest("connection is required")
	}

	baseURL := strings.TrimRight(req.Connection.Config["base_url"], "/")
	if baseURL == "" {
		return nil, domain.ErrConfiguration(
			fmt.Sprintf("connection %q has no base_url configured", req.Connection.DisplayName))
	}
	if req.Connection.SecretRef == "" {
		return nil, domain.ErrConfiguration(
			fmt.Sprintf("connection %q has no secret configured", req.Connection.DisplayName))
	}

	secret, err := c.resolver.Resolve(ctx, req.Connection.SecretRef)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := c.post(ctx, baseURL, secret, req.Payload)
	duration := time.Since(start)

	status := "ok"
	callErr := ""
	if err != nil {
		status = "error"
		callErr = err.Error()
	}

	rec := gateway.ModelCallRecord{
		RunID:        req.RunID,
		ProviderID:   req.Connection.ProviderID,
		ConnectionID: req.Connection.ID,
		ModelRef:     req.ModelRef,
		Status:       status,
		Duration:     duration,
		Error:        callErr,
	}
	if recErr := c.recorder.RecordModelCall(ctx, rec); recErr != nil {
		// The invocation outcome stands, but a missing audit record is an
		// operational gap worth shouting about.
		c.logger.Error("modelcall: audit record failed",
			slog.String("run_id", req.RunID),
			slog.String("connection_id", req.Connection.ID),
			slog.String("error", recErr.Error()))
	}

	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, url, secret string, payload json.RawMessage) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.ErrTransport("build provider request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+secret)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, domain.ErrTransport("call provider", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrTransport("read provider response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.NewError(domain.ErrorKindTransport,
			fmt.Sprintf("provider returned status %d", resp.StatusCode))
	}

	return body, nil
}

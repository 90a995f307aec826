package domain

import "time"

// EventType identifies an audit event variant.
type EventType string

const (
	// EventSecretAccess records a consent check for a connection's secret.
	EventSecretAccess EventType = "secret-access"

	// EventAgentToolAccess records a consent check for an agent tool call.
	EventAgentToolAccess EventType = "agent-tool-access"

	// EventModelCall records one model provider invocation.
	EventModelCall EventType = "model-call"

	// EventProposalApply records the application of an SDD run proposal.
	EventProposalApply EventType = "sdd.proposal.apply"
)

// AuditEvent is one immutable record in the append-only ledger. The variant
// determines which optional fields are populated; no variant has a field for
// secret material, so an event cannot carry a secret by construction.
type AuditEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	CreatedAt time.Time `json:"createdAt"`

	// secret-access and agent-tool-access
	ConnectionID string `json:"connectionId,omitempty"`
	RequesterID  string `json:"requesterId,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Allowed      *bool  `json:"allowed,omitempty"`

	// agent-tool-access, model-call, sdd.proposal.apply
	RunID  string `json:"runId,omitempty"`
	ToolID string `json:"toolId,omitempty"`

	// model-call
	ProviderID string `json:"providerId,omitempty"`
	ModelRef   string `json:"modelRef,omitempty"`
	Status     string `json:"status,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Error      string `json:"error,omitempty"`

	// sdd.proposal.apply
	FilesChanged *int     `json:"filesChanged,omitempty"`
	Files        []string `json:"files,omitempty"`

	// Free-form annotations. The ledger rejects keys that look like they
	// carry credential material.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewSecretAccessEvent builds a secret-access event.
func NewSecretAccessEvent(connectionID, requesterID, reason string, allowed bool) AuditEvent {
	return AuditEvent{
		Type:         EventSecretAccess,
		ConnectionID: connectionID,
		RequesterID:  requesterID,
		Reason:       reason,
		Allowed:      &allowed,
	}
}

// NewToolAccessEvent builds an agent-tool-access event.
func NewToolAccessEvent(runID, toolID, requesterID, reason string, allowed bool) AuditEvent {
	return AuditEvent{
		Type:        EventAgentToolAccess,
		RunID:       runID,
		ToolID:      toolID,
		RequesterID: requesterID,
		Reason:      reason,
		Allowed:     &allowed,
	}
}

// NewModelCallEvent builds a model-call event.
func NewModelCallEvent(runID, providerID, connectionID, modelRef, status string, duration time.Duration, callErr string) AuditEvent {
	return AuditEvent{
		Type:         EventModelCall,
		RunID:        runID,
		ProviderID:   providerID,
		ConnectionID: connectionID,
		ModelRef:     modelRef,
		Status:       status,
		DurationMs:   duration.Milliseconds(),
		Error:        callErr,
	}
}

// NewProposalApplyEvent builds an sdd.proposal.apply event.
func NewProposalApplyEvent(runID, status string, filesChanged int, files []string, applyErr string) AuditEvent {
	return AuditEvent{
		Type:         EventProposalApply,
		RunID:        runID,
		Status:       status,
		FilesChanged: &filesChanged,
		Files:        files,
		Error:        applyErr,
	}
}

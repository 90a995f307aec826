// Package domain holds the core types shared across the consent gateway:
// connections, consent decisions, audit events, and the canonical error
// taxonomy.
package domain

import (
	"time"
)

// Scope indicates where a connection is visible.
type Scope string

const (
	// ScopeUser is a connection private to the current user profile.
	ScopeUser Scope = "user"

	// ScopeWorkspace is a connection shared with the open workspace.
	ScopeWorkspace Scope = "workspace"
)

// Valid reports whether the scope is a known value.
func (s Scope) Valid() bool {
	return s == ScopeUser || s == ScopeWorkspace
}

// Connection is a named credential binding. Config never contains values for
// fields a provider schema marks as secret; those live in the vault and are
// referenced through SecretRef.
type Connection struct {
	ID          string            `json:"id" db:"id"`
	ProviderID  string            `json:"providerId" db:"provider_id"`
	Scope       Scope             `json:"scope" db:"scope"`
	DisplayName string            `json:"displayName" db:"display_name"`
	Config      map[string]string `json:"config,omitempty"`
	SecretRef   string            `json:"secretRef,omitempty" db:"secret_ref"`
	CreatedAt   time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time         `json:"updatedAt" db:"updated_at"`
}

// Decision is a consent decision recorded for a (connection, requester) pair.
type Decision string

const (
	// DecisionAllowOnce grants exactly one access; the grant is consumed by
	// the next permitting evaluation.
	DecisionAllowOnce Decision = "allow-once"

	// DecisionAllowAlways grants access durably across restarts.
	DecisionAllowAlways Decision = "allow-always"

	// DecisionDeny denies access durably across restarts.
	DecisionDeny Decision = "deny"
)

// Valid reports whether the decision is a known value.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllowOnce, DecisionAllowAlways, DecisionDeny:
		return true
	}
	return false
}

// Permits reports whether the decision grants access.
func (d Decision) Permits() bool {
	return d == DecisionAllowOnce || d == DecisionAllowAlways
}

// AccessRequest asks the gateway for permission to use a connection's secret.
// Decision is set only when the caller is submitting a fresh user choice.
type AccessRequest struct {
	ConnectionID string   `json:"connectionId"`
	RequesterID  string   `json:"requesterId"`
	Reason       string   `json:"reason,omitempty"`
	Decision     Decision `json:"decision,omitempty"`
}

// AccessResult is the gateway's answer. SecretRef is set only when Granted.
// Pending is set when no decision was on record, which tells the prompt
// queue that an interactive decision is still required; an explicit deny
// comes back with both Granted and Pending false.
type AccessResult struct {
	Granted   bool   `json:"granted"`
	SecretRef string `json:"secretRef,omitempty"`
	Pending   bool   `json:"pending,omitempty"`
}

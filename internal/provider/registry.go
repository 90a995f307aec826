// Package provider holds the field-schema registry for credential providers.
// Schemas describe which connection config fields exist, which are required,
// and which are secret; they never validate secret content.
package provider

import (
	"sync"
)

// FieldType describes how a config field is handled and rendered.
type FieldType string

const (
	FieldTypeText   FieldType = "text"
	FieldTypeNumber FieldType = "number"
	FieldTypeSecret FieldType = "secret"
)

// Field is one config field in a provider schema.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Schema describes the config surface of one provider.
type Schema struct {
	ProviderID  string  `json:"providerId"`
	DisplayName string  `json:"displayName"`
	Fields      []Field `json:"fields"`
}

// RequiresSecret reports whether the schema has a required secret field.
func (s Schema) RequiresSecret() bool {
	for _, f := range s.Fields {
		if f.Type == FieldTypeSecret && f.Required {
			return true
		}
	}
	return false
}

// SecretFieldNames returns the names of all secret fields.
func (s Schema) SecretFieldNames() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Type == FieldTypeSecret {
			names = append(names, f.Name)
		}
	}
	return names
}

// Registry is a concurrency-safe schema registry. Built-in schemas are
// registered at construction; config-declared schemas may be added or
// replaced at runtime (config hot-reload).
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry creates a registry pre-populated with the built-in schemas.
func NewRegistry() *Registry {
	r := &Registry{schemas: make(map[string]Schema)}
	for _, s := range builtins() {
		r.schemas[s.ProviderID] = s
	}
	return r
}

// Register adds or replaces a schema.
func (r *Registry) Register(s Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.ProviderID] = s
}

// Get retrieves a schema by provider ID.
func (r *Registry) Get(providerID string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[providerID]
	return s, ok
}

// List returns all registered schemas.
func (r *Registry) List() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	return out
}

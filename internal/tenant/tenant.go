// Package tenant loads tenant configuration from a JSON file and serves it
// to command processing. Tenants are registered ahead of time; requests for
// unknown tenants fail.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrTenantNotFound is returned when a tenant is not registered.
var ErrTenantNotFound = errors.New("tenant not found")

// Configuration is the per-tenant settings block.
type Configuration struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Environments []string             `json:"environments"`
	Database     *DatabaseSettings    `json:"database,omitempty"`
	Optimization OptimizationSettings `json:"optimization"`
	Webhooks     []WebhookSettings    `json:"webhooks,omitempty"`
}

// DatabaseSettings controls whether flight documents are persisted for the
// tenant. A nil Database or Disabled=true is a valid no-op persistence path.
type DatabaseSettings struct {
	Disabled bool `json:"disabled"`
}

// OptimizationSettings toggles the projection optimizer per tenant.
type OptimizationSettings struct {
	Enabled bool     `json:"enabled"`
	Rules   []string `json:"rules,omitempty"`
}

// WebhookSettings is one notification endpoint subscribed to the tenant's
// flight events.
type WebhookSettings struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
}

// PersistenceEnabled reports whether flight documents should be saved for
// the tenant.
func (c *Configuration) PersistenceEnabled() bool {
	return c.Database != nil && !c.Database.Disabled
}

// HasEnvironment reports whether the tenant is registered for env,
// case-insensitively.
func (c *Configuration) HasEnvironment(env string) bool {
	for _, candidate := range c.Environments {
		if strings.EqualFold(candidate, env) {
			return true
		}
	}
	return false
}

// Provider serves tenant configuration by name.
type Provider interface {
	Get(ctx context.Context, name string) (*Configuration, error)
}

// FileProvider loads all tenant configurations from a JSON file at startup
// and serves them from memory. Lookups are case-insensitive.
type FileProvider struct {
	mu     sync.RWMutex
	path   string
	byName map[string]*Configuration
}

// NewFileProvider reads and validates the tenants file.
func NewFileProvider(path string) (*FileProvider, error) {
	provider := &FileProvider{path: path}
	if err := provider.Reload(); err != nil {
		return nil, err
	}
	return provider, nil
}

// Reload re-reads the tenants file, replacing the in-memory set atomically.
func (p *FileProvider) Reload() error {
	payload, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read tenants file: %w", err)
	}

	var configurations []*Configuration
	if err := json.Unmarshal(payload, &configurations); err != nil {
		return fmt.Errorf("parse tenants file %s: %w", p.path, err)
	}

	byName := make(map[string]*Configuration, len(configurations))
	for _, configuration := range configurations {
		if strings.TrimSpace(configuration.Name) == "" {
			return fmt.Errorf("tenants file %s: tenant name must not be empty", p.path)
		}
		if configuration.ID == "" {
			configuration.ID = configuration.Name
		}
		key := strings.ToLower(configuration.Name)
		if _, ok := byName[key]; ok {
			return fmt.Errorf("tenants file %s: duplicate tenant %q", p.path, configuration.Name)
		}
		byName[key] = configuration
	}

	p.mu.Lock()
	p.byName = byName
	p.mu.Unlock()
	return nil
}

// Get returns the configuration for the named tenant.
func (p *FileProvider) Get(_ context.Context, name string) (*Configuration, error) {
	p.mu.RLock()
	configuration, ok := p.byName[strings.ToLower(strings.TrimSpace(name))]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, name)
	}
	return configuration, nil
}

// Names returns the registered tenant names.
func (p *FileProvider) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.byName))
	for _, configuration := range p.byName {
		names = append(names, configuration.Name)
	}
	return names
}

package oauth

import (
	"context"
	"errors"
	"strings"
)

// Profile is the identity asserted by an external provider after a
// successful code exchange.
type Profile struct {
	Provider   string
	ProviderID string
	Email      string
	FirstName  string
	LastName   string
	AvatarURL  string
}

// Provider implements the authorization-code flow for one external identity
// provider.
type Provider interface {
	Name() string
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*Profile, error)
}

// ErrUnknownProvider indicates the requested provider is not configured.
var ErrUnknownProvider = errors.New("oauth: unknown provider")

// Registry holds the configured providers keyed by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the supplied providers. Nil entries are skipped.
func NewRegistry(providers ...Provider) *Registry {
	registry := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		registry.providers[strings.ToLower(provider.Name())] = provider
	}
	return registry
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	provider, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return provider, nil
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/blockfall/blockfall/internal/auth/oauth"
)

const defaultStateTTL = 10 * time.Minute

// GoogleProviderConfig converts the oauth.google section into provider parameters.
func (c OAuthConfig) GoogleProviderConfig() oauth.GoogleConfig {
	return oauth.GoogleConfig{
		ClientID:     c.Google.ClientID,
		ClientSecret: c.Google.ClientSecret,
		RedirectURL:  c.Google.RedirectURL,
	}
}

// GitHubProviderConfig converts the oauth.github section into provider parameters.
func (c OAuthConfig) GitHubProviderConfig() oauth.GitHubConfig {
	return oauth.GitHubConfig{
		ClientID:     c.GitHub.ClientID,
		ClientSecret: c.GitHub.ClientSecret,
		RedirectURL:  c.GitHub.RedirectURL,
	}
}

// BuildOAuth assembles the provider registry and state codec for the enabled
// providers. Both return values are nil when no provider is enabled.
func (c OAuthConfig) BuildOAuth(ctx context.Context) (*oauth.Registry, *oauth.StateCodec, error) {
	var providers []oauth.Provider

	if c.Google.Enabled {
		provider, err := oauth.NewGoogleProvider(ctx, c.GoogleProviderConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("oauth: google provider: %w", err)
		}
		providers = append(providers, provider)
	}

	if c.GitHub.Enabled {
		provider, err := oauth.NewGitHubProvider(c.GitHubProviderConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("oauth: github provider: %w", err)
		}
		providers = append(providers, provider)
	}

	if len(providers) == 0 {
		return nil, nil, nil
	}

	ttl := c.StateTTL
	if ttl <= 0 {
		ttl = defaultStateTTL
	}

	codec, err := oauth.NewStateCodec([]byte(c.StateKey), ttl, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("oauth: state codec: %w", err)
	}

	return oauth.NewRegistry(providers...), codec, nil
}

package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockfall/blockfall/internal/models"
)

func newOIDCDiscoveryServer(t *testing.T) *httptest.Server {
	t.Helper()

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"issuer":                 server.URL,
				"authorization_endpoint": server.URL + "/auth",
				"token_endpoint":         server.URL + "/token",
				"jwks_uri":               server.URL + "/jwks",
			})
		case "/jwks":
			_ = json.NewEncoder(w).Encode(map[string]any{"keys": []any{}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestGoogleProviderRequiresConfig(t *testing.T) {
	ctx := context.Background()

	_, err := NewGoogleProvider(ctx, GoogleConfig{})
	require.Error(t, err)

	_, err = NewGoogleProvider(ctx, GoogleConfig{ClientID: "id"})
	require.Error(t, err)

	_, err = NewGoogleProvider(ctx, GoogleConfig{ClientID: "id", ClientSecret: "secret"})
	require.Error(t, err)
}

func TestGoogleProviderDiscoveryAndAuthURL(t *testing.T) {
	server := newOIDCDiscoveryServer(t)

	provider, err := NewGoogleProvider(context.Background(), GoogleConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example.com/api/auth/google/callback",
		IssuerURL:    server.URL,
		HTTPClient:   server.Client(),
	})
	require.NoError(t, err)
	require.Equal(t, models.ProviderGoogle, provider.Name())

	url := provider.AuthURL("state-token")
	require.Contains(t, url, server.URL+"/auth")
	require.Contains(t, url, "state=state-token")
	require.Contains(t, url, "scope=openid+profile+email")
}

func TestGoogleProviderDiscoveryFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	_, err := NewGoogleProvider(context.Background(), GoogleConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example.com/callback",
		IssuerURL:    server.URL,
		HTTPClient:   server.Client(),
	})
	require.Error(t, err)
}

func TestGoogleExchangeRequiresCode(t *testing.T) {
	server := newOIDCDiscoveryServer(t)

	provider, err := NewGoogleProvider(context.Background(), GoogleConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example.com/callback",
		IssuerURL:    server.URL,
		HTTPClient:   server.Client(),
	})
	require.NoError(t, err)

	_, err = provider.Exchange(context.Background(), "")
	require.Error(t, err)
}

package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/blockfall/blockfall/internal/models"
)

const googleIssuer = "https://accounts.google.com"

// GoogleConfig carries the OAuth client registration for Google sign-in.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// IssuerURL overrides the discovery endpoint, primarily for testing.
	IssuerURL  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

type googleProvider struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	timeout     time.Duration
}

// NewGoogleProvider builds a Google provider. OIDC discovery runs eagerly so
// misconfiguration surfaces at startup.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (Provider, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("google provider: client id is required")
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("google provider: client secret is required")
	}
	if strings.TrimSpace(cfg.RedirectURL) == "" {
		return nil, errors.New("google provider: redirect url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	issuerURL := cfg.IssuerURL
	if issuerURL == "" {
		issuerURL = googleIssuer
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}

	discoveryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	issuer, err := oidc.NewProvider(discoveryCtx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("google provider: discovery failed: %w", err)
	}

	return &googleProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     issuer.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier: issuer.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		timeout:  timeout,
	}, nil
}

func (p *googleProvider) Name() string {
	return models.ProviderGoogle
}

func (p *googleProvider) AuthURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

// Exchange redeems the authorization code and derives the profile from the
// verified id_token rather than the userinfo endpoint.
func (p *googleProvider) Exchange(ctx context.Context, code string) (*Profile, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("google provider: authorization code is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	token, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("google provider: exchange failed: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("google provider: id token missing")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("google provider: verify id token: %w", err)
	}

	var claims struct {
		Email     string `json:"email"`
		GivenName string `json:"given_name"`
		Surname   string `json:"family_name"`
		Picture   string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("google provider: decode claims: %w", err)
	}
	if claims.Email == "" {
		return nil, errors.New("google provider: email claim missing")
	}

	return &Profile{
		Provider:   models.ProviderGoogle,
		ProviderID: idToken.Subject,
		Email:      claims.Email,
		FirstName:  claims.GivenName,
		LastName:   claims.Surname,
		AvatarURL:  claims.Picture,
	}, nil
}

package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/blockfall/blockfall/internal/models"
)

const defaultGitHubAPIBaseURL = "https://api.github.com"

// GitHubConfig carries the OAuth client registration for GitHub sign-in.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// APIBaseURL and Endpoint are overridable for testing.
	APIBaseURL string
	Endpoint   oauth2.Endpoint
	Timeout    time.Duration
}

type githubProvider struct {
	oauthConfig *oauth2.Config
	apiBaseURL  string
	timeout     time.Duration
}

// NewGitHubProvider builds a GitHub provider. GitHub issues no id_token, so
// the profile is fetched from its REST API after the code exchange.
func NewGitHubProvider(cfg GitHubConfig) (Provider, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("github provider: client id is required")
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("github provider: client secret is required")
	}
	if strings.TrimSpace(cfg.RedirectURL) == "" {
		return nil, errors.New("github provider: redirect url is required")
	}

	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = github.Endpoint
	}
	apiBaseURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultGitHubAPIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &githubProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"read:user", "user:email"},
		},
		apiBaseURL: apiBaseURL,
		timeout:    timeout,
	}, nil
}

func (p *githubProvider) Name() string {
	return models.ProviderGitHub
}

func (p *githubProvider) AuthURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (p *githubProvider) Exchange(ctx context.Context, code string) (*Profile, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("github provider: authorization code is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	token, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("github provider: exchange failed: %w", err)
	}

	client := p.oauthConfig.Client(ctx, token)

	var user githubUser
	if err := p.getJSON(ctx, client, "/user", &user); err != nil {
		return nil, err
	}

	email := user.Email
	if email == "" {
		// The public profile email is often hidden; fall back to the
		// primary verified address.
		var emails []githubEmail
		if err := p.getJSON(ctx, client, "/user/emails", &emails); err != nil {
			return nil, err
		}
		for _, candidate := range emails {
			if candidate.Primary && candidate.Verified {
				email = candidate.Email
				break
			}
		}
		if email == "" {
			for _, candidate := range emails {
				if candidate.Verified {
					email = candidate.Email
					break
				}
			}
		}
	}
	if email == "" {
		return nil, errors.New("github provider: no verified email available")
	}

	firstName, lastName := splitName(user.Name)
	if firstName == "" {
		firstName = user.Login
	}

	return &Profile{
		Provider:   models.ProviderGitHub,
		ProviderID: strconv.FormatInt(user.ID, 10),
		Email:      email,
		FirstName:  firstName,
		LastName:   lastName,
		AvatarURL:  user.AvatarURL,
	}, nil
}

func (p *githubProvider) getJSON(ctx context.Context, client *http.Client, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("github provider: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("github provider: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github provider: request %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("github provider: decode %s: %w", path, err)
	}
	return nil
}

func splitName(full string) (string, string) {
	full = strings.TrimSpace(full)
	if full == "" {
		return "", ""
	}
	parts := strings.SplitN(full, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}

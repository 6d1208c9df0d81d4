package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/blockfall/blockfall/internal/auth"
	"github.com/blockfall/blockfall/internal/auth/oauth"
	apperrors "github.com/blockfall/blockfall/pkg/errors"
	"github.com/blockfall/blockfall/pkg/logger"
	"github.com/blockfall/blockfall/pkg/response"
	"go.uber.org/zap"
)

// OAuthHandler manages the Google/GitHub authorization and callback flows.
type OAuthHandler struct {
	registry      *oauth.Registry
	state         *oauth.StateCodec
	accounts      *iauth.AccountService
	jwt           *iauth.JWTService
	frontendURL   string
	secureCookies bool
}

func NewOAuthHandler(registry *oauth.Registry, state *oauth.StateCodec, accounts *iauth.AccountService, jwt *iauth.JWTService, frontendURL string, secureCookies bool) *OAuthHandler {
	return &OAuthHandler{
		registry:      registry,
		state:         state,
		accounts:      accounts,
		jwt:           jwt,
		frontendURL:   strings.TrimRight(frontendURL, "/"),
		secureCookies: secureCookies,
	}
}

// Authorize redirects the browser to the named provider's consent screen.
// GET /api/auth/{google,github}
func (h *OAuthHandler) Authorize(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider, err := h.registry.Get(name)
		if err != nil {
			response.Error(c, apperrors.ErrNotFound)
			return
		}

		state, err := h.state.Encode(oauth.StatePayload{Provider: provider.Name()})
		if err != nil {
			response.Error(c, apperrors.ErrInternalServer)
			return
		}

		c.Redirect(http.StatusFound, provider.AuthURL(state))
	}
}

// Callback completes the provider round-trip, signs the user in and redirects
// back to the frontend with the access token. Failures redirect with an error
// tag instead of rendering JSON since the browser is mid-navigation.
// GET /api/auth/{google,github}/callback
func (h *OAuthHandler) Callback(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if reason := c.Query("error"); reason != "" {
			h.redirectError(c, "oauth_denied")
			return
		}

		payload, err := h.state.Decode(c.Query("state"))
		if err != nil || !strings.EqualFold(payload.Provider, name) {
			h.redirectError(c, "oauth_state")
			return
		}

		provider, err := h.registry.Get(name)
		if err != nil {
			h.redirectError(c, "oauth_provider")
			return
		}

		code := strings.TrimSpace(c.Query("code"))
		if code == "" {
			h.redirectError(c, "oauth_code")
			return
		}

		profile, err := provider.Exchange(requestContext(c), code)
		if err != nil {
			logger.WithModule("oauth").Warn("provider exchange failed",
				zap.String("provider", name), zap.Error(err))
			h.redirectError(c, "oauth_exchange")
			return
		}

		meta := clientMeta(c)
		user, err := h.accounts.FindOrCreateOAuthUser(requestContext(c), iauth.OAuthUserInput{
			Provider:   profile.Provider,
			ProviderID: profile.ProviderID,
			Email:      profile.Email,
			FirstName:  profile.FirstName,
			LastName:   profile.LastName,
			Meta:       meta,
		})
		if err != nil {
			h.redirectError(c, "oauth_account")
			return
		}

		result, err := h.accounts.CompleteOAuthLogin(requestContext(c), user, meta)
		if err != nil {
			h.redirectError(c, "oauth_login")
			return
		}

		setAuthCookies(c, h.jwt, result.Tokens, h.secureCookies)
		c.Redirect(http.StatusFound, h.frontendURL+"/auth/callback?token="+url.QueryEscape(result.Tokens.AccessToken))
	}
}

func (h *OAuthHandler) redirectError(c *gin.Context, reason string) {
	c.Redirect(http.StatusFound, h.frontendURL+"/auth/callback?error="+url.QueryEscape(reason))
}

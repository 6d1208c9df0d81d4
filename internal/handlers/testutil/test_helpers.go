package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/blockfall/blockfall/internal/api"
	iauth "github.com/blockfall/blockfall/internal/auth"
	"github.com/blockfall/blockfall/internal/auth/mfa"
	"github.com/blockfall/blockfall/internal/auth/oauth"
	"github.com/blockfall/blockfall/internal/middleware"
	"github.com/blockfall/blockfall/internal/models"
	"github.com/blockfall/blockfall/internal/ratelimit"
	"github.com/blockfall/blockfall/internal/services"
	sharedtestutil "github.com/blockfall/blockfall/internal/testutil"
	"github.com/blockfall/blockfall/pkg/crypto"
	"github.com/blockfall/blockfall/pkg/mail"
	"github.com/blockfall/blockfall/pkg/response"
)

// Env encapsulates a fully-wired API instance backed by an in-memory database
// for handler tests.
type Env struct {
	T           *testing.T
	DB          *gorm.DB
	Router      *gin.Engine
	JWT         *iauth.JWTService
	Tokens      *iauth.TokenService
	Accounts    *iauth.AccountService
	TOTP        *mfa.TOTPService
	Audit       *services.AuditService
	Permissions *services.PermissionService

	csrfToken  string
	csrfCookie *http.Cookie
}

type envConfig struct {
	limiter        *ratelimit.Limiter
	oauthProviders *oauth.Registry
	oauthState     *oauth.StateCodec
	frontendURL    string
}

// EnvOption customises the wired test environment.
type EnvOption func(*envConfig)

// WithLimiter enables rate limiting with the supplied limiter.
func WithLimiter(limiter *ratelimit.Limiter) EnvOption {
	return func(cfg *envConfig) {
		cfg.limiter = limiter
	}
}

// WithOAuth registers OAuth providers and a state codec on the router.
func WithOAuth(registry *oauth.Registry, state *oauth.StateCodec) EnvOption {
	return func(cfg *envConfig) {
		cfg.oauthProviders = registry
		cfg.oauthState = state
	}
}

// NewEnv provisions a fresh handler test environment with migrations applied.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	cfg := envConfig{frontendURL: "http://localhost:5173"}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := sharedtestutil.MustOpenTestDB(t)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:        "test-suite-access-secret-32-bytes!!!",
		RefreshSecret: "test-suite-refresh-secret-32-bytes!!",
		Issuer:        "test-suite",
	})
	require.NoError(t, err)

	tokenSvc, err := iauth.NewTokenService(db, jwtSvc, iauth.TokenConfig{})
	require.NoError(t, err)

	auditSvc, err := services.NewAuditService(db)
	require.NoError(t, err)

	permissionSvc, err := services.NewPermissionService(db)
	require.NoError(t, err)

	totpSvc, err := mfa.NewTOTPService(db, []byte("0123456789abcdef0123456789abcdef"), mfa.WithAudit(auditSvc))
	require.NoError(t, err)

	mailer, err := mail.NewSMTPMailer(mail.SMTPSettings{})
	require.NoError(t, err)

	accountSvc, err := iauth.NewAccountService(db, tokenSvc, mailer, auditSvc, iauth.AccountConfig{
		FrontendURL: cfg.frontendURL,
		TwoFactor:   totpSvc,
	})
	require.NoError(t, err)

	router, err := api.NewRouter(api.Config{
		DB:             db,
		JWT:            jwtSvc,
		Accounts:       accountSvc,
		Tokens:         tokenSvc,
		TOTP:           totpSvc,
		Audit:          auditSvc,
		Permissions:    permissionSvc,
		OAuthProviders: cfg.oauthProviders,
		OAuthState:     cfg.oauthState,
		Limiter:        cfg.limiter,
		FrontendURL:    cfg.frontendURL,
	})
	require.NoError(t, err)

	return &Env{
		T:           t,
		DB:          db,
		Router:      router,
		JWT:         jwtSvc,
		Tokens:      tokenSvc,
		Accounts:    accountSvc,
		TOTP:        totpSvc,
		Audit:       auditSvc,
		Permissions: permissionSvc,
	}
}

// CreateUser inserts an active user with a hashed password and the given roles.
func (e *Env) CreateUser(email, password string, verified bool, roles ...string) *models.User {
	e.T.Helper()

	hashed, err := crypto.HashPassword(password)
	require.NoError(e.T, err)

	provider := models.ProviderLocal
	user := &models.User{
		Email:           email,
		Password:        &hashed,
		Roles:           models.EncodeRoles(roles),
		IsActive:        true,
		IsEmailVerified: verified,
		Provider:        &provider,
	}
	require.NoError(e.T, e.DB.Create(user).Error)
	return user
}

// TokenPair mirrors the token envelope returned by the auth endpoints.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int    `json:"expiresIn"`
}

// UserPayload captures the subset of user fields returned from auth endpoints.
type UserPayload struct {
	ID               string   `json:"id"`
	Email            string   `json:"email"`
	FirstName        string   `json:"first_name"`
	LastName         string   `json:"last_name"`
	Roles            []string `json:"roles"`
	IsActive         bool     `json:"is_active"`
	IsEmailVerified  bool     `json:"is_email_verified"`
	TwoFactorEnabled bool     `json:"two_factor_enabled"`
}

// LoginResult bundles the JSON response from POST /api/auth/login.
type LoginResult struct {
	Tokens            TokenPair   `json:"tokens"`
	User              UserPayload `json:"user"`
	TwoFactorRequired bool        `json:"two_factor_required"`
}

// Login authenticates with email and password and returns the issued tokens.
func (e *Env) Login(email, password string) LoginResult {
	e.T.Helper()

	payload := map[string]string{"email": email, "password": password}

	w := e.Request(http.MethodPost, "/api/auth/login", payload, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	resp := DecodeResponse(e.T, w)
	require.True(e.T, resp.Success, w.Body.String())

	var result LoginResult
	DecodeInto(e.T, resp.Data, &result)
	require.NotEmpty(e.T, result.Tokens.AccessToken)
	require.NotEmpty(e.T, result.Tokens.RefreshToken)
	require.Greater(e.T, result.Tokens.ExpiresIn, 0)

	return result
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON
// encoding, auth headers and CSRF attestation automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()
	return e.request(method, path, body, token, false)
}

func (e *Env) request(method, path string, body any, token string, skipCSRF bool) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if !skipCSRF && requiresCSRFAttestation(method) {
		e.ensureCSRFToken()
		if e.csrfCookie != nil {
			req.AddCookie(e.csrfCookie)
		}
		if e.csrfToken != "" {
			req.Header.Set(middleware.CSRFHeaderName, e.csrfToken)
		}
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)

	e.captureCSRF(w.Result())
	return w
}

func (e *Env) ensureCSRFToken() {
	if e.csrfToken != "" && e.csrfCookie != nil {
		return
	}
	resp := e.request(http.MethodGet, "/health", nil, "", true)
	require.Equal(e.T, http.StatusOK, resp.Code, resp.Body.String())
}

func (e *Env) captureCSRF(resp *http.Response) {
	if resp == nil {
		return
	}
	defer resp.Body.Close()

	if token := resp.Header.Get(middleware.CSRFHeaderName); token != "" {
		e.csrfToken = token
	}
	for _, c := range resp.Cookies() {
		if c.Name == middleware.CSRFCookieName {
			// Clone to avoid unintended mutations between tests
			e.csrfCookie = &http.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Path:     c.Path,
				Domain:   c.Domain,
				Expires:  c.Expires,
				MaxAge:   c.MaxAge,
				Secure:   c.Secure,
				HttpOnly: c.HttpOnly,
				SameSite: c.SameSite,
			}
			break
		}
	}
}

func requiresCSRFAttestation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/blockfall/blockfall/internal/auth"
	"github.com/blockfall/blockfall/internal/middleware"
	"github.com/blockfall/blockfall/internal/models"
	apperrors "github.com/blockfall/blockfall/pkg/errors"
	"github.com/blockfall/blockfall/pkg/response"
)

// RefreshTokenCookie carries the refresh token for browser clients. It is
// scoped to the auth routes so it never travels with ordinary API calls.
const RefreshTokenCookie = "refresh_token"

const refreshCookiePath = "/api/auth"

// AuthHandler manages registration, login, token rotation and the
// email-verification and password-reset flows.
type AuthHandler struct {
	db            *gorm.DB
	accounts      *iauth.AccountService
	tokens        *iauth.TokenService
	jwt           *iauth.JWTService
	secureCookies bool
}

func NewAuthHandler(db *gorm.DB, accounts *iauth.AccountService, tokens *iauth.TokenService, jwt *iauth.JWTService, secureCookies bool) *AuthHandler {
	return &AuthHandler{db: db, accounts: accounts, tokens: tokens, jwt: jwt, secureCookies: secureCookies}
}

type registerRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

type loginRequest struct {
	Email         string `json:"email" validate:"required,email"`
	Password      string `json:"password" validate:"required"`
	TwoFactorCode string `json:"two_factor_code" validate:"max=16"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type tokenEnvelope struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int    `json:"expiresIn"`
}

func (h *AuthHandler) tokenEnvelope(pair iauth.TokenPair) tokenEnvelope {
	return tokenEnvelope{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(h.jwt.AccessTokenTTL().Seconds()),
	}
}

func userPayload(user *models.User) gin.H {
	return gin.H{
		"id":                 user.ID,
		"email":              user.Email,
		"first_name":         user.FirstName,
		"last_name":          user.LastName,
		"roles":              user.RoleTags(),
		"is_active":          user.IsActive,
		"is_email_verified":  user.IsEmailVerified,
		"two_factor_enabled": user.TwoFactorEnabled,
		"last_login_at":      user.LastLoginAt,
	}
}

// POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.accounts.Register(requestContext(c), iauth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Meta:      clientMeta(c),
	})
	if err != nil {
		response.Error(c, mapAccountError(err))
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"user":    userPayload(user),
		"message": "Registration successful. Please check your email to verify your account.",
	})
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.accounts.Login(requestContext(c), iauth.LoginInput{
		Email:         req.Email,
		Password:      req.Password,
		TwoFactorCode: strings.TrimSpace(req.TwoFactorCode),
		Meta:          clientMeta(c),
	})
	if err != nil {
		response.Error(c, mapAccountError(err))
		return
	}

	if result.TwoFactorRequired {
		response.Success(c, http.StatusOK, gin.H{"two_factor_required": true})
		return
	}

	h.setAuthCookies(c, result.Tokens)

	response.Success(c, http.StatusOK, gin.H{
		"tokens":           h.tokenEnvelope(result.Tokens),
		"user":             userPayload(result.User),
		"used_backup_code": result.UsedBackupCode,
	})
}

// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, apperrors.NewBadRequest("invalid JSON payload"))
			return
		}
	}

	raw := strings.TrimSpace(req.RefreshToken)
	if raw == "" {
		if cookie, err := c.Cookie(RefreshTokenCookie); err == nil {
			raw = cookie
		}
	}
	if raw == "" {
		response.Error(c, apperrors.NewBadRequest("refresh token is required"))
		return
	}

	pair, _, err := h.tokens.Rotate(requestContext(c), raw, clientMeta(c))
	if err != nil {
		h.clearAuthCookies(c)
		response.Error(c, mapTokenError(err))
		return
	}

	h.setAuthCookies(c, pair)
	response.Success(c, http.StatusOK, h.tokenEnvelope(pair))
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	var req refreshRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	raw := strings.TrimSpace(req.RefreshToken)
	if raw == "" {
		if cookie, err := c.Cookie(RefreshTokenCookie); err == nil {
			raw = cookie
		}
	}

	if err := h.accounts.Logout(requestContext(c), userID, raw, clientMeta(c)); err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	h.clearAuthCookies(c)
	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// POST /api/auth/revoke-all
func (h *AuthHandler) RevokeAll(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	count, err := h.accounts.RevokeAllTokens(requestContext(c), userID, clientMeta(c))
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	h.clearAuthCookies(c)
	response.Success(c, http.StatusOK, gin.H{"revoked": count})
}

// GET /api/auth/verify-email?token=
func (h *AuthHandler) VerifyEmail(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		response.Error(c, apperrors.NewBadRequest("verification token is required"))
		return
	}

	user, err := h.accounts.VerifyEmail(requestContext(c), token, clientMeta(c))
	if err != nil {
		response.Error(c, mapAccountError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"user":    userPayload(user),
		"message": "Email verified successfully.",
	})
}

// POST /api/auth/resend-verification
func (h *AuthHandler) ResendVerification(c *gin.Context) {
	var req emailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.accounts.ResendVerification(requestContext(c), req.Email); err != nil {
		response.Error(c, mapAccountError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Verification email sent."})
}

// POST /api/auth/forgot-password
func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req emailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	// The outcome is identical whether or not the account exists.
	if err := h.accounts.RequestPasswordReset(requestContext(c), req.Email, clientMeta(c)); err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "If an account exists for that address, a reset link has been sent.",
	})
}

// POST /api/auth/reset-password
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.accounts.ResetPassword(requestContext(c), req.Token, req.Password, clientMeta(c)); err != nil {
		response.Error(c, mapAccountError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Password updated. Please sign in again."})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	user, ok := currentUser(c, h.db)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}
	response.Success(c, http.StatusOK, userPayload(user))
}

func (h *AuthHandler) setAuthCookies(c *gin.Context, pair iauth.TokenPair) {
	setAuthCookies(c, h.jwt, pair, h.secureCookies)
}

func (h *AuthHandler) clearAuthCookies(c *gin.Context) {
	clearAuthCookies(c, h.secureCookies)
}

func setAuthCookies(c *gin.Context, jwt *iauth.JWTService, pair iauth.TokenPair, secure bool) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(middleware.AccessTokenCookie, pair.AccessToken, int(jwt.AccessTokenTTL().Seconds()), "/", "", secure, true)
	c.SetCookie(RefreshTokenCookie, pair.RefreshToken, int(jwt.RefreshTokenTTL().Seconds()), refreshCookiePath, "", secure, true)
}

func clearAuthCookies(c *gin.Context, secure bool) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(middleware.AccessTokenCookie, "", -1, "/", "", secure, true)
	c.SetCookie(RefreshTokenCookie, "", -1, refreshCookiePath, "", secure, true)
}

// mapAccountError converts account service sentinels into API errors.
func mapAccountError(err error) error {
	var locked *iauth.LockedError
	if errors.As(err, &locked) {
		return apperrors.New("ACCOUNT_LOCKED", locked.Error(), http.StatusUnauthorized)
	}

	switch {
	case errors.Is(err, iauth.ErrAccountExists):
		return apperrors.ErrEmailTaken
	case errors.Is(err, iauth.ErrInvalidCredentials):
		return apperrors.ErrInvalidCredentials
	case errors.Is(err, iauth.ErrEmailNotVerified):
		return apperrors.ErrEmailNotVerified
	case errors.Is(err, iauth.ErrAccountInactive):
		return apperrors.ErrAccountInactive
	case errors.Is(err, iauth.ErrAccountNotFound):
		return apperrors.ErrNotFound
	case errors.Is(err, iauth.ErrAlreadyVerified):
		return apperrors.NewBadRequest("email is already verified")
	case errors.Is(err, iauth.ErrVerificationInvalid):
		return apperrors.NewBadRequest("invalid or expired verification token")
	case errors.Is(err, iauth.ErrResetInvalid):
		return apperrors.NewBadRequest("invalid or expired reset token")
	case errors.Is(err, iauth.ErrTwoFactorInvalid):
		return apperrors.NewUnauthorized("invalid two-factor code")
	case errors.Is(err, iauth.ErrTwoFactorUnavailable):
		return apperrors.ErrInternalServer
	default:
		return apperrors.ErrInternalServer
	}
}

// mapTokenError converts token service sentinels into API errors.
func mapTokenError(err error) error {
	switch {
	case errors.Is(err, iauth.ErrRefreshReused):
		return apperrors.ErrTokenReuse
	case errors.Is(err, iauth.ErrRefreshNotFound),
		errors.Is(err, iauth.ErrRefreshExpired),
		errors.Is(err, iauth.ErrRefreshInvalid),
		errors.Is(err, iauth.ErrTokenUserInactive):
		return apperrors.ErrUnauthorized
	default:
		return apperrors.ErrInternalServer
	}
}

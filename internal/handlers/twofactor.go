package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/blockfall/blockfall/internal/auth/mfa"
	apperrors "github.com/blockfall/blockfall/pkg/errors"
	"github.com/blockfall/blockfall/pkg/response"
)

// TwoFactorHandler manages TOTP provisioning, verification and backup codes.
// All routes require an authenticated user.
type TwoFactorHandler struct {
	db   *gorm.DB
	totp *mfa.TOTPService
}

func NewTwoFactorHandler(db *gorm.DB, totp *mfa.TOTPService) *TwoFactorHandler {
	return &TwoFactorHandler{db: db, totp: totp}
}

type twoFactorCodeRequest struct {
	Code string `json:"code" validate:"required,max=16"`
}

// POST /api/auth/2fa/generate
func (h *TwoFactorHandler) Generate(c *gin.Context) {
	user, ok := currentUser(c, h.db)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	setup, err := h.totp.GenerateSecret(requestContext(c), user)
	if err != nil {
		response.Error(c, mapTwoFactorError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"secret":      setup.Secret,
		"otpauth_url": setup.OtpauthURL,
		"qr_code":     "data:image/png;base64," + base64.StdEncoding.EncodeToString(setup.QRCodePNG),
	})
}

// POST /api/auth/2fa/enable
func (h *TwoFactorHandler) Enable(c *gin.Context) {
	var req twoFactorCodeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, ok := currentUser(c, h.db)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	codes, err := h.totp.Enable(requestContext(c), user, strings.TrimSpace(req.Code))
	if err != nil {
		response.Error(c, mapTwoFactorError(err))
		return
	}

	// Plaintext backup codes are shown exactly once.
	response.Success(c, http.StatusOK, gin.H{"backup_codes": codes})
}

// POST /api/auth/2fa/verify
func (h *TwoFactorHandler) Verify(c *gin.Context) {
	var req twoFactorCodeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, ok := currentUser(c, h.db)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	result, err := h.totp.Verify(requestContext(c), user, strings.TrimSpace(req.Code))
	if err != nil {
		response.Error(c, mapTwoFactorError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"valid":            result.Valid,
		"used_backup_code": result.UsedBackupCode,
	})
}

// POST /api/auth/2fa/disable
func (h *TwoFactorHandler) Disable(c *gin.Context) {
	user, ok := currentUser(c, h.db)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	if err := h.totp.Disable(requestContext(c), user); err != nil {
		response.Error(c, mapTwoFactorError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"disabled": true})
}

// GET /api/auth/2fa/backup-codes
func (h *TwoFactorHandler) BackupCodes(c *gin.Context) {
	user, ok := currentUser(c, h.db)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	remaining, err := h.totp.RemainingBackupCodes(user)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"remaining": remaining})
}

func mapTwoFactorError(err error) error {
	switch {
	case errors.Is(err, mfa.ErrAlreadyEnabled):
		return apperrors.NewBadRequest("two-factor authentication is already enabled")
	case errors.Is(err, mfa.ErrNotEnabled):
		return apperrors.NewBadRequest("two-factor authentication is not enabled")
	case errors.Is(err, mfa.ErrNotProvisioned):
		return apperrors.NewBadRequest("two-factor secret has not been generated")
	case errors.Is(err, mfa.ErrInvalidCode):
		return apperrors.NewUnauthorized("invalid two-factor code")
	default:
		return apperrors.ErrInternalServer
	}
}

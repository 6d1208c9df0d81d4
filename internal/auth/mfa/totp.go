package mfa

import (
	"context"
	cryptoRand "crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/blockfall/blockfall/internal/models"
	"github.com/blockfall/blockfall/internal/services"
	"github.com/blockfall/blockfall/pkg/crypto"
	"github.com/blockfall/blockfall/pkg/logger"
)

const (
	defaultIssuer          = "Blockfall"
	defaultBackupCodeCount = 10
	defaultQRCodeSize      = 256

	// totpSkew accepts codes from two time steps either side of now to
	// absorb client clock drift.
	totpSkew = 2
)

var (
	// ErrNotProvisioned indicates no secret has been generated for the user.
	ErrNotProvisioned = errors.New("totp: no secret provisioned")
	// ErrAlreadyEnabled signals a redundant enable request.
	ErrAlreadyEnabled = errors.New("totp: already enabled")
	// ErrNotEnabled signals an operation that requires 2FA to be active.
	ErrNotEnabled = errors.New("totp: not enabled")
	// ErrInvalidCode marks a code that matched neither the TOTP secret nor a backup code.
	ErrInvalidCode = errors.New("totp: invalid code")
)

// VerifyResult reports the outcome of a code check.
type VerifyResult struct {
	Valid          bool
	UsedBackupCode bool
}

// Setup holds the artifacts returned when provisioning a new secret.
type Setup struct {
	Secret     string
	OtpauthURL string
	QRCodePNG  []byte
}

// Option allows customising the TOTP service.
type Option func(*TOTPService)

// WithIssuer overrides the default issuer string encoded in provisioning URIs.
func WithIssuer(issuer string) Option {
	return func(s *TOTPService) {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = issuer
		}
	}
}

// WithBackupCodeCount overrides the number of backup codes generated for users.
func WithBackupCodeCount(count int) Option {
	return func(s *TOTPService) {
		if count > 0 {
			s.backupCodes = count
		}
	}
}

// WithQRCodeSize controls the pixel size of generated QR codes.
func WithQRCodeSize(size int) Option {
	return func(s *TOTPService) {
		if size > 0 {
			s.qrCodeSize = size
		}
	}
}

// WithClock injects a custom clock, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *TOTPService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithAudit wires an audit trail for enable and disable events.
func WithAudit(audit *services.AuditService) Option {
	return func(s *TOTPService) {
		s.audit = audit
	}
}

// TOTPService manages per-user TOTP secrets and backup codes. Secrets are
// encrypted at rest; backup codes are stored as bcrypt hashes and consumed
// on first use.
type TOTPService struct {
	db            *gorm.DB
	encryptionKey []byte
	audit         *services.AuditService
	log           *zap.Logger

	issuer      string
	backupCodes int
	qrCodeSize  int
	now         func() time.Time
}

// NewTOTPService constructs a TOTP service backed by the provided database.
func NewTOTPService(db *gorm.DB, encryptionKey []byte, opts ...Option) (*TOTPService, error) {
	if db == nil {
		return nil, errors.New("totp: db is required")
	}
	if len(encryptionKey) != 32 {
		return nil, errors.New("totp: encryption key must be 32 bytes")
	}

	service := &TOTPService{
		db:            db,
		encryptionKey: encryptionKey,
		issuer:        defaultIssuer,
		backupCodes:   defaultBackupCodeCount,
		qrCodeSize:    defaultQRCodeSize,
		now:           time.Now,
		log:           logger.WithModule("mfa"),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// GenerateSecret provisions a new secret for the user without enabling 2FA.
// The returned setup carries the provisioning URI and a QR code for
// authenticator apps.
func (s *TOTPService) GenerateSecret(ctx context.Context, user *models.User) (*Setup, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return nil, errors.New("totp: user is required")
	}
	if user.TwoFactorEnabled {
		return nil, ErrAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("totp: generate key: %w", err)
	}

	encrypted, err := crypto.Encrypt([]byte(key.Secret()), s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("totp: encrypt secret: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(user).Update("two_factor_secret", encrypted).Error; err != nil {
		return nil, fmt.Errorf("totp: store secret: %w", err)
	}
	user.TwoFactorSecret = &encrypted

	png, err := qrcode.Encode(key.String(), qrcode.Medium, s.qrCodeSize)
	if err != nil {
		return nil, fmt.Errorf("totp: encode qr code: %w", err)
	}

	return &Setup{
		Secret:     key.Secret(),
		OtpauthURL: key.String(),
		QRCodePNG:  png,
	}, nil
}

// Enable activates 2FA once the user proves possession of the secret. The
// generated backup codes are returned in plaintext exactly once.
func (s *TOTPService) Enable(ctx context.Context, user *models.User, code string) ([]string, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return nil, errors.New("totp: user is required")
	}
	if user.TwoFactorEnabled {
		return nil, ErrAlreadyEnabled
	}
	if user.TwoFactorSecret == nil {
		return nil, ErrNotProvisioned
	}

	valid, err := s.validateTOTP(*user.TwoFactorSecret, code)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, ErrInvalidCode
	}

	plaintext := make([]string, s.backupCodes)
	hashed := make([]string, s.backupCodes)
	for i := range plaintext {
		codeValue, err := generateBackupCode()
		if err != nil {
			return nil, fmt.Errorf("totp: generate backup code: %w", err)
		}
		hash, err := crypto.HashBackupCode(codeValue)
		if err != nil {
			return nil, fmt.Errorf("totp: hash backup code: %w", err)
		}
		plaintext[i] = codeValue
		hashed[i] = hash
	}

	encoded, err := json.Marshal(hashed)
	if err != nil {
		return nil, fmt.Errorf("totp: marshal backup codes: %w", err)
	}

	updates := map[string]any{
		"two_factor_enabled":      true,
		"two_factor_backup_codes": datatypes.JSON(encoded),
	}
	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("totp: enable: %w", err)
	}
	user.TwoFactorEnabled = true
	user.TwoFactorBackupCodes = datatypes.JSON(encoded)

	s.recordAudit(ctx, user.ID, services.AuditTwoFactorEnabled)
	return plaintext, nil
}

// Verify checks a TOTP code first and falls back to consuming a backup code.
// A mismatch is reported in the result rather than as an error.
func (s *TOTPService) Verify(ctx context.Context, user *models.User, code string) (VerifyResult, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return VerifyResult{}, errors.New("totp: user is required")
	}
	if !user.TwoFactorEnabled || user.TwoFactorSecret == nil {
		return VerifyResult{}, ErrNotEnabled
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return VerifyResult{}, nil
	}

	valid, err := s.validateTOTP(*user.TwoFactorSecret, code)
	if err != nil {
		return VerifyResult{}, err
	}
	if valid {
		return VerifyResult{Valid: true}, nil
	}

	consumed, err := s.consumeBackupCode(ctx, user, code)
	if err != nil {
		return VerifyResult{}, err
	}
	if consumed {
		return VerifyResult{Valid: true, UsedBackupCode: true}, nil
	}
	return VerifyResult{}, nil
}

// VerifyCode adapts Verify to the login flow's verifier contract.
func (s *TOTPService) VerifyCode(ctx context.Context, user *models.User, code string) (bool, bool, error) {
	result, err := s.Verify(ctx, user, code)
	if err != nil {
		return false, false, err
	}
	return result.Valid, result.UsedBackupCode, nil
}

// Disable turns 2FA off for the authenticated user and discards the secret
// and remaining backup codes. No code is required.
func (s *TOTPService) Disable(ctx context.Context, user *models.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return errors.New("totp: user is required")
	}

	updates := map[string]any{
		"two_factor_enabled":      false,
		"two_factor_secret":       nil,
		"two_factor_backup_codes": nil,
	}
	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return fmt.Errorf("totp: disable: %w", err)
	}
	user.TwoFactorEnabled = false
	user.TwoFactorSecret = nil
	user.TwoFactorBackupCodes = nil

	s.recordAudit(ctx, user.ID, services.AuditTwoFactorDisabled)
	return nil
}

// RemainingBackupCodes returns the number of backup codes still available.
func (s *TOTPService) RemainingBackupCodes(user *models.User) (int, error) {
	if user == nil {
		return 0, errors.New("totp: user is required")
	}
	if len(user.TwoFactorBackupCodes) == 0 {
		return 0, nil
	}

	var hashed []string
	if err := json.Unmarshal(user.TwoFactorBackupCodes, &hashed); err != nil {
		return 0, fmt.Errorf("totp: unmarshal backup codes: %w", err)
	}
	return len(hashed), nil
}

func (s *TOTPService) validateTOTP(encryptedSecret, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}

	rawSecret, err := crypto.Decrypt(encryptedSecret, s.encryptionKey)
	if err != nil {
		return false, fmt.Errorf("totp: decrypt secret: %w", err)
	}

	valid, err := totp.ValidateCustom(code, string(rawSecret), s.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, nil
	}
	return valid, nil
}

func (s *TOTPService) consumeBackupCode(ctx context.Context, user *models.User, code string) (bool, error) {
	if len(user.TwoFactorBackupCodes) == 0 {
		return false, nil
	}

	var hashed []string
	if err := json.Unmarshal(user.TwoFactorBackupCodes, &hashed); err != nil {
		return false, fmt.Errorf("totp: unmarshal backup codes: %w", err)
	}

	for i, stored := range hashed {
		if crypto.VerifyHash(stored, code) {
			hashed = append(hashed[:i], hashed[i+1:]...)

			encoded, err := json.Marshal(hashed)
			if err != nil {
				return false, fmt.Errorf("totp: marshal backup codes: %w", err)
			}
			if err := s.db.WithContext(ctx).
				Model(user).
				Update("two_factor_backup_codes", datatypes.JSON(encoded)).Error; err != nil {
				return false, fmt.Errorf("totp: consume backup code: %w", err)
			}
			user.TwoFactorBackupCodes = datatypes.JSON(encoded)
			return true, nil
		}
	}
	return false, nil
}

func (s *TOTPService) recordAudit(ctx context.Context, userID, action string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Log(ctx, services.AuditEntry{
		UserID:   &userID,
		Action:   action,
		Resource: "auth",
		Success:  true,
	})
	if err != nil {
		s.log.Warn("failed to write audit entry",
			zap.String("action", action),
			zap.Error(err))
	}
}

func generateBackupCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := cryptoRand.Read(buf); err != nil {
		return "", err
	}

	return base32.StdEncoding.EncodeToString(buf)[:8], nil
}

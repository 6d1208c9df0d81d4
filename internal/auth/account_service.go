package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/blockfall/blockfall/internal/models"
	"github.com/blockfall/blockfall/internal/services"
	"github.com/blockfall/blockfall/pkg/crypto"
	"github.com/blockfall/blockfall/pkg/logger"
	"github.com/blockfall/blockfall/pkg/mail"
	"github.com/blockfall/blockfall/pkg/metrics"
)

// Default thresholds for the account lockout policy.
const (
	DefaultMaxFailedLogins = 5
	DefaultLockoutDuration = 30 * time.Minute
	DefaultVerificationTTL = 24 * time.Hour
	DefaultResetTTL        = time.Hour
)

var (
	// ErrAccountExists indicates the email is already registered.
	ErrAccountExists = errors.New("account: email already registered")
	// ErrInvalidCredentials covers unknown emails and wrong passwords alike.
	ErrInvalidCredentials = errors.New("account: invalid credentials")
	// ErrEmailNotVerified blocks login until the address is confirmed.
	ErrEmailNotVerified = errors.New("account: email not verified")
	// ErrAccountInactive marks a deactivated account.
	ErrAccountInactive = errors.New("account: deactivated")
	// ErrAccountNotFound indicates no account matches the supplied email.
	ErrAccountNotFound = errors.New("account: not found")
	// ErrAlreadyVerified signals a redundant verification request.
	ErrAlreadyVerified = errors.New("account: email already verified")
	// ErrVerificationInvalid covers unknown and expired verification tokens.
	ErrVerificationInvalid = errors.New("account: invalid or expired verification token")
	// ErrResetInvalid covers unknown and expired password reset tokens.
	ErrResetInvalid = errors.New("account: invalid or expired reset token")
	// ErrTwoFactorInvalid marks a failed 2FA code check during login.
	ErrTwoFactorInvalid = errors.New("account: invalid two-factor code")
	// ErrTwoFactorUnavailable is returned when a 2FA login arrives but no verifier is wired.
	ErrTwoFactorUnavailable = errors.New("account: two-factor verification unavailable")
)

// LockedError reports a locked account together with the lock expiry.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account: locked until %s", e.Until.Format(time.RFC3339))
}

// TwoFactorVerifier checks a TOTP or backup code for a user during login.
type TwoFactorVerifier interface {
	VerifyCode(ctx context.Context, user *models.User, code string) (valid bool, usedBackup bool, err error)
}

// AccountConfig describes tunable behaviour for the AccountService.
type AccountConfig struct {
	MaxFailedLogins int
	LockoutDuration time.Duration
	VerificationTTL time.Duration
	ResetTTL        time.Duration
	FrontendURL     string
	Clock           func() time.Time
	TwoFactor       TwoFactorVerifier
}

// RegisterInput holds the fields accepted at registration.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Meta      TokenMetadata
}

// LoginInput holds the credentials presented at login.
type LoginInput struct {
	Email         string
	Password      string
	TwoFactorCode string
	Meta          TokenMetadata
}

// LoginResult is the outcome of a successful credential check. When the
// account has 2FA enabled and no code was supplied, TwoFactorRequired is set
// and no tokens are issued.
type LoginResult struct {
	User              *models.User
	Tokens            TokenPair
	TwoFactorRequired bool
	UsedBackupCode    bool
}

// AccountService orchestrates registration, login, email verification, and
// password reset flows.
type AccountService struct {
	db        *gorm.DB
	tokens    *TokenService
	mailer    mail.Mailer
	audit     *services.AuditService
	twoFactor TwoFactorVerifier

	maxFailed       int
	lockoutDuration time.Duration
	verificationTTL time.Duration
	resetTTL        time.Duration
	frontendURL     string
	now             func() time.Time
	log             *zap.Logger
}

// NewAccountService constructs the account orchestrator with its dependencies.
func NewAccountService(db *gorm.DB, tokens *TokenService, mailer mail.Mailer, audit *services.AuditService, cfg AccountConfig) (*AccountService, error) {
	if db == nil {
		return nil, errors.New("account service: db is required")
	}
	if tokens == nil {
		return nil, errors.New("account service: token service is required")
	}

	maxFailed := cfg.MaxFailedLogins
	if maxFailed <= 0 {
		maxFailed = DefaultMaxFailedLogins
	}
	lockout := cfg.LockoutDuration
	if lockout <= 0 {
		lockout = DefaultLockoutDuration
	}
	verificationTTL := cfg.VerificationTTL
	if verificationTTL <= 0 {
		verificationTTL = DefaultVerificationTTL
	}
	resetTTL := cfg.ResetTTL
	if resetTTL <= 0 {
		resetTTL = DefaultResetTTL
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &AccountService{
		db:              db,
		tokens:          tokens,
		mailer:          mailer,
		audit:           audit,
		twoFactor:       cfg.TwoFactor,
		maxFailed:       maxFailed,
		lockoutDuration: lockout,
		verificationTTL: verificationTTL,
		resetTTL:        resetTTL,
		frontendURL:     strings.TrimRight(cfg.FrontendURL, "/"),
		now:             clock,
		log:             logger.WithModule("auth"),
	}, nil
}

// Register creates a local account and dispatches the verification email.
func (s *AccountService) Register(ctx context.Context, input RegisterInput) (*models.User, error) {
	email := normaliseEmail(input.Email)
	if email == "" {
		return nil, errors.New("account service: email is required")
	}
	if input.Password == "" {
		return nil, errors.New("account service: password is required")
	}

	var existing models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&existing).Error
	if err == nil {
		return nil, ErrAccountExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("account service: lookup email: %w", err)
	}

	hashed, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("account service: hash password: %w", err)
	}

	token, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("account service: generate verification token: %w", err)
	}

	now := s.now()
	expires := now.Add(s.verificationTTL)
	provider := models.ProviderLocal

	user := &models.User{
		Email:                    email,
		Password:                 &hashed,
		FirstName:                strings.TrimSpace(input.FirstName),
		LastName:                 strings.TrimSpace(input.LastName),
		Roles:                    models.EncodeRoles(nil),
		IsActive:                 true,
		Provider:                 &provider,
		EmailVerificationToken:   &token,
		EmailVerificationExpires: &expires,
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("account service: create user: %w", err)
	}

	s.recordAudit(ctx, services.AuditEntry{
		UserID:    &user.ID,
		Action:    services.AuditUserRegistered,
		Resource:  "auth",
		IPAddress: input.Meta.IPAddress,
		UserAgent: input.Meta.UserAgent,
		Success:   true,
		Details:   map[string]any{"email": email},
	})

	s.sendMail(ctx, email, "Verify your email address",
		fmt.Sprintf("Welcome!\n\nPlease confirm your email address by visiting the link below:\n%s\n\nThe link expires in 24 hours. If you did not create an account, you can ignore this message.\n",
			s.link("/verify-email", token)))

	return user, nil
}

// ValidateCredentials checks the email and password while enforcing the
// lockout policy. The failure counter resets on success.
func (s *AccountService) ValidateCredentials(ctx context.Context, email, password string, meta TokenMetadata) (*models.User, error) {
	email = normaliseEmail(email)

	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.auditLoginFailure(ctx, nil, email, "unknown email", meta)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("account service: lookup user: %w", err)
	}

	now := s.now()
	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		s.auditLoginFailure(ctx, &user.ID, email, "account locked", meta)
		return nil, &LockedError{Until: *user.LockedUntil}
	}

	if user.Password == nil || !crypto.VerifyHash(*user.Password, password) {
		if err := s.registerFailedAttempt(ctx, &user, meta); err != nil {
			return nil, err
		}
		return nil, ErrInvalidCredentials
	}

	if user.FailedLoginAttempts > 0 || user.LockedUntil != nil {
		updates := map[string]any{"failed_login_attempts": 0, "locked_until": nil}
		if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("account service: reset failed attempts: %w", err)
		}
		user.FailedLoginAttempts = 0
		user.LockedUntil = nil
	}

	return &user, nil
}

// Login validates credentials, enforces the verification, activity, and 2FA
// gates, then issues a token pair.
func (s *AccountService) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	user, err := s.ValidateCredentials(ctx, input.Email, input.Password, input.Meta)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, err
	}

	if !user.IsEmailVerified {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, ErrEmailNotVerified
	}
	if !user.IsActive {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, ErrAccountInactive
	}

	result := &LoginResult{User: user}

	if user.TwoFactorEnabled {
		code := strings.TrimSpace(input.TwoFactorCode)
		if code == "" {
			result.TwoFactorRequired = true
			return result, nil
		}
		if s.twoFactor == nil {
			return nil, ErrTwoFactorUnavailable
		}

		valid, usedBackup, err := s.twoFactor.VerifyCode(ctx, user, code)
		if err != nil {
			return nil, fmt.Errorf("account service: verify two-factor code: %w", err)
		}
		if !valid {
			metrics.AuthAttempts.WithLabelValues("failure").Inc()
			s.auditLoginFailure(ctx, &user.ID, user.Email, "invalid two-factor code", input.Meta)
			return nil, ErrTwoFactorInvalid
		}
		result.UsedBackupCode = usedBackup
	}

	return s.completeLogin(ctx, result, input.Meta)
}

// CompleteOAuthLogin issues tokens for an already-authenticated OAuth user.
func (s *AccountService) CompleteOAuthLogin(ctx context.Context, user *models.User, meta TokenMetadata) (*LoginResult, error) {
	if user == nil {
		return nil, errors.New("account service: user is required")
	}
	if !user.IsActive {
		return nil, ErrAccountInactive
	}
	return s.completeLogin(ctx, &LoginResult{User: user}, meta)
}

// Logout revokes the presented refresh token. Clients that hold no refresh
// token (bearer-only sessions) get every outstanding token revoked instead.
func (s *AccountService) Logout(ctx context.Context, userID, refreshToken string, meta TokenMetadata) error {
	if strings.TrimSpace(refreshToken) == "" {
		if _, err := s.tokens.RevokeAll(ctx, userID); err != nil {
			return err
		}
	} else if err := s.tokens.RevokeToken(ctx, refreshToken); err != nil && !errors.Is(err, ErrRefreshInvalid) {
		return err
	}

	entry := services.AuditEntry{
		Action:    services.AuditLogout,
		Resource:  "auth",
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
	}
	if strings.TrimSpace(userID) != "" {
		entry.UserID = &userID
	}
	s.recordAudit(ctx, entry)
	return nil
}

// RevokeAllTokens revokes every active refresh token belonging to the user.
func (s *AccountService) RevokeAllTokens(ctx context.Context, userID string, meta TokenMetadata) (int64, error) {
	revoked, err := s.tokens.RevokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}

	s.recordAudit(ctx, services.AuditEntry{
		UserID:    &userID,
		Action:    services.AuditTokensRevoked,
		Resource:  "auth",
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   map[string]any{"revoked": revoked},
	})
	return revoked, nil
}

// VerifyEmail consumes a verification token and marks the address confirmed.
func (s *AccountService) VerifyEmail(ctx context.Context, token string, meta TokenMetadata) (*models.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrVerificationInvalid
	}

	var user models.User
	err := s.db.WithContext(ctx).Where("email_verification_token = ?", token).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVerificationInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("account service: lookup verification token: %w", err)
	}

	if user.EmailVerificationExpires == nil || user.EmailVerificationExpires.Before(s.now()) {
		return nil, ErrVerificationInvalid
	}

	updates := map[string]any{
		"is_email_verified":          true,
		"email_verification_token":   nil,
		"email_verification_expires": nil,
	}
	if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("account service: mark verified: %w", err)
	}

	user.IsEmailVerified = true
	user.EmailVerificationToken = nil
	user.EmailVerificationExpires = nil

	s.recordAudit(ctx, services.AuditEntry{
		UserID:    &user.ID,
		Action:    services.AuditEmailVerified,
		Resource:  "auth",
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
	})
	return &user, nil
}

// ResendVerification issues a fresh verification token for an unverified account.
func (s *AccountService) ResendVerification(ctx context.Context, email string) error {
	email = normaliseEmail(email)

	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("account service: lookup user: %w", err)
	}

	if user.IsEmailVerified {
		return ErrAlreadyVerified
	}

	token, err := crypto.GenerateSecureToken()
	if err != nil {
		return fmt.Errorf("account service: generate verification token: %w", err)
	}

	expires := s.now().Add(s.verificationTTL)
	updates := map[string]any{
		"email_verification_token":   token,
		"email_verification_expires": expires,
	}
	if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return fmt.Errorf("account service: store verification token: %w", err)
	}

	s.sendMail(ctx, email, "Verify your email address",
		fmt.Sprintf("Please confirm your email address by visiting the link below:\n%s\n\nThe link expires in 24 hours.\n",
			s.link("/verify-email", token)))
	return nil
}

// RequestPasswordReset issues a reset token when the account exists. It never
// reveals whether the email is registered.
func (s *AccountService) RequestPasswordReset(ctx context.Context, email string, meta TokenMetadata) error {
	email = normaliseEmail(email)

	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("account service: lookup user: %w", err)
	}

	token, err := crypto.GenerateSecureToken()
	if err != nil {
		return fmt.Errorf("account service: generate reset token: %w", err)
	}

	// Only one reset token is active at a time; a new request supersedes
	// any outstanding one.
	expires := s.now().Add(s.resetTTL)
	updates := map[string]any{
		"password_reset_token":   token,
		"password_reset_expires": expires,
	}
	if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return fmt.Errorf("account service: store reset token: %w", err)
	}

	s.recordAudit(ctx, services.AuditEntry{
		UserID:    &user.ID,
		Action:    services.AuditPasswordResetRequested,
		Resource:  "auth",
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
	})

	s.sendMail(ctx, email, "Reset your password",
		fmt.Sprintf("A password reset was requested for your account.\n\nVisit the link below to choose a new password:\n%s\n\nThe link expires in 1 hour. If you did not request this, you can ignore this message.\n",
			s.link("/reset-password", token)))
	return nil
}

// ResetPassword consumes a reset token, replaces the password, clears any
// lockout, and revokes every outstanding refresh token.
func (s *AccountService) ResetPassword(ctx context.Context, token, newPassword string, meta TokenMetadata) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrResetInvalid
	}
	if newPassword == "" {
		return errors.New("account service: new password is required")
	}

	var user models.User
	err := s.db.WithContext(ctx).Where("password_reset_token = ?", token).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrResetInvalid
	}
	if err != nil {
		return fmt.Errorf("account service: lookup reset token: %w", err)
	}

	if user.PasswordResetExpires == nil || user.PasswordResetExpires.Before(s.now()) {
		return ErrResetInvalid
	}

	hashed, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("account service: hash password: %w", err)
	}

	updates := map[string]any{
		"password":               hashed,
		"password_reset_token":   nil,
		"password_reset_expires": nil,
		"failed_login_attempts":  0,
		"locked_until":           nil,
	}
	if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return fmt.Errorf("account service: update password: %w", err)
	}

	if _, err := s.tokens.RevokeAll(ctx, user.ID); err != nil {
		return err
	}

	s.recordAudit(ctx, services.AuditEntry{
		UserID:    &user.ID,
		Action:    services.AuditPasswordReset,
		Resource:  "auth",
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
	})
	return nil
}

// OAuthUserInput carries the identity asserted by an external provider.
type OAuthUserInput struct {
	Provider   string
	ProviderID string
	Email      string
	FirstName  string
	LastName   string
	Meta       TokenMetadata
}

// FindOrCreateOAuthUser resolves an OAuth identity to a local account,
// creating a pre-verified one on first login. An existing local account with
// the same email is linked to the provider rather than duplicated.
func (s *AccountService) FindOrCreateOAuthUser(ctx context.Context, input OAuthUserInput) (*models.User, error) {
	email := normaliseEmail(input.Email)
	provider := strings.TrimSpace(input.Provider)
	providerID := strings.TrimSpace(input.ProviderID)
	if email == "" || provider == "" || providerID == "" {
		return nil, errors.New("account service: provider identity is incomplete")
	}

	var user models.User
	err := s.db.WithContext(ctx).
		Where("(provider = ? AND provider_id = ?) OR email = ?", provider, providerID, email).
		Take(&user).Error
	if err == nil {
		if !user.IsActive {
			return nil, ErrAccountInactive
		}
		if user.Provider == nil || user.ProviderID == nil || *user.ProviderID != providerID {
			updates := map[string]any{
				"provider":          provider,
				"provider_id":       providerID,
				"is_email_verified": true,
			}
			if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
				return nil, fmt.Errorf("account service: link provider: %w", err)
			}
			user.Provider = &provider
			user.ProviderID = &providerID
			user.IsEmailVerified = true
		}
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("account service: lookup oauth user: %w", err)
	}

	user = models.User{
		Email:           email,
		FirstName:       strings.TrimSpace(input.FirstName),
		LastName:        strings.TrimSpace(input.LastName),
		Roles:           models.EncodeRoles(nil),
		IsActive:        true,
		IsEmailVerified: true,
		Provider:        &provider,
		ProviderID:      &providerID,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("account service: create oauth user: %w", err)
	}

	s.recordAudit(ctx, services.AuditEntry{
		UserID:    &user.ID,
		Action:    services.AuditOAuthRegistered,
		Resource:  "auth",
		IPAddress: input.Meta.IPAddress,
		UserAgent: input.Meta.UserAgent,
		Success:   true,
		Details:   map[string]any{"provider": provider},
	})
	return &user, nil
}

func (s *AccountService) completeLogin(ctx context.Context, result *LoginResult, meta TokenMetadata) (*LoginResult, error) {
	user := result.User
	now := s.now()

	updates := map[string]any{
		"last_login_at":         now,
		"last_login_ip":         strings.TrimSpace(meta.IPAddress),
		"last_login_user_agent": strings.TrimSpace(meta.UserAgent),
	}
	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("account service: record login: %w", err)
	}
	user.LastLoginAt = &now

	pair, err := s.tokens.Issue(ctx, user, meta)
	if err != nil {
		return nil, err
	}
	result.Tokens = pair

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	s.recordAudit(ctx, services.AuditEntry{
		UserID:    &user.ID,
		Action:    services.AuditLoginSuccess,
		Resource:  "auth",
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
	})
	return result, nil
}

func (s *AccountService) registerFailedAttempt(ctx context.Context, user *models.User, meta TokenMetadata) error {
	attempts := user.FailedLoginAttempts + 1
	updates := map[string]any{"failed_login_attempts": attempts}

	var lockedUntil *time.Time
	if attempts >= s.maxFailed {
		until := s.now().Add(s.lockoutDuration)
		lockedUntil = &until
		updates["locked_until"] = until
	}

	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return fmt.Errorf("account service: record failed attempt: %w", err)
	}
	user.FailedLoginAttempts = attempts
	user.LockedUntil = lockedUntil

	s.auditLoginFailure(ctx, &user.ID, user.Email, "wrong password", meta)

	if lockedUntil != nil {
		s.recordAudit(ctx, services.AuditEntry{
			UserID:    &user.ID,
			Action:    services.AuditAccountLocked,
			Resource:  "auth",
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Success:   false,
			Details:   map[string]any{"locked_until": lockedUntil.Format(time.RFC3339)},
		})
	}
	return nil
}

func (s *AccountService) auditLoginFailure(ctx context.Context, userID *string, email, reason string, meta TokenMetadata) {
	s.recordAudit(ctx, services.AuditEntry{
		UserID:    userID,
		Action:    services.AuditLoginFailed,
		Resource:  "auth",
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   false,
		Details:   map[string]any{"email": email, "reason": reason},
	})
}

func (s *AccountService) recordAudit(ctx context.Context, entry services.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Warn("audit write failed", zap.String("action", entry.Action), zap.Error(err))
	}
}

func (s *AccountService) sendMail(ctx context.Context, to, subject, body string) {
	if s.mailer == nil {
		return
	}
	err := s.mailer.Send(ctx, mail.Message{To: []string{to}, Subject: subject, Body: body})
	if err != nil && !errors.Is(err, mail.ErrSMTPDisabled) {
		s.log.Warn("send email failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (s *AccountService) link(path, token string) string {
	if s.frontendURL == "" {
		return token
	}
	return fmt.Sprintf("%s%s?token=%s", s.frontendURL, path, token)
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

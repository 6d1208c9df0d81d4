package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/blockfall/blockfall/internal/models"
	"github.com/blockfall/blockfall/internal/services"
	"github.com/blockfall/blockfall/internal/testutil"
	"github.com/blockfall/blockfall/pkg/crypto"
)

type stubTwoFactor struct {
	valid      bool
	usedBackup bool
}

func (s *stubTwoFactor) VerifyCode(_ context.Context, _ *models.User, _ string) (bool, bool, error) {
	return s.valid, s.usedBackup, nil
}

func newTestAccountService(t *testing.T, cfg AccountConfig) (*AccountService, *gorm.DB, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	clock := &testClock{current: time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)}
	cfg.Clock = clock.Now

	jwtService, err := NewJWTService(JWTConfig{
		Secret:        "access-secret",
		RefreshSecret: "refresh-secret",
		Issuer:        "blockfall",
		Clock:         clock.Now,
	})
	require.NoError(t, err)

	tokens, err := NewTokenService(db, jwtService, TokenConfig{Clock: clock.Now})
	require.NoError(t, err)

	audit, err := services.NewAuditService(db, services.WithAuditClock(clock.Now))
	require.NoError(t, err)

	svc, err := NewAccountService(db, tokens, nil, audit, cfg)
	require.NoError(t, err)
	return svc, db, clock
}

func registerVerifiedUser(t *testing.T, svc *AccountService, db *gorm.DB, email, password string) *models.User {
	t.Helper()

	user, err := svc.Register(context.Background(), RegisterInput{Email: email, Password: password})
	require.NoError(t, err)
	require.NoError(t, db.Model(user).Update("is_email_verified", true).Error)
	user.IsEmailVerified = true
	return user
}

func TestRegisterCreatesUnverifiedUser(t *testing.T) {
	svc, db, _ := newTestAccountService(t, AccountConfig{})

	user, err := svc.Register(context.Background(), RegisterInput{
		Email:     "New.User@Example.com",
		Password:  "s3cret-password",
		FirstName: "New",
		LastName:  "User",
	})
	require.NoError(t, err)
	require.Equal(t, "new.user@example.com", user.Email)
	require.NotNil(t, user.Password)
	require.NotEqual(t, "s3cret-password", *user.Password)
	require.True(t, crypto.VerifyHash(*user.Password, "s3cret-password"))
	require.False(t, user.IsEmailVerified)
	require.NotNil(t, user.EmailVerificationToken)
	require.NotNil(t, user.EmailVerificationExpires)
	require.Equal(t, []string{models.RoleUser}, user.RoleTags())

	var logs []models.AuditLog
	require.NoError(t, db.Where("action = ?", services.AuditUserRegistered).Find(&logs).Error)
	require.Len(t, logs, 1)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _, _ := newTestAccountService(t, AccountConfig{})
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Email: "dupe@example.com", Password: "password-1"})
	require.NoError(t, err)

	_, err = svc.Register(ctx, RegisterInput{Email: "DUPE@example.com", Password: "password-2"})
	require.ErrorIs(t, err, ErrAccountExists)
}

func TestLoginIssuesTokens(t *testing.T) {
	svc, db, _ := newTestAccountService(t, AccountConfig{})
	user := registerVerifiedUser(t, svc, db, "login@example.com", "correct-horse")

	result, err := svc.Login(context.Background(), LoginInput{
		Email:    "login@example.com",
		Password: "correct-horse",
		Meta:     TokenMetadata{IPAddress: "10.0.0.9"},
	})
	require.NoError(t, err)
	require.False(t, result.TwoFactorRequired)
	require.NotEmpty(t, result.Tokens.AccessToken)
	require.NotEmpty(t, result.Tokens.RefreshToken)

	var stored models.User
	require.NoError(t, db.Take(&stored, "id = ?", user.ID).Error)
	require.NotNil(t, stored.LastLoginAt)
	require.Equal(t, "10.0.0.9", stored.LastLoginIP)

	var logs []models.AuditLog
	require.NoError(t, db.Where("action = ?", services.AuditLoginSuccess).Find(&logs).Error)
	require.Len(t, logs, 1)
}

func TestLoginWrongPasswordLocksAccount(t *testing.T) {
	svc, db, clock := newTestAccountService(t, AccountConfig{})
	user := registerVerifiedUser(t, svc, db, "lockout@example.com", "correct-horse")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Login(ctx, LoginInput{Email: "lockout@example.com", Password: "wrong"})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	var stored models.User
	require.NoError(t, db.Take(&stored, "id = ?", user.ID).Error)
	require.Equal(t, 5, stored.FailedLoginAttempts)
	require.NotNil(t, stored.LockedUntil)
	require.True(t, stored.LockedUntil.Equal(clock.Now().Add(30*time.Minute)))

	// The correct password is rejected while the lock holds.
	_, err := svc.Login(ctx, LoginInput{Email: "lockout@example.com", Password: "correct-horse"})
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	require.True(t, locked.Until.Equal(*stored.LockedUntil))

	var lockLogs []models.AuditLog
	require.NoError(t, db.Where("action = ?", services.AuditAccountLocked).Find(&lockLogs).Error)
	require.Len(t, lockLogs, 1)

	// Once the lock expires the account is usable and the counter resets.
	clock.Advance(31 * time.Minute)
	result, err := svc.Login(ctx, LoginInput{Email: "lockout@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	require.NotEmpty(t, result.Tokens.AccessToken)

	// Scan into a fresh struct: gorm leaves stale fields behind on NULL columns.
	var unlocked models.User
	require.NoError(t, db.Take(&unlocked, "id = ?", user.ID).Error)
	require.Zero(t, unlocked.FailedLoginAttempts)
	require.Nil(t, unlocked.LockedUntil)
}

func TestLoginFailureResetsOnSuccess(t *testing.T) {
	svc, db, _ := newTestAccountService(t, AccountConfig{})
	user := registerVerifiedUser(t, svc, db, "counter@example.com", "correct-horse")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Login(ctx, LoginInput{Email: "counter@example.com", Password: "wrong"})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := svc.Login(ctx, LoginInput{Email: "counter@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	var stored models.User
	require.NoError(t, db.Take(&stored, "id = ?", user.ID).Error)
	require.Zero(t, stored.FailedLoginAttempts)
}

func TestLoginGates(t *testing.T) {
	svc, db, _ := newTestAccountService(t, AccountConfig{})
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Email: "unverified@example.com", Password: "password-1"})
	require.NoError(t, err)
	_, err = svc.Login(ctx, LoginInput{Email: "unverified@example.com", Password: "password-1"})
	require.ErrorIs(t, err, ErrEmailNotVerified)

	user := registerVerifiedUser(t, svc, db, "inactive@example.com", "password-1")
	require.NoError(t, db.Model(user).Update("is_active", false).Error)
	_, err = svc.Login(ctx, LoginInput{Email: "inactive@example.com", Password: "password-1"})
	require.ErrorIs(t, err, ErrAccountInactive)

	_, err = svc.Login(ctx, LoginInput{Email: "ghost@example.com", Password: "password-1"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginTwoFactorFlow(t *testing.T) {
	verifier := &stubTwoFactor{valid: true}
	svc, db, _ := newTestAccountService(t, AccountConfig{TwoFactor: verifier})
	user := registerVerifiedUser(t, svc, db, "totp@example.com", "password-1")
	require.NoError(t, db.Model(user).Update("two_factor_enabled", true).Error)
	ctx := context.Background()

	// No code supplied: the caller is told to prompt for one.
	result, err := svc.Login(ctx, LoginInput{Email: "totp@example.com", Password: "password-1"})
	require.NoError(t, err)
	require.True(t, result.TwoFactorRequired)
	require.Empty(t, result.Tokens.AccessToken)

	result, err = svc.Login(ctx, LoginInput{Email: "totp@example.com", Password: "password-1", TwoFactorCode: "123456"})
	require.NoError(t, err)
	require.False(t, result.TwoFactorRequired)
	require.NotEmpty(t, result.Tokens.AccessToken)

	verifier.valid = false
	_, err = svc.Login(ctx, LoginInput{Email: "totp@example.com", Password: "password-1", TwoFactorCode: "000000"})
	require.ErrorIs(t, err, ErrTwoFactorInvalid)
}

func TestVerifyEmailConsumesToken(t *testing.T) {
	svc, db, clock := newTestAccountService(t, AccountConfig{})
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterInput{Email: "verify@example.com", Password: "password-1"})
	require.NoError(t, err)
	token := *user.EmailVerificationToken

	verified, err := svc.VerifyEmail(ctx, token, TokenMetadata{})
	require.NoError(t, err)
	require.True(t, verified.IsEmailVerified)
	require.Nil(t, verified.EmailVerificationToken)

	// The token is single-use.
	_, err = svc.VerifyEmail(ctx, token, TokenMetadata{})
	require.ErrorIs(t, err, ErrVerificationInvalid)

	user2, err := svc.Register(ctx, RegisterInput{Email: "verify2@example.com", Password: "password-1"})
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)
	_, err = svc.VerifyEmail(ctx, *user2.EmailVerificationToken, TokenMetadata{})
	require.ErrorIs(t, err, ErrVerificationInvalid)

	var stored models.User
	require.NoError(t, db.Take(&stored, "id = ?", user2.ID).Error)
	require.False(t, stored.IsEmailVerified)
}

func TestResendVerification(t *testing.T) {
	svc, db, _ := newTestAccountService(t, AccountConfig{})
	ctx := context.Background()

	require.ErrorIs(t, svc.ResendVerification(ctx, "missing@example.com"), ErrAccountNotFound)

	user, err := svc.Register(ctx, RegisterInput{Email: "resend@example.com", Password: "password-1"})
	require.NoError(t, err)
	original := *user.EmailVerificationToken

	require.NoError(t, svc.ResendVerification(ctx, "resend@example.com"))

	var stored models.User
	require.NoError(t, db.Take(&stored, "id = ?", user.ID).Error)
	require.NotNil(t, stored.EmailVerificationToken)
	require.NotEqual(t, original, *stored.EmailVerificationToken)

	require.NoError(t, db.Model(&stored).Update("is_email_verified", true).Error)
	require.ErrorIs(t, svc.ResendVerification(ctx, "resend@example.com"), ErrAlreadyVerified)
}

func TestLogoutRevokesPresentedToken(t *testing.T) {
	svc, db, _ := newTestAccountService(t, AccountConfig{})
	ctx := context.Background()

	user := registerVerifiedUser(t, svc, db, "logout@example.com", "password-1")
	first, err := svc.Login(ctx, LoginInput{Email: "logout@example.com", Password: "password-1"})
	require.NoError(t, err)
	second, err := svc.Login(ctx, LoginInput{Email: "logout@example.com", Password: "password-1"})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, user.ID, first.Tokens.RefreshToken, TokenMetadata{}))

	// Only the presented session dies.
	_, err = svc.tokens.ValidateRefresh(ctx, first.Tokens.RefreshToken)
	require.Error(t, err)
	_, err = svc.tokens.ValidateRefresh(ctx, second.Tokens.RefreshToken)
	require.NoError(t, err)
}

func TestLogoutWithoutTokenRevokesAllSessions(t *testing.T) {
	svc, db, _ := newTestAccountService(t, AccountConfig{})
	ctx := context.Background()

	user := registerVerifiedUser(t, svc, db, "bearer@example.com", "password-1")
	for i := 0; i < 2; i++ {
		_, err := svc.Login(ctx, LoginInput{Email: "bearer@example.com", Password: "password-1"})
		require.NoError(t, err)
	}

	require.NoError(t, svc.Logout(ctx, user.ID, "", TokenMetadata{}))

	var active int64
	require.NoError(t, db.Model(&models.RefreshToken{}).
		Where("user_id = ? AND is_revoked = ?", user.ID, false).
		Count(&active).Error)
	require.Zero(t, active)
}

func TestRequestPasswordResetIsSilentForUnknownEmail(t *testing.T) {
	svc, db, _ := newTestAccountService(t, AccountConfig{})
	ctx := context.Background()

	require.NoError(t, svc.RequestPasswordReset(ctx, "unknown@example.com", TokenMetadata{}))

	user := registerVerifiedUser(t, svc, db, "forgot@example.com", "password-1")
	require.NoError(t, svc.RequestPasswordReset(ctx, "forgot@example.com", TokenMetadata{}))

	var stored models.User
	require.NoError(t, db.Take(&stored, "id = ?", user.ID).Error)
	require.NotNil(t, stored.PasswordResetToken)
	require.NotNil(t, stored.PasswordResetExpires)
}

func TestResetPasswordRevokesTokensAndClearsLock(t *testing.T) {
	svc, db, clock := newTestAccountService(t, AccountConfig{})
	ctx := context.Background()

	user := registerVerifiedUser(t, svc, db, "reset@example.com", "old-password")
	result, err := svc.Login(ctx, LoginInput{Email: "reset@example.com", Password: "old-password"})
	require.NoError(t, err)

	require.NoError(t, svc.RequestPasswordReset(ctx, "reset@example.com", TokenMetadata{}))
	var stored models.User
	require.NoError(t, db.Take(&stored, "id = ?", user.ID).Error)
	token := *stored.PasswordResetToken

	require.NoError(t, svc.ResetPassword(ctx, token, "new-password", TokenMetadata{}))

	require.NoError(t, db.Take(&stored, "id = ?", user.ID).Error)
	require.Nil(t, stored.PasswordResetToken)
	require.True(t, crypto.VerifyHash(*stored.Password, "new-password"))

	// All outstanding refresh tokens are revoked.
	var active int64
	require.NoError(t, db.Model(&models.RefreshToken{}).
		Where("user_id = ? AND is_revoked = ?", user.ID, false).
		Count(&active).Error)
	require.Zero(t, active)
	_, err = svc.tokens.ValidateRefresh(ctx, result.Tokens.RefreshToken)
	require.Error(t, err)

	// Consumed tokens cannot be replayed.
	require.ErrorIs(t, svc.ResetPassword(ctx, token, "another", TokenMetadata{}), ErrResetInvalid)

	// Expired tokens are rejected.
	require.NoError(t, svc.RequestPasswordReset(ctx, "reset@example.com", TokenMetadata{}))
	require.NoError(t, db.Take(&stored, "id = ?", user.ID).Error)
	clock.Advance(2 * time.Hour)
	require.ErrorIs(t, svc.ResetPassword(ctx, *stored.PasswordResetToken, "another", TokenMetadata{}), ErrResetInvalid)
}

func TestFindOrCreateOAuthUser(t *testing.T) {
	svc, db, _ := newTestAccountService(t, AccountConfig{})
	ctx := context.Background()

	// First login creates a pre-verified account.
	user, err := svc.FindOrCreateOAuthUser(ctx, OAuthUserInput{
		Provider:   models.ProviderGoogle,
		ProviderID: "google-123",
		Email:      "oauth@example.com",
		FirstName:  "O",
		LastName:   "Auth",
	})
	require.NoError(t, err)
	require.True(t, user.IsEmailVerified)
	require.Nil(t, user.Password)
	require.Equal(t, models.ProviderGoogle, *user.Provider)

	// Subsequent logins resolve the same account.
	again, err := svc.FindOrCreateOAuthUser(ctx, OAuthUserInput{
		Provider:   models.ProviderGoogle,
		ProviderID: "google-123",
		Email:      "oauth@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, user.ID, again.ID)

	var logs []models.AuditLog
	require.NoError(t, db.Where("action = ?", services.AuditOAuthRegistered).Find(&logs).Error)
	require.Len(t, logs, 1)
}

func TestFindOrCreateOAuthUserLinksExistingEmail(t *testing.T) {
	svc, db, _ := newTestAccountService(t, AccountConfig{})
	ctx := context.Background()

	local := registerVerifiedUser(t, svc, db, "linked@example.com", "password-1")

	user, err := svc.FindOrCreateOAuthUser(ctx, OAuthUserInput{
		Provider:   models.ProviderGitHub,
		ProviderID: "gh-77",
		Email:      "linked@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, local.ID, user.ID)
	require.Equal(t, models.ProviderGitHub, *user.Provider)
	require.Equal(t, "gh-77", *user.ProviderID)

	require.NoError(t, db.Model(user).Update("is_active", false).Error)
	_, err = svc.FindOrCreateOAuthUser(ctx, OAuthUserInput{
		Provider:   models.ProviderGitHub,
		ProviderID: "gh-77",
		Email:      "linked@example.com",
	})
	require.ErrorIs(t, err, ErrAccountInactive)
}

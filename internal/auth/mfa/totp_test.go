package mfa

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/blockfall/blockfall/internal/models"
	"github.com/blockfall/blockfall/internal/testutil"
	"github.com/blockfall/blockfall/pkg/crypto"
)

type testClock struct {
	current time.Time
}

func (c *testClock) Now() time.Time { return c.current }

func (c *testClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestTOTPService(t *testing.T) (*TOTPService, *gorm.DB, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	clock := &testClock{current: time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)}

	key := make([]byte, 32)
	copy(key, []byte("0123456789abcdef0123456789abcdef"))

	svc, err := NewTOTPService(db, key, WithClock(clock.Now))
	require.NoError(t, err)
	return svc, db, clock
}

func createMFAUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()

	user := &models.User{Email: "mfa@example.com", IsActive: true, IsEmailVerified: true}
	require.NoError(t, db.Create(user).Error)
	return user
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()

	code, err := totp.GenerateCode(secret, at)
	require.NoError(t, err)
	return code
}

func TestNewTOTPServiceRequiresKey(t *testing.T) {
	db := testutil.MustOpenTestDB(t)

	_, err := NewTOTPService(db, nil)
	require.Error(t, err)

	_, err = NewTOTPService(db, []byte("short"))
	require.Error(t, err)
}

func TestGenerateSecretStoresEncrypted(t *testing.T) {
	svc, db, _ := newTestTOTPService(t)
	user := createMFAUser(t, db)

	setup, err := svc.GenerateSecret(context.Background(), user)
	require.NoError(t, err)
	require.NotEmpty(t, setup.Secret)
	require.Contains(t, setup.OtpauthURL, "otpauth://totp/")
	require.NotEmpty(t, setup.QRCodePNG)

	var stored models.User
	require.NoError(t, db.Take(&stored, "id = ?", user.ID).Error)
	require.NotNil(t, stored.TwoFactorSecret)
	require.NotEqual(t, setup.Secret, *stored.TwoFactorSecret)

	raw, err := crypto.Decrypt(*stored.TwoFactorSecret, svc.encryptionKey)
	require.NoError(t, err)
	require.Equal(t, setup.Secret, string(raw))
}

func TestEnableRequiresValidCode(t *testing.T) {
	svc, db, clock := newTestTOTPService(t)
	user := createMFAUser(t, db)
	ctx := context.Background()

	setup, err := svc.GenerateSecret(ctx, user)
	require.NoError(t, err)

	_, err = svc.Enable(ctx, user, "000000")
	require.ErrorIs(t, err, ErrInvalidCode)

	codes, err := svc.Enable(ctx, user, codeAt(t, setup.Secret, clock.Now()))
	require.NoError(t, err)
	require.Len(t, codes, 10)
	require.True(t, user.TwoFactorEnabled)

	// Stored codes are hashed; plaintext never touches the database.
	for _, code := range codes {
		require.NotContains(t, string(user.TwoFactorBackupCodes), code)
	}

	_, err = svc.Enable(ctx, user, codeAt(t, setup.Secret, clock.Now()))
	require.ErrorIs(t, err, ErrAlreadyEnabled)
}

func TestEnableWithoutProvisionedSecret(t *testing.T) {
	svc, db, _ := newTestTOTPService(t)
	user := createMFAUser(t, db)

	_, err := svc.Enable(context.Background(), user, "123456")
	require.ErrorIs(t, err, ErrNotProvisioned)
}

func TestVerifyAcceptsSkewedCodes(t *testing.T) {
	svc, db, clock := newTestTOTPService(t)
	user := createMFAUser(t, db)
	ctx := context.Background()

	setup, err := svc.GenerateSecret(ctx, user)
	require.NoError(t, err)
	_, err = svc.Enable(ctx, user, codeAt(t, setup.Secret, clock.Now()))
	require.NoError(t, err)

	// A code from one minute ago sits within the accepted drift window.
	result, err := svc.Verify(ctx, user, codeAt(t, setup.Secret, clock.Now().Add(-time.Minute)))
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.False(t, result.UsedBackupCode)

	// Five minutes of drift is out of range.
	result, err = svc.Verify(ctx, user, codeAt(t, setup.Secret, clock.Now().Add(-5*time.Minute)))
	require.NoError(t, err)
	require.False(t, result.Valid)
}

func TestVerifyConsumesBackupCode(t *testing.T) {
	svc, db, clock := newTestTOTPService(t)
	user := createMFAUser(t, db)
	ctx := context.Background()

	setup, err := svc.GenerateSecret(ctx, user)
	require.NoError(t, err)
	codes, err := svc.Enable(ctx, user, codeAt(t, setup.Secret, clock.Now()))
	require.NoError(t, err)

	result, err := svc.Verify(ctx, user, codes[0])
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.True(t, result.UsedBackupCode)

	remaining, err := svc.RemainingBackupCodes(user)
	require.NoError(t, err)
	require.Equal(t, 9, remaining)

	// Backup codes are single-use.
	result, err = svc.Verify(ctx, user, codes[0])
	require.NoError(t, err)
	require.False(t, result.Valid)

	// A garbage code matches nothing but is not an error.
	result, err = svc.Verify(ctx, user, "garbage")
	require.NoError(t, err)
	require.False(t, result.Valid)
}

func TestVerifyRequiresEnabled(t *testing.T) {
	svc, db, _ := newTestTOTPService(t)
	user := createMFAUser(t, db)

	_, err := svc.Verify(context.Background(), user, "123456")
	require.ErrorIs(t, err, ErrNotEnabled)
}

func TestDisableClearsSecretAndCodes(t *testing.T) {
	svc, db, clock := newTestTOTPService(t)
	user := createMFAUser(t, db)
	ctx := context.Background()

	setup, err := svc.GenerateSecret(ctx, user)
	require.NoError(t, err)
	_, err = svc.Enable(ctx, user, codeAt(t, setup.Secret, clock.Now()))
	require.NoError(t, err)

	// Disabling needs no code, only the authenticated user.
	require.NoError(t, svc.Disable(ctx, user))

	var stored models.User
	require.NoError(t, db.Take(&stored, "id = ?", user.ID).Error)
	require.False(t, stored.TwoFactorEnabled)
	require.Nil(t, stored.TwoFactorSecret)
	require.Empty(t, stored.TwoFactorBackupCodes)
}

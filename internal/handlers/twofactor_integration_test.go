package handlers_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/blockfall/blockfall/internal/handlers/testutil"
)

type twoFactorSetup struct {
	Secret     string `json:"secret"`
	OtpauthURL string `json:"otpauth_url"`
	QRCode     string `json:"qr_code"`
}

func TestTwoFactorHandler_FullLifecycle(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateUser("totp@example.com", "SuperSecret1!", true)
	login := env.Login("totp@example.com", "SuperSecret1!")
	access := login.Tokens.AccessToken

	generate := env.Request(http.MethodPost, "/api/auth/2fa/generate", nil, access)
	require.Equal(t, http.StatusOK, generate.Code, generate.Body.String())
	var setup twoFactorSetup
	testutil.DecodeInto(t, testutil.DecodeResponse(t, generate).Data, &setup)
	require.NotEmpty(t, setup.Secret)
	require.Contains(t, setup.OtpauthURL, "otpauth://totp/")
	require.Contains(t, setup.QRCode, "data:image/png;base64,")

	// Enabling demands a code derived from the freshly provisioned secret.
	bad := env.Request(http.MethodPost, "/api/auth/2fa/enable",
		map[string]string{"code": "000000"}, access)
	require.Equal(t, http.StatusUnauthorized, bad.Code)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)

	enable := env.Request(http.MethodPost, "/api/auth/2fa/enable",
		map[string]string{"code": code}, access)
	require.Equal(t, http.StatusOK, enable.Code, enable.Body.String())
	var enabled struct {
		BackupCodes []string `json:"backup_codes"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, enable).Data, &enabled)
	require.Len(t, enabled.BackupCodes, 10)

	// Password alone is no longer enough.
	challenge := env.Request(http.MethodPost, "/api/auth/login",
		map[string]string{"email": "totp@example.com", "password": "SuperSecret1!"}, "")
	require.Equal(t, http.StatusOK, challenge.Code)
	var challenged testutil.LoginResult
	testutil.DecodeInto(t, testutil.DecodeResponse(t, challenge).Data, &challenged)
	require.True(t, challenged.TwoFactorRequired)
	require.Empty(t, challenged.Tokens.AccessToken)

	code, err = totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	full := env.Request(http.MethodPost, "/api/auth/login",
		map[string]string{"email": "totp@example.com", "password": "SuperSecret1!", "two_factor_code": code}, "")
	require.Equal(t, http.StatusOK, full.Code, full.Body.String())
	var fullResult testutil.LoginResult
	testutil.DecodeInto(t, testutil.DecodeResponse(t, full).Data, &fullResult)
	require.NotEmpty(t, fullResult.Tokens.AccessToken)
	access = fullResult.Tokens.AccessToken

	// A backup code works once and is consumed.
	backup := env.Request(http.MethodPost, "/api/auth/login",
		map[string]string{"email": "totp@example.com", "password": "SuperSecret1!", "two_factor_code": enabled.BackupCodes[0]}, "")
	require.Equal(t, http.StatusOK, backup.Code, backup.Body.String())

	remaining := env.Request(http.MethodGet, "/api/auth/2fa/backup-codes", nil, access)
	require.Equal(t, http.StatusOK, remaining.Code)
	var counts struct {
		Remaining int `json:"remaining"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, remaining).Data, &counts)
	require.Equal(t, 9, counts.Remaining)

	reuse := env.Request(http.MethodPost, "/api/auth/login",
		map[string]string{"email": "totp@example.com", "password": "SuperSecret1!", "two_factor_code": enabled.BackupCodes[0]}, "")
	require.Equal(t, http.StatusUnauthorized, reuse.Code)

	// Disable needs no code from the authenticated user.
	disable := env.Request(http.MethodPost, "/api/auth/2fa/disable", nil, access)
	require.Equal(t, http.StatusOK, disable.Code, disable.Body.String())

	// Back to plain password logins.
	after := env.Login("totp@example.com", "SuperSecret1!")
	require.False(t, after.User.TwoFactorEnabled)
}

func TestTwoFactorHandler_GenerateRejectsWhenEnabled(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateUser("enabled@example.com", "SuperSecret1!", true)
	login := env.Login("enabled@example.com", "SuperSecret1!")
	access := login.Tokens.AccessToken

	generate := env.Request(http.MethodPost, "/api/auth/2fa/generate", nil, access)
	require.Equal(t, http.StatusOK, generate.Code)
	var setup twoFactorSetup
	testutil.DecodeInto(t, testutil.DecodeResponse(t, generate).Data, &setup)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	enable := env.Request(http.MethodPost, "/api/auth/2fa/enable",
		map[string]string{"code": code}, access)
	require.Equal(t, http.StatusOK, enable.Code)

	again := env.Request(http.MethodPost, "/api/auth/2fa/generate", nil, access)
	require.Equal(t, http.StatusBadRequest, again.Code)
}

func TestTwoFactorHandler_VerifyReportsInvalidWithoutError(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateUser("verify@example.com", "SuperSecret1!", true)
	login := env.Login("verify@example.com", "SuperSecret1!")
	access := login.Tokens.AccessToken

	generate := env.Request(http.MethodPost, "/api/auth/2fa/generate", nil, access)
	require.Equal(t, http.StatusOK, generate.Code)
	var setup twoFactorSetup
	testutil.DecodeInto(t, testutil.DecodeResponse(t, generate).Data, &setup)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	enable := env.Request(http.MethodPost, "/api/auth/2fa/enable",
		map[string]string{"code": code}, access)
	require.Equal(t, http.StatusOK, enable.Code)

	w := env.Request(http.MethodPost, "/api/auth/2fa/verify",
		map[string]string{"code": "999999"}, access)
	require.Equal(t, http.StatusOK, w.Code)
	var result struct {
		Valid          bool `json:"valid"`
		UsedBackupCode bool `json:"used_backup_code"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &result)
	require.False(t, result.Valid)
	require.False(t, result.UsedBackupCode)
}

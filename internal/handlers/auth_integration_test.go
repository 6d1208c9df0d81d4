package handlers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockfall/blockfall/internal/handlers/testutil"
	"github.com/blockfall/blockfall/internal/middleware"
	"github.com/blockfall/blockfall/internal/models"
)

func TestAuthHandler_RegisterVerifyLoginFlow(t *testing.T) {
	env := testutil.NewEnv(t)

	payload := map[string]string{
		"email":      "Player@Example.com",
		"password":   "SuperSecret1!",
		"first_name": "Pat",
		"last_name":  "Player",
	}
	w := env.Request(http.MethodPost, "/api/auth/register", payload, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// The account exists lower-cased and unverified until the token is used.
	var user models.User
	require.NoError(t, env.DB.Take(&user, "email = ?", "player@example.com").Error)
	require.False(t, user.IsEmailVerified)
	require.NotNil(t, user.EmailVerificationToken)

	login := env.Request(http.MethodPost, "/api/auth/login",
		map[string]string{"email": "player@example.com", "password": "SuperSecret1!"}, "")
	require.Equal(t, http.StatusUnauthorized, login.Code)
	require.Equal(t, "EMAIL_NOT_VERIFIED", testutil.DecodeResponse(t, login).Error.Code)

	verify := env.Request(http.MethodGet, "/api/auth/verify-email?token="+*user.EmailVerificationToken, nil, "")
	require.Equal(t, http.StatusOK, verify.Code, verify.Body.String())

	result := env.Login("player@example.com", "SuperSecret1!")
	require.Equal(t, "Bearer", result.Tokens.TokenType)
	require.Equal(t, "player@example.com", result.User.Email)
	require.True(t, result.User.IsEmailVerified)

	me := env.Request(http.MethodGet, "/api/auth/me", nil, result.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, me.Code)
	var meData testutil.UserPayload
	testutil.DecodeInto(t, testutil.DecodeResponse(t, me).Data, &meData)
	require.Equal(t, result.User.ID, meData.ID)
}

func TestAuthHandler_RegisterDuplicateEmail(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateUser("taken@example.com", "SuperSecret1!", true)

	payload := map[string]string{"email": "Taken@Example.com", "password": "AnotherSecret1!"}
	w := env.Request(http.MethodPost, "/api/auth/register", payload, "")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "EMAIL_TAKEN", testutil.DecodeResponse(t, w).Error.Code)
}

func TestAuthHandler_LoginValidation(t *testing.T) {
	env := testutil.NewEnv(t)

	payload := map[string]string{"email": "not-an-email", "password": ""}
	w := env.Request(http.MethodPost, "/api/auth/login", payload, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	decoded := testutil.DecodeResponse(t, w)
	require.False(t, decoded.Success)
	require.Equal(t, "BAD_REQUEST", decoded.Error.Code)
}

func TestAuthHandler_LoginSetsAuthCookies(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateUser("cookies@example.com", "SuperSecret1!", true)

	w := env.Request(http.MethodPost, "/api/auth/login",
		map[string]string{"email": "cookies@example.com", "password": "SuperSecret1!"}, "")
	require.Equal(t, http.StatusOK, w.Code)

	names := map[string]bool{}
	for _, cookie := range w.Result().Cookies() {
		names[cookie.Name] = cookie.HttpOnly
	}
	require.True(t, names[middleware.AccessTokenCookie])
	require.True(t, names["refresh_token"])
}

func TestAuthHandler_RefreshRotationAndReuse(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateUser("rotate@example.com", "SuperSecret1!", true)
	login := env.Login("rotate@example.com", "SuperSecret1!")

	refresh := env.Request(http.MethodPost, "/api/auth/refresh",
		map[string]string{"refresh_token": login.Tokens.RefreshToken}, "")
	require.Equal(t, http.StatusOK, refresh.Code, refresh.Body.String())
	var rotated testutil.TokenPair
	testutil.DecodeInto(t, testutil.DecodeResponse(t, refresh).Data, &rotated)
	require.NotEmpty(t, rotated.RefreshToken)
	require.NotEqual(t, login.Tokens.RefreshToken, rotated.RefreshToken)

	// Replaying the superseded token burns the whole family.
	replay := env.Request(http.MethodPost, "/api/auth/refresh",
		map[string]string{"refresh_token": login.Tokens.RefreshToken}, "")
	require.Equal(t, http.StatusUnauthorized, replay.Code)
	require.Equal(t, "TOKEN_REUSE_DETECTED", testutil.DecodeResponse(t, replay).Error.Code)

	after := env.Request(http.MethodPost, "/api/auth/refresh",
		map[string]string{"refresh_token": rotated.RefreshToken}, "")
	require.Equal(t, http.StatusUnauthorized, after.Code)
}

func TestAuthHandler_LogoutRevokesRefreshToken(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateUser("logout@example.com", "SuperSecret1!", true)
	login := env.Login("logout@example.com", "SuperSecret1!")

	logout := env.Request(http.MethodPost, "/api/auth/logout",
		map[string]string{"refresh_token": login.Tokens.RefreshToken}, login.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, logout.Code, logout.Body.String())

	refresh := env.Request(http.MethodPost, "/api/auth/refresh",
		map[string]string{"refresh_token": login.Tokens.RefreshToken}, "")
	require.Equal(t, http.StatusUnauthorized, refresh.Code)
}

func TestAuthHandler_RevokeAll(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateUser("revoke@example.com", "SuperSecret1!", true)
	first := env.Login("revoke@example.com", "SuperSecret1!")
	second := env.Login("revoke@example.com", "SuperSecret1!")

	w := env.Request(http.MethodPost, "/api/auth/revoke-all", nil, first.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	for _, token := range []string{first.Tokens.RefreshToken, second.Tokens.RefreshToken} {
		refresh := env.Request(http.MethodPost, "/api/auth/refresh",
			map[string]string{"refresh_token": token}, "")
		require.Equal(t, http.StatusUnauthorized, refresh.Code)
	}
}

func TestAuthHandler_LockoutAfterRepeatedFailures(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateUser("locked@example.com", "SuperSecret1!", true)

	for i := 0; i < 5; i++ {
		w := env.Request(http.MethodPost, "/api/auth/login",
			map[string]string{"email": "locked@example.com", "password": "WrongPassword1!"}, "")
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	// The correct password no longer helps while the lock is active.
	w := env.Request(http.MethodPost, "/api/auth/login",
		map[string]string{"email": "locked@example.com", "password": "SuperSecret1!"}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "ACCOUNT_LOCKED", testutil.DecodeResponse(t, w).Error.Code)
}

func TestAuthHandler_ForgotAndResetPassword(t *testing.T) {
	env := testutil.NewEnv(t)
	user := env.CreateUser("reset@example.com", "OldSecret1!", true)
	login := env.Login("reset@example.com", "OldSecret1!")

	// Unknown addresses receive the same generic answer.
	unknown := env.Request(http.MethodPost, "/api/auth/forgot-password",
		map[string]string{"email": "ghost@example.com"}, "")
	require.Equal(t, http.StatusOK, unknown.Code)

	forgot := env.Request(http.MethodPost, "/api/auth/forgot-password",
		map[string]string{"email": "reset@example.com"}, "")
	require.Equal(t, http.StatusOK, forgot.Code)

	require.NoError(t, env.DB.Take(user, "id = ?", user.ID).Error)
	require.NotNil(t, user.PasswordResetToken)

	reset := env.Request(http.MethodPost, "/api/auth/reset-password",
		map[string]string{"token": *user.PasswordResetToken, "password": "NewSecret1!"}, "")
	require.Equal(t, http.StatusOK, reset.Code, reset.Body.String())

	// Sessions issued before the reset are dead.
	refresh := env.Request(http.MethodPost, "/api/auth/refresh",
		map[string]string{"refresh_token": login.Tokens.RefreshToken}, "")
	require.Equal(t, http.StatusUnauthorized, refresh.Code)

	old := env.Request(http.MethodPost, "/api/auth/login",
		map[string]string{"email": "reset@example.com", "password": "OldSecret1!"}, "")
	require.Equal(t, http.StatusUnauthorized, old.Code)

	env.Login("reset@example.com", "NewSecret1!")

	// The consumed token cannot be replayed.
	replay := env.Request(http.MethodPost, "/api/auth/reset-password",
		map[string]string{"token": *user.PasswordResetToken, "password": "Sneaky1!aa"}, "")
	require.Equal(t, http.StatusBadRequest, replay.Code)
}

func TestAuthHandler_ResendVerification(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateUser("unverified@example.com", "SuperSecret1!", false)

	w := env.Request(http.MethodPost, "/api/auth/resend-verification",
		map[string]string{"email": "unverified@example.com"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	missing := env.Request(http.MethodPost, "/api/auth/resend-verification",
		map[string]string{"email": "ghost@example.com"}, "")
	require.Equal(t, http.StatusNotFound, missing.Code)

	env.CreateUser("done@example.com", "SuperSecret1!", true)
	already := env.Request(http.MethodPost, "/api/auth/resend-verification",
		map[string]string{"email": "done@example.com"}, "")
	require.Equal(t, http.StatusBadRequest, already.Code)
}

func TestAuthHandler_ProtectedRoutesRequireToken(t *testing.T) {
	env := testutil.NewEnv(t)

	for _, path := range []string{"/api/auth/me", "/api/audit/me"} {
		w := env.Request(http.MethodGet, path, nil, "")
		require.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

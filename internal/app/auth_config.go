package app

import (
	"github.com/blockfall/blockfall/internal/auth"
)

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	accessTTL := c.JWT.AccessTTL
	if accessTTL <= 0 {
		accessTTL = auth.DefaultAccessTokenTTL
	}
	refreshTTL := c.JWT.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = auth.DefaultRefreshTokenTTL
	}

	return auth.JWTConfig{
		Secret:          c.JWT.Secret,
		RefreshSecret:   c.JWT.RefreshSecret,
		Issuer:          c.JWT.Issuer,
		AccessTokenTTL:  accessTTL,
		RefreshTokenTTL: refreshTTL,
	}
}

// AccountServiceConfig converts AuthConfig into AccountService parameters.
// The two-factor verifier is wired separately since it depends on the MFA service.
func (c AuthConfig) AccountServiceConfig(frontendURL string) auth.AccountConfig {
	return auth.AccountConfig{
		MaxFailedLogins: c.Lockout.MaxFailedLogins,
		LockoutDuration: c.Lockout.Duration,
		VerificationTTL: c.Account.VerificationTTL,
		ResetTTL:        c.Account.ResetTTL,
		FrontendURL:     frontendURL,
	}
}

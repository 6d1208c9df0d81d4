package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/blockfall/blockfall/internal/auth"
	"github.com/blockfall/blockfall/internal/auth/mfa"
	"github.com/blockfall/blockfall/internal/auth/oauth"
	"github.com/blockfall/blockfall/internal/handlers"
	"github.com/blockfall/blockfall/internal/middleware"
	"github.com/blockfall/blockfall/internal/models"
	"github.com/blockfall/blockfall/internal/ratelimit"
	"github.com/blockfall/blockfall/internal/services"
)

// Config bundles the services required to assemble the HTTP surface.
type Config struct {
	DB          *gorm.DB
	JWT         *iauth.JWTService
	Accounts    *iauth.AccountService
	Tokens      *iauth.TokenService
	TOTP        *mfa.TOTPService
	Audit       *services.AuditService
	Permissions *services.PermissionService

	// OAuth wiring is optional; the provider routes 404 when absent.
	OAuthProviders *oauth.Registry
	OAuthState     *oauth.StateCodec

	// Limiter is optional; rate limiting is skipped when nil.
	Limiter *ratelimit.Limiter

	FrontendURL   string
	SecureCookies bool
}

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(cfg Config) (*gin.Engine, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if cfg.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("account service must be provided")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token service must be provided")
	}
	if cfg.TOTP == nil {
		return nil, fmt.Errorf("totp service must be provided")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("audit service must be provided")
	}
	if cfg.Permissions == nil {
		return nil, fmt.Errorf("permission service must be provided")
	}

	r := gin.New()

	// Global middleware. OAuth callbacks arrive as top-level navigations and
	// cannot carry the CSRF header, so those paths are exempt.
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	if cfg.FrontendURL != "" {
		r.Use(middleware.CORS(cfg.FrontendURL))
	} else {
		r.Use(middleware.CORS())
	}
	r.Use(middleware.CSRF("/api/auth/google", "/api/auth/github"))
	r.Use(middleware.RateLimit(cfg.Limiter, "global", 100, time.Minute))

	// Health endpoint (public)
	r.GET("/health", handlers.Health(cfg.DB))

	authHandler := handlers.NewAuthHandler(cfg.DB, cfg.Accounts, cfg.Tokens, cfg.JWT, cfg.SecureCookies)

	// Public auth routes with per-route limits layered over the global one.
	auth := r.Group("/api/auth")
	{
		auth.POST("/register", middleware.RateLimit(cfg.Limiter, "register", 5, time.Minute), authHandler.Register)
		auth.POST("/login", middleware.RateLimit(cfg.Limiter, "login", 10, time.Minute), authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.GET("/verify-email", middleware.RateLimit(cfg.Limiter, "verify-email", 10, time.Minute), authHandler.VerifyEmail)
		auth.POST("/resend-verification", middleware.RateLimit(cfg.Limiter, "resend-verification", 3, time.Minute), authHandler.ResendVerification)
		auth.POST("/forgot-password", middleware.RateLimit(cfg.Limiter, "forgot-password", 3, time.Minute), authHandler.ForgotPassword)
		auth.POST("/reset-password", middleware.RateLimit(cfg.Limiter, "reset-password", 5, time.Minute), authHandler.ResetPassword)
	}

	// OAuth routes
	if cfg.OAuthProviders != nil && cfg.OAuthState != nil {
		oauthHandler := handlers.NewOAuthHandler(cfg.OAuthProviders, cfg.OAuthState, cfg.Accounts, cfg.JWT, cfg.FrontendURL, cfg.SecureCookies)
		for _, name := range cfg.OAuthProviders.Names() {
			auth.GET("/"+name, oauthHandler.Authorize(name))
			auth.GET("/"+name+"/callback", oauthHandler.Callback(name))
		}
	}

	// Protected routes
	requireAuth := middleware.Auth(cfg.JWT)

	api := r.Group("/api")
	api.Use(requireAuth)

	api.GET("/auth/me", authHandler.Me)
	api.POST("/auth/logout", authHandler.Logout)
	api.POST("/auth/revoke-all", authHandler.RevokeAll)

	// Two-factor
	twoFactorHandler := handlers.NewTwoFactorHandler(cfg.DB, cfg.TOTP)
	twofa := api.Group("/auth/2fa")
	{
		twofa.POST("/generate", twoFactorHandler.Generate)
		twofa.POST("/enable", twoFactorHandler.Enable)
		twofa.POST("/verify", twoFactorHandler.Verify)
		twofa.POST("/disable", twoFactorHandler.Disable)
		twofa.GET("/backup-codes", twoFactorHandler.BackupCodes)
	}

	// Audit
	auditHandler := handlers.NewAuditHandler(cfg.Audit)
	api.GET("/audit/me", auditHandler.Me)
	api.GET("/audit", middleware.RequirePermission(cfg.DB, cfg.Permissions, "audit", "read"), auditHandler.List)
	api.GET("/audit/security", middleware.RequirePermission(cfg.DB, cfg.Permissions, "audit", "read"), auditHandler.Security)

	// Permission administration
	permHandler := handlers.NewPermissionHandler(cfg.Permissions)
	perms := api.Group("/permissions")
	perms.Use(middleware.RequireRole(models.RoleAdmin))
	{
		perms.GET("/:userID", permHandler.List)
		perms.POST("", permHandler.Grant)
		perms.POST("/revoke", permHandler.Revoke)
	}

	// Metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}

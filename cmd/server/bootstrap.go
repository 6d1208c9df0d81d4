package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gin-gonic/gin"

	"github.com/blockfall/blockfall/internal/api"
	"github.com/blockfall/blockfall/internal/app"
	"github.com/blockfall/blockfall/internal/app/maintenance"
	iauth "github.com/blockfall/blockfall/internal/auth"
	"github.com/blockfall/blockfall/internal/auth/mfa"
	"github.com/blockfall/blockfall/internal/cache"
	"github.com/blockfall/blockfall/internal/database"
	"github.com/blockfall/blockfall/internal/ratelimit"
	"github.com/blockfall/blockfall/internal/services"
	"github.com/blockfall/blockfall/pkg/logger"
	"github.com/blockfall/blockfall/pkg/mail"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB       *gorm.DB
	Redis    *cache.RedisStore
	Tokens   *iauth.TokenService
	Accounts *iauth.AccountService
	Audit    *services.AuditService
	Cleaner  *maintenance.Cleaner
	Limiter  *ratelimit.Limiter
	Router   *gin.Engine
}

// bootstrapRuntime initialises the database, cache, services, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	var store cache.Store
	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisStore(cfg.Cache.RedisConfig()); err != nil {
			log.Warn("redis unavailable; falling back to in-memory rate limiting", zap.Error(err))
			stack.Redis = nil
		} else {
			store = stack.Redis
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}
	if store == nil {
		store = cache.NewMemoryStore()
	}

	stack.Limiter, err = ratelimit.New(store)
	if err != nil {
		return nil, fmt.Errorf("initialise rate limiter: %w", err)
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	stack.Tokens, err = iauth.NewTokenService(stack.DB, jwtSvc, iauth.TokenConfig{})
	if err != nil {
		return nil, fmt.Errorf("initialise token service: %w", err)
	}

	stack.Audit, err = services.NewAuditService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise audit service: %w", err)
	}

	permissionSvc, err := services.NewPermissionService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise permission service: %w", err)
	}

	totpSvc, err := mfa.NewTOTPService(stack.DB, []byte(cfg.Auth.MFA.EncryptionKey),
		mfa.WithIssuer(cfg.Auth.MFA.Issuer),
		mfa.WithAudit(stack.Audit),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise totp service: %w", err)
	}

	mailer, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
	if err != nil {
		return nil, fmt.Errorf("initialise mailer: %w", err)
	}

	accountCfg := cfg.Auth.AccountServiceConfig(cfg.FrontendURL)
	accountCfg.TwoFactor = totpSvc
	stack.Accounts, err = iauth.NewAccountService(stack.DB, stack.Tokens, mailer, stack.Audit, accountCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise account service: %w", err)
	}

	registry, stateCodec, err := cfg.OAuth.BuildOAuth(ctx)
	if err != nil {
		return nil, err
	}

	stack.Cleaner = maintenance.NewCleaner(stack.DB, stack.Tokens, stack.Audit,
		maintenance.WithAuditRetentionDays(cfg.Maintenance.AuditRetentionDays))
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	stack.Router, err = api.NewRouter(api.Config{
		DB:             stack.DB,
		JWT:            jwtSvc,
		Accounts:       stack.Accounts,
		Tokens:         stack.Tokens,
		TOTP:           totpSvc,
		Audit:          stack.Audit,
		Permissions:    permissionSvc,
		OAuthProviders: registry,
		OAuthState:     stateCodec,
		Limiter:        stack.Limiter,
		FrontendURL:    cfg.FrontendURL,
		SecureCookies:  cfg.Server.IsProduction(),
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		if stopCtx != nil {
			ctx = stopCtx
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.DatabaseConfigValues()
	dbCfg.Driver = strings.ToLower(strings.TrimSpace(dbCfg.Driver))

	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", dbCfg.Driver))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}

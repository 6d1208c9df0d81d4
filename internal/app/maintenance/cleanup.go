package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	iauth "github.com/blockfall/blockfall/internal/auth"
	"github.com/blockfall/blockfall/internal/models"
	"github.com/blockfall/blockfall/internal/services"
	"github.com/blockfall/blockfall/pkg/logger"
)

const (
	defaultAuditRetentionDays = 90
	defaultTokenSpec          = "@hourly"
	defaultAuditSpec          = "@daily"
	defaultCredentialSpec     = "@daily"
)

// Cleaner coordinates background maintenance: purging expired refresh tokens,
// enforcing audit retention, and clearing stale credential tokens on users.
type Cleaner struct {
	db        *gorm.DB
	tokens    *iauth.TokenService
	audit     *services.AuditService
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	enabled   bool
	retention int

	tokenSchedule      string
	auditSchedule      string
	credentialSchedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithAuditRetentionDays adjusts how long audit logs are retained before cleanup.
func WithAuditRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// WithTokenSchedule overrides the cron specification for refresh token cleanup.
func WithTokenSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.tokenSchedule = spec
		}
	}
}

// WithAuditSchedule overrides the cron specification for audit retention enforcement.
func WithAuditSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.auditSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency
// results in the corresponding cleanup job being skipped.
func NewCleaner(db *gorm.DB, tokens *iauth.TokenService, audit *services.AuditService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:                 db,
		tokens:             tokens,
		audit:              audit,
		now:                time.Now,
		retention:          defaultAuditRetentionDays,
		tokenSchedule:      defaultTokenSpec,
		auditSchedule:      defaultAuditSpec,
		credentialSchedule: defaultCredentialSpec,
		log:                logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.tokens != nil || cleaner.audit != nil || cleaner.db != nil

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it if at
// least one cleanup is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if c.tokens != nil {
		if _, err := c.cron.AddFunc(c.tokenSchedule, func() {
			if _, err := c.tokens.CleanupExpired(context.Background()); err != nil {
				c.log.Warn("refresh token cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.audit != nil && c.retention > 0 {
		if _, err := c.cron.AddFunc(c.auditSchedule, func() {
			if _, err := c.audit.CleanupOlderThan(context.Background(), c.retention); err != nil {
				c.log.Warn("audit cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.db != nil {
		if _, err := c.cron.AddFunc(c.credentialSchedule, func() {
			if _, err := CleanupCredentialTokens(context.Background(), c.db, c.now()); err != nil {
				c.log.Warn("credential token cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Primarily
// used in tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.tokens != nil {
		if _, err := c.tokens.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.audit != nil && c.retention > 0 {
		if _, err := c.audit.CleanupOlderThan(ctx, c.retention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil {
		if _, err := CleanupCredentialTokens(ctx, c.db, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// CredentialCleanupStats captures the number of user rows scrubbed per token kind.
type CredentialCleanupStats struct {
	EmailVerifications int64
	PasswordResets     int64
}

// CleanupCredentialTokens clears expired verification and reset tokens from
// user rows so that stale links stop resolving to accounts.
func CleanupCredentialTokens(ctx context.Context, db *gorm.DB, now time.Time) (CredentialCleanupStats, error) {
	if db == nil {
		return CredentialCleanupStats{}, errors.New("cleanup credentials: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	stats := CredentialCleanupStats{}

	result := db.WithContext(ctx).Model(&models.User{}).
		Where("email_verification_token IS NOT NULL AND email_verification_expires < ?", now).
		Updates(map[string]any{
			"email_verification_token":   nil,
			"email_verification_expires": nil,
		})
	if result.Error != nil {
		return stats, fmt.Errorf("cleanup credentials: verification tokens: %w", result.Error)
	}
	stats.EmailVerifications = result.RowsAffected

	result = db.WithContext(ctx).Model(&models.User{}).
		Where("password_reset_token IS NOT NULL AND password_reset_expires < ?", now).
		Updates(map[string]any{
			"password_reset_token":   nil,
			"password_reset_expires": nil,
		})
	if result.Error != nil {
		return stats, fmt.Errorf("cleanup credentials: reset tokens: %w", result.Error)
	}
	stats.PasswordResets = result.RowsAffected

	return stats, nil
}

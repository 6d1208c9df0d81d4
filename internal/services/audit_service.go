package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/blockfall/blockfall/internal/models"
)

// Audit action tags recorded by the authentication flows.
const (
	AuditUserRegistered         = "USER_REGISTERED"
	AuditLoginSuccess           = "LOGIN_SUCCESS"
	AuditLoginFailed            = "LOGIN_FAILED"
	AuditLogout                 = "LOGOUT"
	AuditTokensRevoked          = "TOKENS_REVOKED"
	AuditEmailVerified          = "EMAIL_VERIFIED"
	AuditPasswordResetRequested = "PASSWORD_RESET_REQUESTED"
	AuditPasswordReset          = "PASSWORD_RESET"
	AuditTwoFactorEnabled       = "2FA_ENABLED"
	AuditTwoFactorDisabled      = "2FA_DISABLED"
	AuditOAuthRegistered        = "OAUTH_REGISTERED"
	AuditAccountLocked          = "ACCOUNT_LOCKED"
)

// securityActions is the allow-list surfaced by the security events query.
var securityActions = []string{
	AuditLoginFailed,
	AuditAccountLocked,
	AuditTokensRevoked,
	AuditPasswordReset,
	AuditTwoFactorDisabled,
}

// AuditEntry captures a single audit event to persist.
type AuditEntry struct {
	UserID    *string
	Action    string
	Resource  string
	IPAddress string
	UserAgent string
	Success   bool
	Details   map[string]any
}

// AuditFilters encapsulates optional filters when querying audit logs.
type AuditFilters struct {
	UserID  string
	Action  string
	Success *bool
	Since   *time.Time
	Until   *time.Time
}

// AuditListOptions controls pagination and filtering for audit queries.
type AuditListOptions struct {
	Page     int
	PageSize int
	Filters  AuditFilters
}

// AuditService persists and retrieves append-only audit log entries.
type AuditService struct {
	db  *gorm.DB
	now func() time.Time
}

// AuditOption customises the AuditService.
type AuditOption func(*AuditService)

// WithAuditClock injects a custom time source, primarily for testing.
func WithAuditClock(clock func() time.Time) AuditOption {
	return func(s *AuditService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewAuditService constructs an AuditService using the provided database handle.
func NewAuditService(db *gorm.DB, opts ...AuditOption) (*AuditService, error) {
	if db == nil {
		return nil, errors.New("audit service: db is required")
	}

	svc := &AuditService{db: db, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Log stores an audit entry, marshalling details into JSON form.
func (s *AuditService) Log(ctx context.Context, entry AuditEntry) error {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit service: action is required")
	}

	payload := ""
	if entry.Details != nil {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("audit service: marshal details: %w", err)
		}
		payload = string(encoded)
	}

	log := models.AuditLog{
		Action:    strings.TrimSpace(entry.Action),
		Resource:  strings.TrimSpace(entry.Resource),
		Details:   payload,
		IPAddress: strings.TrimSpace(entry.IPAddress),
		UserAgent: strings.TrimSpace(entry.UserAgent),
		Success:   entry.Success,
	}

	if entry.UserID != nil && strings.TrimSpace(*entry.UserID) != "" {
		id := strings.TrimSpace(*entry.UserID)
		log.UserID = &id
	}

	return s.db.WithContext(ctx).Create(&log).Error
}

// List returns paginated audit logs ordered by creation time descending.
func (s *AuditService) List(ctx context.Context, opts AuditListOptions) ([]models.AuditLog, int64, error) {
	ctx = ensureContext(ctx)

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	var (
		results []models.AuditLog
		total   int64
	)

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})
	query = applyAuditFilters(query, opts.Filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: count logs: %w", err)
	}

	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: list logs: %w", err)
	}

	return results, total, nil
}

// ListByUser returns the paginated audit trail for a single user.
func (s *AuditService) ListByUser(ctx context.Context, userID string, page, pageSize int) ([]models.AuditLog, int64, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, 0, errors.New("audit service: user id is required")
	}
	return s.List(ctx, AuditListOptions{
		Page:     page,
		PageSize: pageSize,
		Filters:  AuditFilters{UserID: userID},
	})
}

// SecurityEvents returns recent entries whose action belongs to the security allow-list.
func (s *AuditService) SecurityEvents(ctx context.Context, page, pageSize int) ([]models.AuditLog, int64, error) {
	ctx = ensureContext(ctx)

	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}

	var (
		results []models.AuditLog
		total   int64
	)

	query := s.db.WithContext(ctx).
		Model(&models.AuditLog{}).
		Where("action IN ?", securityActions)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: count security events: %w", err)
	}

	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: list security events: %w", err)
	}

	return results, total, nil
}

// CountFailedLogins reports how many failed login attempts a user accumulated
// within the trailing window.
func (s *AuditService) CountFailedLogins(ctx context.Context, userID string, window time.Duration) (int64, error) {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("audit service: user id is required")
	}
	if window <= 0 {
		window = time.Hour
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.AuditLog{}).
		Where("user_id = ? AND action = ? AND created_at >= ?", userID, AuditLoginFailed, s.now().Add(-window)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("audit service: count failed logins: %w", err)
	}
	return count, nil
}

// CleanupOlderThan removes audit logs older than the supplied retention window (in days).
func (s *AuditService) CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	ctx = ensureContext(ctx)

	if retentionDays <= 0 {
		return 0, errors.New("audit service: retentionDays must be positive")
	}

	cutoff := s.now().AddDate(0, 0, -retentionDays)

	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.AuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit service: cleanup logs: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func applyAuditFilters(query *gorm.DB, filters AuditFilters) *gorm.DB {
	if filters.UserID != "" {
		query = query.Where("user_id = ?", filters.UserID)
	}
	if filters.Action != "" {
		query = query.Where("action = ?", filters.Action)
	}
	if filters.Success != nil {
		query = query.Where("success = ?", *filters.Success)
	}
	if filters.Since != nil {
		query = query.Where("created_at >= ?", *filters.Since)
	}
	if filters.Until != nil {
		query = query.Where("created_at <= ?", *filters.Until)
	}
	return query
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/blockfall/blockfall/internal/models"
	"github.com/blockfall/blockfall/pkg/metrics"
)

// TokenConfig describes tunable behaviour for the TokenService.
type TokenConfig struct {
	Clock func() time.Time
}

// TokenMetadata captures contextual information about the client.
type TokenMetadata struct {
	IPAddress string
	UserAgent string
}

// TokenPair represents an access token and refresh token pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

var (
	// ErrRefreshNotFound indicates that no stored record matches the refresh token.
	ErrRefreshNotFound = errors.New("token: refresh token not found")
	// ErrRefreshReused marks replay of an already-revoked refresh token. The
	// whole token family is condemned when this is returned.
	ErrRefreshReused = errors.New("token: refresh token reuse detected")
	// ErrRefreshExpired signals that a refresh token has reached its expiry.
	ErrRefreshExpired = errors.New("token: refresh token expired")
	// ErrRefreshInvalid is returned when the supplied refresh token is malformed.
	ErrRefreshInvalid = errors.New("token: invalid refresh token")
	// ErrTokenUserInactive is returned when the token owner is missing or deactivated.
	ErrTokenUserInactive = errors.New("token: user inactive")
)

// TokenService manages issuance, rotation, and revocation of refresh tokens.
// Every stored token belongs to a family started at login; rotation keeps the
// family id so that replaying a superseded token reveals theft.
type TokenService struct {
	db  *gorm.DB
	jwt *JWTService
	now func() time.Time
}

// NewTokenService constructs a token manager backed by the provided database and JWT service.
func NewTokenService(db *gorm.DB, jwtService *JWTService, cfg TokenConfig) (*TokenService, error) {
	if db == nil {
		return nil, errors.New("token service: db is required")
	}
	if jwtService == nil {
		return nil, errors.New("token service: jwt service is required")
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &TokenService{db: db, jwt: jwtService, now: clock}, nil
}

// Issue starts a new token family for the user and returns a fresh pair.
func (s *TokenService) Issue(ctx context.Context, user *models.User, meta TokenMetadata) (TokenPair, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return TokenPair{}, errors.New("token service: user is required")
	}

	return s.issue(ctx, user, uuid.NewString(), meta)
}

// Rotate exchanges a valid refresh token for a new pair in the same family.
// The presented token is revoked so that any later replay trips reuse detection.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string, meta TokenMetadata) (TokenPair, *models.User, error) {
	record, err := s.ValidateRefresh(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, nil, err
	}

	var user models.User
	if err := s.db.WithContext(ctx).Take(&user, "id = ?", record.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TokenPair{}, nil, ErrTokenUserInactive
		}
		return TokenPair{}, nil, fmt.Errorf("token service: find user: %w", err)
	}
	if !user.IsActive {
		return TokenPair{}, nil, ErrTokenUserInactive
	}

	now := s.now()
	result := s.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("id = ? AND is_revoked = ?", record.ID, false).
		Updates(map[string]any{"is_revoked": true, "revoked_at": now})
	if result.Error != nil {
		return TokenPair{}, nil, fmt.Errorf("token service: revoke rotated token: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		metrics.ActiveRefreshTokens.Dec()
	}

	pair, err := s.issue(ctx, &user, record.TokenFamily, meta)
	if err != nil {
		return TokenPair{}, nil, err
	}

	metrics.TokenRotations.Inc()
	return pair, &user, nil
}

// ValidateRefresh verifies the token signature and its stored record. A
// revoked record means the token was already rotated or revoked; its whole
// family is revoked and ErrRefreshReused is returned. An unknown token is a
// plain validation failure and condemns nothing.
func (s *TokenService) ValidateRefresh(ctx context.Context, refreshToken string) (*models.RefreshToken, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, ErrRefreshInvalid
	}

	claims, err := s.jwt.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrRefreshInvalid
	}

	var record models.RefreshToken
	err = s.db.WithContext(ctx).Where("token = ?", refreshToken).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRefreshNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("token service: find refresh token: %w", err)
	}

	if record.IsRevoked {
		if err := s.RevokeFamily(ctx, record.TokenFamily); err != nil {
			return nil, err
		}
		metrics.TokenReuseDetections.Inc()
		return nil, ErrRefreshReused
	}

	if record.ExpiresAt.Before(s.now()) {
		return nil, ErrRefreshExpired
	}

	if record.UserID != claims.Subject {
		return nil, ErrRefreshInvalid
	}

	return &record, nil
}

// RevokeFamily revokes every active token descending from the same login.
func (s *TokenService) RevokeFamily(ctx context.Context, family string) error {
	if strings.TrimSpace(family) == "" {
		return ErrRefreshInvalid
	}

	result := s.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("token_family = ? AND is_revoked = ?", family, false).
		Updates(map[string]any{"is_revoked": true, "revoked_at": s.now()})
	if result.Error != nil {
		return fmt.Errorf("token service: revoke token family: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveRefreshTokens.Sub(float64(result.RowsAffected))
	}
	return nil
}

// RevokeToken revokes a single refresh token by its stored value.
func (s *TokenService) RevokeToken(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrRefreshInvalid
	}

	result := s.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("token = ? AND is_revoked = ?", refreshToken, false).
		Updates(map[string]any{"is_revoked": true, "revoked_at": s.now()})
	if result.Error != nil {
		return fmt.Errorf("token service: revoke token: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveRefreshTokens.Sub(float64(result.RowsAffected))
	}
	return nil
}

// RevokeAll revokes every active refresh token belonging to a user.
func (s *TokenService) RevokeAll(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrRefreshInvalid
	}

	result := s.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("user_id = ? AND is_revoked = ?", userID, false).
		Updates(map[string]any{"is_revoked": true, "revoked_at": s.now()})
	if result.Error != nil {
		return 0, fmt.Errorf("token service: revoke user tokens: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveRefreshTokens.Sub(float64(result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// CleanupExpired deletes expired and revoked refresh token rows.
func (s *TokenService) CleanupExpired(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := s.now()

	var activeExpired int64
	if err := s.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("expires_at < ? AND is_revoked = ?", now, false).
		Count(&activeExpired).Error; err != nil {
		return 0, fmt.Errorf("token service: count expired tokens: %w", err)
	}

	result := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Or("is_revoked = ?", true).
		Delete(&models.RefreshToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("token service: cleanup expired tokens: %w", result.Error)
	}

	if activeExpired > 0 {
		metrics.ActiveRefreshTokens.Sub(float64(activeExpired))
	}
	return result.RowsAffected, nil
}

func (s *TokenService) issue(ctx context.Context, user *models.User, family string, meta TokenMetadata) (TokenPair, error) {
	accessToken, err := s.jwt.GenerateAccessToken(AccessTokenInput{
		UserID: user.ID,
		Email:  user.Email,
		Roles:  user.RoleTags(),
	})
	if err != nil {
		return TokenPair{}, fmt.Errorf("token service: generate access token: %w", err)
	}

	refreshToken, err := s.jwt.GenerateRefreshToken(RefreshTokenInput{
		UserID:      user.ID,
		Email:       user.Email,
		TokenFamily: family,
	})
	if err != nil {
		return TokenPair{}, fmt.Errorf("token service: generate refresh token: %w", err)
	}

	record := &models.RefreshToken{
		UserID:      user.ID,
		Token:       refreshToken,
		TokenFamily: family,
		ExpiresAt:   s.now().Add(s.jwt.RefreshTokenTTL()),
		IPAddress:   strings.TrimSpace(meta.IPAddress),
		UserAgent:   strings.TrimSpace(meta.UserAgent),
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return TokenPair{}, fmt.Errorf("token service: store refresh token: %w", err)
	}

	metrics.ActiveRefreshTokens.Inc()

	return TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

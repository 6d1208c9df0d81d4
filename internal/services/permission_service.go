package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/blockfall/blockfall/internal/models"
)

// ErrPermissionExists indicates the (user, resource, action) grant is already present.
var ErrPermissionExists = errors.New("permission service: grant already exists")

// PermissionService manages fine-grained (resource, action) grants per user.
// Role checks remain the coarse gate; these grants refine access beyond roles.
type PermissionService struct {
	db *gorm.DB
}

// NewPermissionService constructs a PermissionService using the provided database handle.
func NewPermissionService(db *gorm.DB) (*PermissionService, error) {
	if db == nil {
		return nil, errors.New("permission service: db is required")
	}
	return &PermissionService{db: db}, nil
}

// Grant records a (resource, action) capability for the user.
func (s *PermissionService) Grant(ctx context.Context, userID, resource, action string) (*models.UserPermission, error) {
	ctx = ensureContext(ctx)

	userID, resource, action, err := normaliseGrant(userID, resource, action)
	if err != nil {
		return nil, err
	}

	var existing models.UserPermission
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND resource = ? AND action = ?", userID, resource, action).
		Take(&existing).Error
	if err == nil {
		return nil, ErrPermissionExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("permission service: lookup grant: %w", err)
	}

	grant := &models.UserPermission{
		UserID:   userID,
		Resource: resource,
		Action:   action,
	}
	if err := s.db.WithContext(ctx).Create(grant).Error; err != nil {
		return nil, fmt.Errorf("permission service: create grant: %w", err)
	}
	return grant, nil
}

// Revoke removes a previously recorded grant. Revoking a missing grant is a no-op.
func (s *PermissionService) Revoke(ctx context.Context, userID, resource, action string) error {
	ctx = ensureContext(ctx)

	userID, resource, action, err := normaliseGrant(userID, resource, action)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Where("user_id = ? AND resource = ? AND action = ?", userID, resource, action).
		Delete(&models.UserPermission{})
	if result.Error != nil {
		return fmt.Errorf("permission service: revoke grant: %w", result.Error)
	}
	return nil
}

// List returns every grant held by the user.
func (s *PermissionService) List(ctx context.Context, userID string) ([]models.UserPermission, error) {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("permission service: user id is required")
	}

	var grants []models.UserPermission
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("resource, action").
		Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("permission service: list grants: %w", err)
	}
	return grants, nil
}

// Has reports whether the user holds the (resource, action) grant. Admins
// pass every check; a wildcard action grant covers all actions on a resource.
func (s *PermissionService) Has(ctx context.Context, user *models.User, resource, action string) (bool, error) {
	ctx = ensureContext(ctx)

	if user == nil {
		return false, errors.New("permission service: user is required")
	}
	if user.HasRole(models.RoleAdmin) {
		return true, nil
	}

	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if resource == "" || action == "" {
		return false, errors.New("permission service: resource and action are required")
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.UserPermission{}).
		Where("user_id = ? AND resource = ? AND action IN ?", user.ID, resource, []string{action, "*"}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("permission service: check grant: %w", err)
	}
	return count > 0, nil
}

func normaliseGrant(userID, resource, action string) (string, string, string, error) {
	userID = strings.TrimSpace(userID)
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if userID == "" || resource == "" || action == "" {
		return "", "", "", errors.New("permission service: user id, resource, and action are required")
	}
	return userID, resource, action, nil
}

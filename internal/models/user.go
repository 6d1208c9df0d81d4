package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Auth provider tags for accounts created through OAuth.
const (
	ProviderLocal  = "LOCAL"
	ProviderGoogle = "GOOGLE"
	ProviderGitHub = "GITHUB"
)

// RoleUser is the default role assigned to new accounts.
const RoleUser = "USER"

// RoleAdmin marks accounts allowed to manage permissions and audit queries.
const RoleAdmin = "ADMIN"

// User is the identity record for the platform. Accounts are created on
// registration or first OAuth login and are never hard-deleted.
type User struct {
	ID    string `gorm:"primaryKey;type:uuid" json:"id"`
	Email string `gorm:"uniqueIndex;not null" json:"email"`

	// Password is nil for OAuth-only accounts.
	Password *string `json:"-"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	Roles datatypes.JSON `json:"roles"`

	IsActive        bool `gorm:"default:true" json:"is_active"`
	IsEmailVerified bool `gorm:"default:false" json:"is_email_verified"`

	EmailVerificationToken   *string    `gorm:"index" json:"-"`
	EmailVerificationExpires *time.Time `json:"-"`

	PasswordResetToken   *string    `gorm:"index" json:"-"`
	PasswordResetExpires *time.Time `json:"-"`

	FailedLoginAttempts int        `gorm:"default:0" json:"-"`
	LockedUntil         *time.Time `json:"-"`

	TwoFactorEnabled     bool           `gorm:"default:false" json:"two_factor_enabled"`
	TwoFactorSecret      *string        `json:"-"`
	TwoFactorBackupCodes datatypes.JSON `json:"-"`

	Provider   *string `gorm:"index:idx_users_provider_identity" json:"provider,omitempty"`
	ProviderID *string `gorm:"index:idx_users_provider_identity" json:"-"`

	LastLoginAt        *time.Time `json:"last_login_at"`
	LastLoginIP        string     `json:"-"`
	LastLoginUserAgent string     `json:"-"`

	RefreshTokens []RefreshToken `gorm:"foreignKey:UserID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// RoleTags decodes the stored role set. A corrupt column yields the default role.
func (u *User) RoleTags() []string {
	if len(u.Roles) == 0 {
		return []string{RoleUser}
	}

	var roles []string
	if err := json.Unmarshal(u.Roles, &roles); err != nil || len(roles) == 0 {
		return []string{RoleUser}
	}
	return roles
}

// HasRole reports whether the user carries the supplied role tag.
func (u *User) HasRole(role string) bool {
	for _, tag := range u.RoleTags() {
		if tag == role {
			return true
		}
	}
	return false
}

// EncodeRoles serialises a role set for storage.
func EncodeRoles(roles []string) datatypes.JSON {
	if len(roles) == 0 {
		roles = []string{RoleUser}
	}
	encoded, err := json.Marshal(roles)
	if err != nil {
		return datatypes.JSON(`["` + RoleUser + `"]`)
	}
	return datatypes.JSON(encoded)
}

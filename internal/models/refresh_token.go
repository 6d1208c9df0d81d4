package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RefreshToken stores one issued refresh token. Tokens descending from the
// same login share a TokenFamily so that replaying a rotated token can revoke
// the whole lineage at once.
type RefreshToken struct {
	ID          string     `gorm:"primaryKey;type:uuid" json:"id"`
	UserID      string     `gorm:"type:uuid;not null;index" json:"user_id"`
	User        *User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Token       string     `gorm:"uniqueIndex;not null" json:"-"`
	TokenFamily string     `gorm:"not null;index" json:"token_family"`
	ExpiresAt   time.Time  `gorm:"index" json:"expires_at"`
	IsRevoked   bool       `gorm:"default:false" json:"is_revoked"`
	IPAddress   string     `json:"ip_address"`
	UserAgent   string     `json:"user_agent"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at"`
}

func (t *RefreshToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

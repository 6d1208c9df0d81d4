package models

// UserPermission grants a user a single (resource, action) capability.
// Grants have an independent lifecycle and are created and revoked explicitly.
type UserPermission struct {
	BaseModel

	UserID   string `gorm:"type:uuid;not null;uniqueIndex:idx_user_permissions_triple" json:"user_id"`
	User     *User  `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Resource string `gorm:"not null;uniqueIndex:idx_user_permissions_triple" json:"resource"`
	Action   string `gorm:"not null;uniqueIndex:idx_user_permissions_triple" json:"action"`
}

package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/blockfall/blockfall/internal/models"
	"github.com/blockfall/blockfall/internal/services"
	apperrors "github.com/blockfall/blockfall/pkg/errors"
	"github.com/blockfall/blockfall/pkg/response"
)

// RequirePermission checks that the authenticated user holds the
// (resource, action) grant. Admin-role users pass every check.
func RequirePermission(db *gorm.DB, permissions *services.PermissionService, resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(CtxUserIDKey)
		if !ok {
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}
		userID, _ := v.(string)

		var user models.User
		if err := db.WithContext(c.Request.Context()).Take(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				response.Error(c, apperrors.ErrUnauthorized)
			} else {
				response.Error(c, apperrors.ErrInternalServer)
			}
			c.Abort()
			return
		}

		allowed, err := permissions.Has(c.Request.Context(), &user, resource, action)
		if err != nil {
			response.Error(c, apperrors.ErrInternalServer)
			c.Abort()
			return
		}
		if !allowed {
			response.Error(c, apperrors.ErrForbidden)
			c.Abort()
			return
		}

		c.Next()
	}
}

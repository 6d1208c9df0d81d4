package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/blockfall/blockfall/internal/auth"
	"github.com/blockfall/blockfall/internal/middleware"
	"github.com/blockfall/blockfall/internal/models"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// clientMeta captures the caller's address and agent for token records and audit rows.
func clientMeta(c *gin.Context) iauth.TokenMetadata {
	return iauth.TokenMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// currentUserID reads the authenticated subject set by the auth middleware.
func currentUserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.CtxUserIDKey)
	if !ok {
		return "", false
	}
	userID, _ := v.(string)
	return userID, userID != ""
}

// currentUser loads the authenticated user record from the database.
func currentUser(c *gin.Context, db *gorm.DB) (*models.User, bool) {
	userID, ok := currentUserID(c)
	if !ok {
		return nil, false
	}
	var user models.User
	if err := db.WithContext(requestContext(c)).Take(&user, "id = ?", userID).Error; err != nil {
		return nil, false
	}
	return &user, true
}

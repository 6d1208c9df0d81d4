package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/blockfall/blockfall/internal/models"
	"github.com/blockfall/blockfall/internal/services"
	"github.com/blockfall/blockfall/internal/testutil"
)

func TestRequirePermission(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t)
	permissions, err := services.NewPermissionService(db)
	require.NoError(t, err)

	user := &models.User{Email: "perm@example.com", IsActive: true}
	require.NoError(t, db.Create(user).Error)
	_, err = permissions.Grant(nil, user.ID, "audit", "read")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/audit", func(c *gin.Context) {
		// Stand-in for the auth middleware.
		c.Set(CtxUserIDKey, c.GetHeader("X-Test-User"))
	}, RequirePermission(db, permissions, "audit", "read"), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	req.Header.Set("X-Test-User", user.ID)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	other := &models.User{Email: "other@example.com", IsActive: true}
	require.NoError(t, db.Create(other).Error)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/audit", nil)
	req.Header.Set("X-Test-User", other.ID)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

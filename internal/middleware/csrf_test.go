package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newCSRFRouter(exempt ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CSRF(exempt...))
	r.GET("/form", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.POST("/submit", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.POST("/api/auth/google/callback", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func csrfCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()

	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == CSRFCookieName {
			return cookie
		}
	}
	t.Fatal("csrf cookie not issued")
	return nil
}

func TestCSRFIssuesTokenOnSafeMethods(t *testing.T) {
	r := newCSRFRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/form", nil))
	require.Equal(t, http.StatusOK, w.Code)

	cookie := csrfCookie(t, w)
	require.NotEmpty(t, cookie.Value)
	require.Equal(t, cookie.Value, w.Header().Get(CSRFHeaderName))
}

func TestCSRFBlocksMutationsWithoutHeader(t *testing.T) {
	r := newCSRFRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/submit", nil))
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestCSRFAcceptsMatchingHeader(t *testing.T) {
	r := newCSRFRouter()

	seed := httptest.NewRecorder()
	r.ServeHTTP(seed, httptest.NewRequest(http.MethodGet, "/form", nil))
	cookie := csrfCookie(t, seed)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.AddCookie(cookie)
	req.Header.Set(CSRFHeaderName, cookie.Value)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCSRFRejectsMismatchedHeader(t *testing.T) {
	r := newCSRFRouter()

	seed := httptest.NewRecorder()
	r.ServeHTTP(seed, httptest.NewRequest(http.MethodGet, "/form", nil))
	cookie := csrfCookie(t, seed)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.AddCookie(cookie)
	req.Header.Set(CSRFHeaderName, "wrong-token")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestCSRFExemptPaths(t *testing.T) {
	r := newCSRFRouter("/api/auth/google")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/auth/google/callback", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

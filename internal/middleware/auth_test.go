package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shopnest/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func authRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Auth(testSecret), func(c *gin.Context) {
		u := CurrentUser(c)
		c.JSON(http.StatusOK, gin.H{"id": u.ID, "email": u.Email, "role": u.Role})
	})
	r.GET("/admin", Auth(testSecret), RequireRole(model.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func doGet(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRoundTrip(t *testing.T) {
	r := authRouter()
	token, err := NewToken(testSecret, model.User{ID: 42, Email: "buyer@example.com", Role: model.RoleBuyer}, time.Hour)
	require.NoError(t, err)

	w := doGet(r, "/me", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":42`)
	assert.Contains(t, w.Body.String(), "buyer@example.com")
}

func TestAuthRejectsMissingToken(t *testing.T) {
	r := authRouter()
	w := doGet(r, "/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	r := authRouter()
	token, err := NewToken("other-secret", model.User{ID: 1, Email: "x@example.com", Role: model.RoleBuyer}, time.Hour)
	require.NoError(t, err)

	w := doGet(r, "/me", token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	r := authRouter()
	token, err := NewToken(testSecret, model.User{ID: 1, Email: "x@example.com", Role: model.RoleBuyer}, -time.Minute)
	require.NoError(t, err)

	w := doGet(r, "/me", token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRoleGatesByRole(t *testing.T) {
	r := authRouter()

	buyerToken, err := NewToken(testSecret, model.User{ID: 1, Email: "b@example.com", Role: model.RoleBuyer}, time.Hour)
	require.NoError(t, err)
	adminToken, err := NewToken(testSecret, model.User{ID: 2, Email: "a@example.com", Role: model.RoleAdmin}, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, doGet(r, "/admin", buyerToken).Code)
	assert.Equal(t, http.StatusOK, doGet(r, "/admin", adminToken).Code)
}

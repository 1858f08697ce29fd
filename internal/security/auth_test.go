package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newSessionRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware(), SessionMiddleware())
	r.GET("/whoami", func(c *gin.Context) {
		s, ok := SessionFromContext(c.Request.Context())
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenant": s.TenantID, "mode": s.Mode, "user": s.UserID, "role": s.Role})
	})
	return r
}

func TestSessionMiddleware_PopulatesSession(t *testing.T) {
	r := newSessionRouter()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(HeaderTenantID, "acme")
	req.Header.Set(HeaderUserID, "u1")
	req.Header.Set(HeaderRole, RoleEditor)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"tenant":"acme","mode":"org","user":"u1","role":"editor"}`, w.Body.String())
	require.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestSessionMiddleware_RejectsMissingTenant(t *testing.T) {
	r := newSessionRouter()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(HeaderUserID, "u1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestIDMiddleware_ReusesInboundID(t *testing.T) {
	r := newSessionRouter()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(HeaderTenantID, "acme")
	req.Header.Set(HeaderUserID, "u1")
	req.Header.Set(HeaderRequestID, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "abc-123", w.Header().Get(HeaderRequestID))
}

func TestParseMetricsLabels(t *testing.T) {
	t.Setenv("WS_TEST_POD", "pod-1")
	labels, err := ParseMetricsLabels("service=workspace-service,pod=${WS_TEST_POD}")
	require.NoError(t, err)
	require.Equal(t, "workspace-service", labels["service"])
	require.Equal(t, "pod-1", labels["pod"])

	_, err = ParseMetricsLabels("bad-key=x")
	require.Error(t, err)

	labels, err = ParseMetricsLabels("")
	require.NoError(t, err)
	require.Nil(t, labels)
}

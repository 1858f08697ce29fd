package security

import (
	"context"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/workspace-service/internal/model"
	"github.com/chirino/workspace-service/internal/registry/store"
	"github.com/gin-gonic/gin"
)

const (
	// ContextKeySession is the gin context key for the caller's Session.
	ContextKeySession = "session"
)

const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderMode     = "X-Workspace-Mode"
	HeaderUserID   = "X-User-ID"
	HeaderRole     = "X-User-Role"
)

const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Session holds the caller identity supplied by the upstream auth layer. It is trusted as-is.
type Session struct {
	TenantID string
	Mode     string
	UserID   string
	Role     string
}

// Scope returns the tenant/mode pair every store call is bound to.
func (s Session) Scope() store.Scope {
	return store.Scope{TenantID: s.TenantID, Mode: s.Mode}
}

type sessionKey struct{}

// WithSession returns a new context carrying the given Session.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext retrieves the Session stored by SessionMiddleware.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// GetSession returns the caller's Session from the gin context.
func GetSession(c *gin.Context) Session {
	v, _ := c.Get(ContextKeySession)
	s, _ := v.(Session)
	return s
}

// GetUserID returns the caller's user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return GetSession(c).UserID
}

// SessionMiddleware reads the session headers and rejects requests without a tenant or user.
// A missing mode defaults to "org".
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := Session{
			TenantID: strings.TrimSpace(c.GetHeader(HeaderTenantID)),
			Mode:     strings.TrimSpace(c.GetHeader(HeaderMode)),
			UserID:   strings.TrimSpace(c.GetHeader(HeaderUserID)),
			Role:     strings.TrimSpace(c.GetHeader(HeaderRole)),
		}
		if s.Mode == "" {
			s.Mode = model.ModeOrg
		}
		if s.TenantID == "" || s.UserID == "" {
			log.Info("Session rejected: missing session headers", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + HeaderTenantID + " or " + HeaderUserID + " header"})
			return
		}
		if s.Role == "" {
			s.Role = RoleViewer
		}
		c.Set(ContextKeySession, s)
		c.Request = c.Request.WithContext(WithSession(c.Request.Context(), s))
		c.Next()
	}
}

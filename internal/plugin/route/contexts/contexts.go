package contexts

import (
	"net/http"

	"github.com/chirino/workspace-service/internal/contextdoc"
	"github.com/chirino/workspace-service/internal/layering"
	"github.com/chirino/workspace-service/internal/plugin/route/routeutil"
	registryroute "github.com/chirino/workspace-service/internal/registry/route"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/chirino/workspace-service/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "contexts",
		Order: 20,
		Type:  registryroute.RouteTypeMain,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			MountRoutes(r, deps.Store, deps.Auth)
			return nil
		},
	})
}

// MountRoutes mounts the context version routes.
func MountRoutes(r *gin.Engine, store registrystore.DocumentStore, auth gin.HandlerFunc) {
	m := contextdoc.NewManager(store)
	g := r.Group("/v1/contexts/:id", auth)

	g.GET("", func(c *gin.Context) {
		getContext(c, m)
	})
	g.GET("/resolved", func(c *gin.Context) {
		resolve(c, m)
	})
	g.POST("/versions", func(c *gin.Context) {
		createVersion(c, m)
	})
	g.PATCH("/versions/:version", func(c *gin.Context) {
		editVersion(c, m)
	})
	g.POST("/versions/:version/publish", func(c *gin.Context) {
		publishVersion(c, m)
	})
	g.DELETE("/versions/:version", func(c *gin.Context) {
		deleteVersion(c, m)
	})
}

// getContext returns the normalized content, so legacy documents are served in the
// versioned shape before their first write.
func getContext(c *gin.Context, m *contextdoc.Manager) {
	id, ok := routeutil.ParamID(c, "id")
	if !ok {
		return
	}
	sess := security.GetSession(c)
	doc, content, err := m.Load(c.Request.Context(), sess.Scope(), id)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       doc.ID,
		"name":     doc.Name,
		"path":     doc.Path,
		"version":  doc.Version,
		"content":  content,
		"resolved": content.ResolvePublished(sess.UserID),
	})
}

func resolve(c *gin.Context, m *contextdoc.Manager) {
	id, ok := routeutil.ParamID(c, "id")
	if !ok {
		return
	}
	sess := security.GetSession(c)
	v, err := m.Resolve(c.Request.Context(), sess.Scope(), id, sess.UserID)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func createVersion(c *gin.Context, m *contextdoc.Manager) {
	id, ok := routeutil.ParamID(c, "id")
	if !ok {
		return
	}
	var req struct {
		SourceVersion int    `json:"sourceVersion"`
		Description   string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	sess := security.GetSession(c)
	v, err := m.CreateVersion(c.Request.Context(), sess.Scope(), id, req.SourceVersion, req.Description, sess.UserID)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"version": v})
}

func editVersion(c *gin.Context, m *contextdoc.Manager) {
	id, ok := routeutil.ParamID(c, "id")
	if !ok {
		return
	}
	version, ok := routeutil.ParamInt(c, "version")
	if !ok {
		return
	}
	var patch layering.Fields
	if err := c.ShouldBindJSON(&patch); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	if err := m.EditVersion(c.Request.Context(), security.GetSession(c).Scope(), id, version, patch); err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func publishVersion(c *gin.Context, m *contextdoc.Manager) {
	id, ok := routeutil.ParamID(c, "id")
	if !ok {
		return
	}
	version, ok := routeutil.ParamInt(c, "version")
	if !ok {
		return
	}
	var req struct {
		Audience string `json:"audience"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			routeutil.BadRequest(c, err)
			return
		}
	}
	if err := m.PublishVersion(c.Request.Context(), security.GetSession(c).Scope(), id, version, req.Audience); err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func deleteVersion(c *gin.Context, m *contextdoc.Manager) {
	id, ok := routeutil.ParamID(c, "id")
	if !ok {
		return
	}
	version, ok := routeutil.ParamInt(c, "version")
	if !ok {
		return
	}
	sess := security.GetSession(c)
	selected := routeutil.QueryInt(c, "selected", version)
	next, err := m.DeleteVersion(c.Request.Context(), sess.Scope(), id, version, selected, sess.UserID)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"selected": next})
}

package documents

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/chirino/workspace-service/internal/connection"
	"github.com/chirino/workspace-service/internal/identity"
	"github.com/chirino/workspace-service/internal/layering"
	"github.com/chirino/workspace-service/internal/model"
	"github.com/chirino/workspace-service/internal/plugin/route/routeutil"
	"github.com/chirino/workspace-service/internal/references"
	registryroute "github.com/chirino/workspace-service/internal/registry/route"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/chirino/workspace-service/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "documents",
		Order: 10,
		Type:  registryroute.RouteTypeMain,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			MountRoutes(r, deps.Store, deps.Auth)
			return nil
		},
	})
}

// MountRoutes mounts the document CRUD, save and connection lookup routes.
func MountRoutes(r *gin.Engine, store registrystore.DocumentStore, auth gin.HandlerFunc) {
	saver := identity.NewManager(store)
	g := r.Group("/v1", auth)

	g.GET("/documents", func(c *gin.Context) {
		listDocuments(c, store)
	})
	g.POST("/documents", func(c *gin.Context) {
		createDocument(c, store)
	})
	g.POST("/documents/batch", func(c *gin.Context) {
		batchSave(c, store)
	})
	g.GET("/documents/:id", func(c *gin.Context) {
		getDocument(c, store)
	})
	g.PATCH("/documents/:id", func(c *gin.Context) {
		updateDocument(c, store)
	})
	g.DELETE("/documents/:id", func(c *gin.Context) {
		deleteDocument(c, store)
	})
	g.GET("/paths", func(c *gin.Context) {
		getByPath(c, store)
	})
	g.POST("/saves", func(c *gin.Context) {
		saveEditStates(c, store, saver)
	})
	g.GET("/connections/:name", func(c *gin.Context) {
		getConnection(c, store)
	})
}

type documentRequest struct {
	ID      *int64             `json:"id,omitempty"`
	Name    string             `json:"name"`
	Path    string             `json:"path"`
	Type    model.DocumentType `json:"type"`
	Content json.RawMessage    `json:"content"`
}

// content returns what to store for the request and the references it implies. An update
// without content keeps the stored content.
func (d documentRequest) content(userID string) (json.RawMessage, []int64, error) {
	content := d.Content
	if d.ID == nil {
		var err error
		if content, err = identity.NewContent(d.Type, content, userID, time.Now()); err != nil {
			return nil, nil, err
		}
	} else if len(content) == 0 {
		return nil, nil, nil
	} else if err := identity.CheckContentUpdate(d.Type); err != nil {
		return nil, nil, err
	}
	refs, err := references.Extract(d.Type, content)
	if err != nil {
		return nil, nil, &registrystore.ValidationError{Field: "content", Message: err.Error()}
	}
	return content, refs, nil
}

func listDocuments(c *gin.Context, store registrystore.DocumentStore) {
	q := registrystore.ListQuery{
		PathPrefixes: routeutil.QueryList(c, "path"),
		Depth:        routeutil.QueryInt(c, "depth", 0),
	}
	for _, t := range routeutil.QueryList(c, "type") {
		q.Types = append(q.Types, model.DocumentType(t))
	}
	docs, err := store.ListAll(c.Request.Context(), security.GetSession(c).Scope(), q)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": docs})
}

func createDocument(c *gin.Context, store registrystore.DocumentStore) {
	sess := security.GetSession(c)
	var req documentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	req.ID = nil
	content, refs, err := req.content(sess.UserID)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	id, err := store.Create(c.Request.Context(), sess.Scope(), registrystore.NewDocument{
		Name:       req.Name,
		Path:       req.Path,
		Type:       req.Type,
		Content:    content,
		References: refs,
		CreatedBy:  sess.UserID,
	})
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func batchSave(c *gin.Context, store registrystore.DocumentStore) {
	sess := security.GetSession(c)
	var req struct {
		Documents []documentRequest `json:"documents"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	items := make([]registrystore.BatchItem, len(req.Documents))
	for i, d := range req.Documents {
		content, refs, err := d.content(sess.UserID)
		if err != nil {
			routeutil.HandleError(c, err)
			return
		}
		items[i] = registrystore.BatchItem{
			ID:         d.ID,
			Name:       d.Name,
			Path:       d.Path,
			Type:       d.Type,
			Content:    content,
			References: refs,
			CreatedBy:  sess.UserID,
		}
	}
	ids, err := store.BatchSave(c.Request.Context(), sess.Scope(), items)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ids": ids})
}

func getDocument(c *gin.Context, store registrystore.DocumentStore) {
	id, ok := routeutil.ParamID(c, "id")
	if !ok {
		return
	}
	doc, err := store.GetByID(c.Request.Context(), security.GetSession(c).Scope(), id)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func getByPath(c *gin.Context, store registrystore.DocumentStore) {
	p := strings.TrimSpace(c.Query("path"))
	if p == "" {
		routeutil.HandleError(c, &registrystore.ValidationError{Field: "path", Message: "is required"})
		return
	}
	doc, err := store.GetByPath(c.Request.Context(), security.GetSession(c).Scope(), p)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func updateDocument(c *gin.Context, store registrystore.DocumentStore) {
	id, ok := routeutil.ParamID(c, "id")
	if !ok {
		return
	}
	scope := security.GetSession(c).Scope()
	var req struct {
		Name            *string         `json:"name"`
		Path            *string         `json:"path"`
		Content         json.RawMessage `json:"content"`
		ExpectedVersion *int64          `json:"expectedVersion"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	patch := registrystore.DocumentPatch{
		Name:            req.Name,
		Path:            req.Path,
		ExpectedVersion: req.ExpectedVersion,
	}
	if len(req.Content) > 0 {
		current, err := store.GetByID(c.Request.Context(), scope, id)
		if err != nil {
			routeutil.HandleError(c, err)
			return
		}
		if err := identity.CheckContentUpdate(current.Type); err != nil {
			routeutil.HandleError(c, err)
			return
		}
		refs, err := references.Extract(current.Type, req.Content)
		if err != nil {
			routeutil.HandleError(c, &registrystore.ValidationError{Field: "content", Message: err.Error()})
			return
		}
		patch.Content = req.Content
		patch.References = refs
	}
	if err := store.Update(c.Request.Context(), scope, id, patch); err != nil {
		routeutil.HandleError(c, err)
		return
	}
	doc, err := store.GetByID(c.Request.Context(), scope, id)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func deleteDocument(c *gin.Context, store registrystore.DocumentStore) {
	id, ok := routeutil.ParamID(c, "id")
	if !ok {
		return
	}
	deleted, err := store.Delete(c.Request.Context(), security.GetSession(c).Scope(), id)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	if !deleted {
		routeutil.HandleError(c, registrystore.DocumentNotFound(id))
		return
	}
	c.Status(http.StatusNoContent)
}

// saveItem is one layered edit state sent by an editor. A virtual id carries its whole base;
// a real id is rebased on the stored document.
type saveItem struct {
	ID          int64              `json:"id"`
	Name        string             `json:"name"`
	Path        string             `json:"path"`
	Type        model.DocumentType `json:"type"`
	Content     json.RawMessage    `json:"content"`
	Persistable layering.Fields    `json:"persistable"`
	Metadata    layering.Metadata  `json:"metadata"`
}

func saveEditStates(c *gin.Context, store registrystore.DocumentStore, saver *identity.Manager) {
	sess := security.GetSession(c)
	ctx := c.Request.Context()
	var req struct {
		Documents []saveItem `json:"documents"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	if len(req.Documents) == 0 {
		routeutil.HandleError(c, &registrystore.ValidationError{Field: "documents", Message: "is required"})
		return
	}

	now := time.Now()
	states := make([]*layering.EditState, len(req.Documents))
	for i, item := range req.Documents {
		var base model.Document
		switch {
		case item.ID == 0:
			routeutil.HandleError(c, &registrystore.ValidationError{Field: "id", Message: "is required"})
			return
		case identity.IsVirtual(item.ID):
			base = model.Document{
				ID:        item.ID,
				Name:      item.Name,
				Path:      item.Path,
				Type:      item.Type,
				Content:   item.Content,
				CreatedBy: sess.UserID,
			}
		default:
			doc, err := store.GetByID(ctx, sess.Scope(), item.ID)
			if err != nil {
				routeutil.HandleError(c, err)
				return
			}
			base = *doc
		}
		st := layering.NewEditState(base, now)
		st.SetPersistable(item.Persistable)
		st.Metadata = item.Metadata
		states[i] = st
	}

	var results []identity.SaveResult
	var err error
	if len(states) == 1 {
		var res identity.SaveResult
		res, err = saver.Save(ctx, sess.Scope(), states[0])
		results = []identity.SaveResult{res}
	} else {
		results, err = saver.SaveBatch(ctx, sess.Scope(), states)
	}
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func getConnection(c *gin.Context, store registrystore.DocumentStore) {
	res, err := connection.Lookup(c.Request.Context(), store, security.GetSession(c).Scope(), c.Param("name"))
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

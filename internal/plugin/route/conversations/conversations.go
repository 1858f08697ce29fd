package conversations

import (
	"encoding/json"
	"net/http"

	"github.com/chirino/workspace-service/internal/config"
	"github.com/chirino/workspace-service/internal/conversation"
	"github.com/chirino/workspace-service/internal/plugin/route/routeutil"
	registryroute "github.com/chirino/workspace-service/internal/registry/route"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/chirino/workspace-service/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "conversations",
		Order: 30,
		Type:  registryroute.RouteTypeMain,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			MountRoutes(r, deps.Store, deps.Config, deps.Auth)
			return nil
		},
	})
}

// MountRoutes mounts the conversation routes.
func MountRoutes(r *gin.Engine, store registrystore.DocumentStore, cfg *config.Config, auth gin.HandlerFunc) {
	engine := conversation.NewEngine(store, conversation.Options{
		Root:          cfg.ConversationRoot,
		NameMaxLength: cfg.ConversationNameMaxLength,
	})
	g := r.Group("/v1", auth)

	g.POST("/conversations", func(c *gin.Context) {
		createConversation(c, engine)
	})
	g.GET("/conversations/:conversationId", func(c *gin.Context) {
		getConversation(c, engine)
	})
	g.POST("/conversations/:conversationId/log", func(c *gin.Context) {
		appendLog(c, engine)
	})
}

func createConversation(c *gin.Context, engine *conversation.Engine) {
	var req struct {
		FirstMessage string `json:"firstMessage"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			routeutil.BadRequest(c, err)
			return
		}
	}
	id, content, err := engine.GetOrCreate(c.Request.Context(), security.GetSession(c), nil, req.FirstMessage)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "content": content})
}

func getConversation(c *gin.Context, engine *conversation.Engine) {
	id, ok := routeutil.ParamID(c, "conversationId")
	if !ok {
		return
	}
	_, content, err := engine.GetOrCreate(c.Request.Context(), security.GetSession(c), &id, "")
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "content": content})
}

func appendLog(c *gin.Context, engine *conversation.Engine) {
	id, ok := routeutil.ParamID(c, "conversationId")
	if !ok {
		return
	}
	var req struct {
		Entries           []json.RawMessage `json:"entries"`
		ExpectedLogLength *int              `json:"expectedLogLength"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	if req.ExpectedLogLength == nil {
		routeutil.HandleError(c, &registrystore.ValidationError{Field: "expectedLogLength", Message: "is required"})
		return
	}
	if len(req.Entries) == 0 {
		routeutil.HandleError(c, &registrystore.ValidationError{Field: "entries", Message: "must not be empty"})
		return
	}
	res, err := engine.AppendLog(c.Request.Context(), security.GetSession(c), id, req.Entries, *req.ExpectedLogLength)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	status := http.StatusOK
	if res.Forked {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chirino/workspace-service/internal/config"
	"github.com/chirino/workspace-service/internal/testutil/testsqlite"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestMaxBodySizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/documents", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader("0123456789"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader("012"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "3", rec.Body.String())
}

func readBodyLengthHandler(c *gin.Context) {
	n, err := io.Copy(io.Discard, c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	c.String(http.StatusOK, "%d", n)
}

type client struct {
	t      *testing.T
	router http.Handler
	tenant string
	user   string
}

func (c *client) do(method, path string, body any) (int, map[string]any) {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec.Code, out
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = testsqlite.DatabaseURL(t)
	cfg.CacheType = "local"
	cfg.Listener.Port = 0
	cfg.Listener.EnableTLS = false

	ctx, cancel := context.WithCancel(context.Background())
	ctx = config.WithContext(ctx, &cfg)
	srv, err := StartServer(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown(context.Background())
	})
	return srv
}

func TestServerEndToEnd(t *testing.T) {
	srv := startTestServer(t)
	require.NotZero(t, srv.Main.Port)
	c := &client{t: t, router: srv.Router, tenant: "acme", user: "u1"}

	code, _ := (&client{t: t, router: srv.Router}).do(http.MethodGet, "/v1/documents", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, body := c.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
	code, _ = c.do(http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, code)

	// Virtual question saved through the identity manager.
	code, body = c.do(http.MethodPost, "/v1/saves", map[string]any{
		"documents": []map[string]any{{
			"id": -1700000000000, "name": "Revenue", "path": "/org/revenue", "type": "question",
			"persistable": map[string]any{"query": "select 1"},
		}},
	})
	require.Equal(t, http.StatusOK, code, body)
	results := body["results"].([]any)
	qID := int64(results[0].(map[string]any)["id"].(float64))
	require.Greater(t, qID, int64(0))

	code, body = c.do(http.MethodGet, fmt.Sprintf("/v1/documents/%d", qID), nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "select 1", body["content"].(map[string]any)["query"])
	require.Empty(t, body["references"])

	// Other tenants cannot see it.
	other := &client{t: t, router: srv.Router, tenant: "globex", user: "u1"}
	code, _ = other.do(http.MethodGet, fmt.Sprintf("/v1/documents/%d", qID), nil)
	require.Equal(t, http.StatusNotFound, code)

	// Path collisions are conflicts, config documents cannot be deleted.
	code, _ = c.do(http.MethodPost, "/v1/documents", map[string]any{
		"name": "Dup", "path": "/org/revenue", "type": "question", "content": map[string]any{"query": "x"},
	})
	require.Equal(t, http.StatusConflict, code)
	code, body = c.do(http.MethodPost, "/v1/documents", map[string]any{
		"name": "Settings", "path": "/org/settings", "type": "config", "content": map[string]any{"theme": "dark"},
	})
	require.Equal(t, http.StatusCreated, code)
	code, _ = c.do(http.MethodDelete, fmt.Sprintf("/v1/documents/%d", int64(body["id"].(float64))), nil)
	require.Equal(t, http.StatusUnprocessableEntity, code)

	// Context versions.
	code, body = c.do(http.MethodPost, "/v1/documents", map[string]any{
		"name": "Sales", "path": "/org/sales", "type": "context", "content": map[string]any{"text": "v1"},
	})
	require.Equal(t, http.StatusCreated, code)
	ctxID := int64(body["id"].(float64))
	code, body = c.do(http.MethodPost, fmt.Sprintf("/v1/contexts/%d/versions", ctxID), map[string]any{"sourceVersion": 1, "description": "draft"})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, float64(2), body["version"])
	code, _ = c.do(http.MethodDelete, fmt.Sprintf("/v1/contexts/%d/versions/1", ctxID), nil)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	code, _ = c.do(http.MethodPost, fmt.Sprintf("/v1/contexts/%d/versions/2/publish", ctxID), nil)
	require.Equal(t, http.StatusNoContent, code)
	code, body = c.do(http.MethodDelete, fmt.Sprintf("/v1/contexts/%d/versions/1?selected=1", ctxID), nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(2), body["selected"])

	// Conversations fork on a stale append.
	code, body = c.do(http.MethodPost, "/v1/conversations", map[string]any{"firstMessage": "How are sales?"})
	require.Equal(t, http.StatusCreated, code)
	convID := int64(body["id"].(float64))
	logPath := fmt.Sprintf("/v1/conversations/%d/log", convID)
	code, _ = c.do(http.MethodPost, logPath, map[string]any{"entries": []any{"a", "b", "c"}, "expectedLogLength": 0})
	require.Equal(t, http.StatusOK, code)
	code, body = c.do(http.MethodPost, logPath, map[string]any{"entries": []any{"d"}, "expectedLogLength": 2})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, true, body["forked"])
	require.NotEqual(t, float64(convID), body["conversationId"])
}

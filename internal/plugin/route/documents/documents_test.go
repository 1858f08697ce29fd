package documents

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/workspace-service/internal/model"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/chirino/workspace-service/internal/security"
	"github.com/chirino/workspace-service/internal/testutil/testsqlite"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) (*gin.Engine, registrystore.DocumentStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := testsqlite.NewStore(t)
	r := gin.New()
	MountRoutes(r, store, security.SessionMiddleware())
	return r, store
}

func call(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(security.HeaderTenantID, "acme")
	req.Header.Set(security.HeaderUserID, "u1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCreateDerivesReferences(t *testing.T) {
	r, store := newRouter(t)
	rec := call(t, r, http.MethodPost, "/v1/documents", map[string]any{
		"name": "Q", "path": "/q", "type": "question", "content": map[string]any{"query": "select 1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct{ ID int64 }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = call(t, r, http.MethodPost, "/v1/documents", map[string]any{
		"name": "D", "path": "/d", "type": "dashboard",
		"content": map[string]any{"assets": []any{
			map[string]any{"type": "question", "id": created.ID},
			map[string]any{"type": "question", "id": created.ID},
			map[string]any{"type": "text"},
		}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var dash struct{ ID int64 }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dash))

	doc, err := store.GetByID(t.Context(), registrystore.Scope{TenantID: "acme", Mode: model.ModeOrg}, dash.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{created.ID}, doc.References)
	require.Equal(t, "u1", doc.CreatedBy)
}

func TestPatchWithStaleVersionConflicts(t *testing.T) {
	r, _ := newRouter(t)
	rec := call(t, r, http.MethodPost, "/v1/documents", map[string]any{
		"name": "Q", "path": "/q", "type": "question", "content": map[string]any{"query": "select 1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct{ ID int64 }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	path := fmt.Sprintf("/v1/documents/%d", created.ID)

	rec = call(t, r, http.MethodPatch, path, map[string]any{"name": "Q2", "expectedVersion": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	var doc model.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, int64(2), doc.Version)

	rec = call(t, r, http.MethodPatch, path, map[string]any{"name": "Q3", "expectedVersion": 1})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, r, http.MethodGet, "/v1/paths?path=/q", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, "Q2", doc.Name)
}

func TestBatchSaveRollsBack(t *testing.T) {
	r, _ := newRouter(t)
	rec := call(t, r, http.MethodPost, "/v1/documents/batch", map[string]any{
		"documents": []any{
			map[string]any{"name": "A", "path": "/a", "type": "question", "content": map[string]any{"query": "a"}},
			map[string]any{"name": "B", "path": "/a", "type": "question", "content": map[string]any{"query": "b"}},
			map[string]any{"name": "C", "path": "/c", "type": "question", "content": map[string]any{"query": "c"}},
		},
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, r, http.MethodGet, "/v1/documents?type=question", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct{ Data []model.Document }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Empty(t, list.Data)
}

func TestSaveBatchOfEditStates(t *testing.T) {
	r, _ := newRouter(t)
	rec := call(t, r, http.MethodPost, "/v1/saves", map[string]any{
		"documents": []any{
			map[string]any{"id": -2, "name": "One", "path": "/org/x", "type": "question", "persistable": map[string]any{"query": "1"}},
			map[string]any{"id": -3, "name": "Two", "path": "/org/x", "type": "question", "persistable": map[string]any{"query": "2"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Results []struct {
			ID         int64
			Path       string
			PreviousID int64
		}
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Results, 2)
	require.Equal(t, "/org/one", out.Results[0].Path)
	require.Equal(t, "/org/two", out.Results[1].Path)
	require.Equal(t, int64(-3), out.Results[1].PreviousID)

	rec = call(t, r, http.MethodPost, "/v1/saves", map[string]any{
		"documents": []any{map[string]any{"id": 0, "name": "Z", "type": "question"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteAndConnectionLookup(t *testing.T) {
	r, _ := newRouter(t)
	rec := call(t, r, http.MethodPost, "/v1/documents", map[string]any{
		"name": "warehouse", "path": "/database/warehouse", "type": "connection",
		"content": map[string]any{"type": "postgresql", "config": map[string]any{"password": "p", "host": "h"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct{ ID int64 }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = call(t, r, http.MethodGet, "/v1/connections/warehouse", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), `"p"`)

	rec = call(t, r, http.MethodDelete, fmt.Sprintf("/v1/documents/%d", created.ID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = call(t, r, http.MethodDelete, fmt.Sprintf("/v1/documents/%d", created.ID), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = call(t, r, http.MethodGet, "/v1/connections/warehouse", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEngineOwnedContentIsProtected(t *testing.T) {
	r, store := newRouter(t)
	scope := registrystore.Scope{TenantID: "acme", Mode: model.ModeOrg}
	convID, err := store.Create(t.Context(), scope, registrystore.NewDocument{
		Name: "Chat", Path: "/conversations/u1/chat", Type: model.TypeConversation,
		Content: json.RawMessage(`{"metadata":{"userId":"u1","name":"Chat","logLength":1},"log":["a"]}`),
	})
	require.NoError(t, err)
	path := fmt.Sprintf("/v1/documents/%d", convID)

	rec := call(t, r, http.MethodPatch, path, map[string]any{"content": map[string]any{"log": []any{}}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = call(t, r, http.MethodPatch, path, map[string]any{"name": "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	var doc model.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, "Renamed", doc.Name)
	require.JSONEq(t, `{"metadata":{"userId":"u1","name":"Chat","logLength":1},"log":["a"]}`, string(doc.Content))

	rec = call(t, r, http.MethodPost, "/v1/documents/batch", map[string]any{
		"documents": []any{map[string]any{"id": convID, "name": "Chat", "path": "/conversations/u1/chat", "type": "conversation", "content": map[string]any{"log": []any{}}}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, r, http.MethodPost, "/v1/documents", map[string]any{
		"name": "Chat 2", "path": "/conversations/u1/chat-2", "type": "conversation", "content": map[string]any{"log": []any{}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, r, http.MethodPost, "/v1/documents", map[string]any{
		"name": "Sales", "path": "/org/sales", "type": "context",
		"content": map[string]any{"versions": []any{map[string]any{"version": 1, "payload": map[string]any{}}}, "published": map[string]any{"all": 3}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// Package storetest holds the behavior every DocumentStore backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/chirino/workspace-service/internal/model"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises store. Every subtest works in its own tenant so a single store can be shared.
func Run(t *testing.T, ctx context.Context, store registrystore.DocumentStore) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, ctx, store) })
	t.Run("ScopeIsolation", func(t *testing.T) { testScopeIsolation(t, ctx, store) })
	t.Run("EmptyScopeRejected", func(t *testing.T) { testEmptyScope(t, ctx, store) })
	t.Run("PathConflict", func(t *testing.T) { testPathConflict(t, ctx, store) })
	t.Run("UpdateBumpsVersion", func(t *testing.T) { testUpdate(t, ctx, store) })
	t.Run("UpdateExpectedVersion", func(t *testing.T) { testCompareAndSwap(t, ctx, store) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, ctx, store) })
	t.Run("BatchSaveAtomic", func(t *testing.T) { testBatchAtomic(t, ctx, store) })
	t.Run("BatchSaveMixed", func(t *testing.T) { testBatchMixed(t, ctx, store) })
	t.Run("BatchSaveRejectsVirtualIDs", func(t *testing.T) { testBatchVirtual(t, ctx, store) })
	t.Run("DeleteConstraints", func(t *testing.T) { testDeleteConstraints(t, ctx, store) })
	t.Run("ListAll", func(t *testing.T) { testListAll(t, ctx, store) })
}

// NewScope returns a scope in a tenant no other test uses.
func NewScope() registrystore.Scope {
	return registrystore.Scope{TenantID: "tenant-" + uuid.NewString(), Mode: model.ModeOrg}
}

func question(name, path string) registrystore.NewDocument {
	return registrystore.NewDocument{
		Name:       name,
		Path:       path,
		Type:       model.TypeQuestion,
		Content:    json.RawMessage(`{"query":"select 1","databaseName":"main"}`),
		References: []int64{},
		CreatedBy:  "u1",
	}
}

func testCreateAndGet(t *testing.T, ctx context.Context, store registrystore.DocumentStore) {
	scope := NewScope()
	id, err := store.Create(ctx, scope, question("Revenue", "/org/revenue"))
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	doc, err := store.GetByID(ctx, scope, id)
	require.NoError(t, err)
	assert.Equal(t, "Revenue", doc.Name)
	assert.Equal(t, "/org/revenue", doc.Path)
	assert.Equal(t, model.TypeQuestion, doc.Type)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, []int64{}, doc.References)
	assert.Equal(t, "u1", doc.CreatedBy)
	assert.JSONEq(t, `{"query":"select 1","databaseName":"main"}`, string(doc.Content))

	byPath, err := store.GetByPath(ctx, scope, "/org/revenue")
	require.NoError(t, err)
	assert.Equal(t, id, byPath.ID)

	_, err = store.GetByPath(ctx, scope, "/org/missing")
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func testScopeIsolation(t *testing.T, ctx context.Context, store registrystore.DocumentStore) {
	scope := NewScope()
	id, err := store.Create(ctx, scope, question("Q", "/q"))
	require.NoError(t, err)

	var nf *registrystore.NotFoundError
	_, err = store.GetByID(ctx, NewScope(), id)
	require.ErrorAs(t, err, &nf)

	tutorial := registrystore.Scope{TenantID: scope.TenantID, Mode: model.ModeTutorial}
	_, err = store.GetByID(ctx, tutorial, id)
	require.ErrorAs(t, err, &nf)

	// Same path is free in another mode.
	_, err = store.Create(ctx, tutorial, question("Q", "/q"))
	require.NoError(t, err)

	name := "hijacked"
	err = store.Update(ctx, NewScope(), id, registrystore.DocumentPatch{Name: &name})
	require.ErrorAs(t, err, &nf)

	deleted, err := store.Delete(ctx, NewScope(), id)
	require.NoError(t, err)
	require.False(t, deleted)

	doc, err := store.GetByID(ctx, scope, id)
	require.NoError(t, err)
	require.Equal(t, "Q", doc.Name)
}

func testEmptyScope(t *testing.T, ctx context.Context, store registrystore.DocumentStore) {
	var ve *registrystore.ValidationError
	_, err := store.Create(ctx, registrystore.Scope{Mode: model.ModeOrg}, question("Q", "/q"))
	require.ErrorAs(t, err, &ve)
	_, err = store.ListAll(ctx, registrystore.Scope{TenantID: "t"}, registrystore.ListQuery{})
	require.ErrorAs(t, err, &ve)
}

func testPathConflict(t *testing.T, ctx context.Context, store registrystore.DocumentStore) {
	scope := NewScope()
	_, err := store.Create(ctx, scope, question("A", "/a"))
	require.NoError(t, err)
	bID, err := store.Create(ctx, scope, question("B", "/b"))
	require.NoError(t, err)

	var pc *registrystore.PathConflictError
	_, err = store.Create(ctx, scope, question("A again", "/a"))
	require.ErrorAs(t, err, &pc)
	require.Equal(t, "/a", pc.Path)

	path := "/a"
	err = store.Update(ctx, scope, bID, registrystore.DocumentPatch{Path: &path})
	require.ErrorAs(t, err, &pc)

	doc, err := store.GetByID(ctx, scope, bID)
	require.NoError(t, err)
	require.Equal(t, "/b", doc.Path)
	require.Equal(t, int64(1), doc.Version)
}

func testUpdate(t *testing.T, ctx context.Context, store registrystore.DocumentStore) {
	scope := NewScope()
	id, err := store.Create(ctx, scope, question("Q", "/q"))
	require.NoError(t, err)
	// Populate any read cache so the update must invalidate it.
	_, err = store.GetByID(ctx, scope, id)
	require.NoError(t, err)

	name := "Q2"
	err = store.Update(ctx, scope, id, registrystore.DocumentPatch{
		Name:       &name,
		Content:    json.RawMessage(`{"query":"select 2"}`),
		References: []int64{7},
	})
	require.NoError(t, err)

	doc, err := store.GetByID(ctx, scope, id)
	require.NoError(t, err)
	assert.Equal(t, "Q2", doc.Name)
	assert.Equal(t, "/q", doc.Path)
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, []int64{7}, doc.References)
	assert.JSONEq(t, `{"query":"select 2"}`, string(doc.Content))
}

func testCompareAndSwap(t *testing.T, ctx context.Context, store registrystore.DocumentStore) {
	scope := NewScope()
	id, err := store.Create(ctx, scope, question("Q", "/q"))
	require.NoError(t, err)

	v1 := int64(1)
	first := "first"
	require.NoError(t, store.Update(ctx, scope, id, registrystore.DocumentPatch{Name: &first, ExpectedVersion: &v1}))

	second := "second"
	err = store.Update(ctx, scope, id, registrystore.DocumentPatch{Name: &second, ExpectedVersion: &v1})
	var ce *registrystore.ConflictError
	require.ErrorAs(t, err, &ce)

	doc, err := store.GetByID(ctx, scope, id)
	require.NoError(t, err)
	require.Equal(t, "first", doc.Name)
	require.Equal(t, int64(2), doc.Version)
}

func testUpdateMissing(t *testing.T, ctx context.Context, store registrystore.DocumentStore) {
	name := "x"
	err := store.Update(ctx, NewScope(), 987654321, registrystore.DocumentPatch{Name: &name})
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func testBatchAtomic(t *testing.T, ctx context.Context, store registrystore.DocumentStore) {
	scope := NewScope()
	_, err := store.Create(ctx, scope, question("Taken", "/taken"))
	require.NoError(t, err)

	items := []registrystore.BatchItem{
		{Name: "One", Path: "/one", Type: model.TypeQuestion, Content: json.RawMessage(`{}`)},
		{Name: "Two", Path: "/taken", Type: model.TypeQuestion, Content: json.RawMessage(`{}`)},
		{Name: "Three", Path: "/three", Type: model.TypeQuestion, Content: json.RawMessage(`{}`)},
	}
	ids, err := store.BatchSave(ctx, scope, items)
	require.Error(t, err)
	require.Nil(t, ids)
	var pc *registrystore.PathConflictError
	require.True(t, errors.As(err, &pc), "batch error should unwrap to PathConflictError: %v", err)
	require.Contains(t, err.Error(), "batch item 1")

	var nf *registrystore.NotFoundError
	_, err = store.GetByPath(ctx, scope, "/one")
	require.ErrorAs(t, err, &nf)
	_, err = store.GetByPath(ctx, scope, "/three")
	require.ErrorAs(t, err, &nf)
}

func testBatchMixed(t *testing.T, ctx context.Context, store registrystore.DocumentStore) {
	scope := NewScope()
	qID, err := store.Create(ctx, scope, question("Q", "/q"))
	require.NoError(t, err)

	ids, err := store.BatchSave(ctx, scope, []registrystore.BatchItem{
		{ID: &qID, Name: "Q renamed", Path: "/q", Type: model.TypeQuestion, Content: json.RawMessage(`{"query":"select 3"}`), References: []int64{}},
		{Name: "Dash", Path: "/dash", Type: model.TypeDashboard,
			Content:    json.RawMessage(`{"assets":[{"type":"question","id":` + jsonInt(qID) + `}]}`),
			References: []int64{qID}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Equal(t, qID, ids[0])
	require.Greater(t, ids[1], int64(0))

	q, err := store.GetByID(ctx, scope, qID)
	require.NoError(t, err)
	require.Equal(t, "Q renamed", q.Name)
	require.Equal(t, int64(2), q.Version)

	dash, err := store.GetByID(ctx, scope, ids[1])
	require.NoError(t, err)
	require.Equal(t, []int64{qID}, dash.References)
}

func testBatchVirtual(t *testing.T, ctx context.Context, store registrystore.DocumentStore) {
	scope := NewScope()
	virtual := int64(-1700000000000)
	_, err := store.BatchSave(ctx, scope, []registrystore.BatchItem{
		{ID: &virtual, Name: "V", Path: "/v", Type: model.TypeQuestion, Content: json.RawMessage(`{}`)},
	})
	var ve *registrystore.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = store.Create(ctx, scope, registrystore.NewDocument{
		Name: "D", Path: "/d", Type: model.TypeDashboard, Content: json.RawMessage(`{}`), References: []int64{virtual},
	})
	require.ErrorAs(t, err, &ve)
}

func testDeleteConstraints(t *testing.T, ctx context.Context, store registrystore.DocumentStore) {
	scope := NewScope()
	cfgID, err := store.Create(ctx, scope, registrystore.NewDocument{
		Name: "settings", Path: "/settings", Type: model.TypeConfig, Content: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	folderID, err := store.Create(ctx, scope, registrystore.NewDocument{
		Name: "team", Path: "/team", Type: model.TypeFolder, Content: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	childID, err := store.Create(ctx, scope, question("Child", "/team/child"))
	require.NoError(t, err)
	// A sibling sharing the name prefix is not a child.
	_, err = store.Create(ctx, scope, question("Sibling", "/teammates"))
	require.NoError(t, err)

	var ce *registrystore.ConstraintError
	_, err = store.Delete(ctx, scope, cfgID)
	require.ErrorAs(t, err, &ce)
	_, err = store.Delete(ctx, scope, folderID)
	require.ErrorAs(t, err, &ce)

	deleted, err := store.Delete(ctx, scope, childID)
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = store.Delete(ctx, scope, folderID)
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = store.Delete(ctx, scope, folderID)
	require.NoError(t, err)
	require.False(t, deleted)

	var nf *registrystore.NotFoundError
	_, err = store.GetByID(ctx, scope, folderID)
	require.ErrorAs(t, err, &nf)
}

func testListAll(t *testing.T, ctx context.Context, store registrystore.DocumentStore) {
	scope := NewScope()
	for _, d := range []registrystore.NewDocument{
		question("Top", "/a"),
		question("Nested", "/a/b"),
		question("Deep", "/a/b/c"),
		question("Other", "/ab"),
		{Name: "Ctx", Path: "/a/ctx", Type: model.TypeContext, Content: json.RawMessage(`{}`)},
	} {
		_, err := store.Create(ctx, scope, d)
		require.NoError(t, err)
	}
	paths := func(docs []model.Document) []string {
		out := make([]string, len(docs))
		for i, d := range docs {
			out[i] = d.Path
		}
		return out
	}

	all, err := store.ListAll(ctx, scope, registrystore.ListQuery{})
	require.NoError(t, err)
	require.Equal(t, []string{"/a", "/a/b", "/a/b/c", "/a/ctx", "/ab"}, paths(all))

	under, err := store.ListAll(ctx, scope, registrystore.ListQuery{PathPrefixes: []string{"/a"}, Depth: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"/a", "/a/b", "/a/ctx"}, paths(under))

	questions, err := store.ListAll(ctx, scope, registrystore.ListQuery{
		Types:        []model.DocumentType{model.TypeQuestion},
		PathPrefixes: []string{"/a/"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"/a", "/a/b", "/a/b/c"}, paths(questions))

	empty, err := store.ListAll(ctx, NewScope(), registrystore.ListQuery{})
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)
}

func jsonInt(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

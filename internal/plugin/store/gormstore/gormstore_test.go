package gormstore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chirino/workspace-service/internal/config"
	"github.com/chirino/workspace-service/internal/model"
	"github.com/chirino/workspace-service/internal/plugin/cache/local"
	"github.com/chirino/workspace-service/internal/plugin/store/gormstore"
	"github.com/chirino/workspace-service/internal/plugin/store/sqlite"
	registrymigrate "github.com/chirino/workspace-service/internal/registry/migrate"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/chirino/workspace-service/internal/testutil/storetest"
	"github.com/chirino/workspace-service/internal/testutil/testsqlite"
	"github.com/stretchr/testify/require"
)

func newCachedStore(t *testing.T) (*gormstore.Store, context.Context) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = testsqlite.DatabaseURL(t)
	ctx := config.WithContext(context.Background(), &cfg)
	require.NoError(t, registrymigrate.RunAll(ctx))

	db, err := sqlite.Open(cfg.DBURL)
	require.NoError(t, err)
	c, err := local.New(1<<20, time.Minute)
	require.NoError(t, err)
	return gormstore.New(db, gormstore.Options{Cache: c, CacheTTL: time.Minute, IsUniqueViolation: sqlite.IsUniqueViolation}), ctx
}

func TestCachedStoreConformance(t *testing.T) {
	store, ctx := newCachedStore(t)
	storetest.Run(t, ctx, store)
}

func TestGetByIDServesFromCache(t *testing.T) {
	store, ctx := newCachedStore(t)
	scope := storetest.NewScope()

	id, err := store.Create(ctx, scope, registrystore.NewDocument{
		Name: "Q", Path: "/q", Type: model.TypeQuestion, Content: json.RawMessage(`{"query":"select 1"}`),
	})
	require.NoError(t, err)
	_, err = store.GetByID(ctx, scope, id)
	require.NoError(t, err)

	// A write that bypasses the store is invisible until the entry is invalidated.
	require.NoError(t, store.DB().Exec("UPDATE documents SET name = ? WHERE id = ?", "outside", id).Error)
	doc, err := store.GetByID(ctx, scope, id)
	require.NoError(t, err)
	require.Equal(t, "Q", doc.Name)

	name := "inside"
	require.NoError(t, store.Update(ctx, scope, id, registrystore.DocumentPatch{Name: &name}))
	doc, err = store.GetByID(ctx, scope, id)
	require.NoError(t, err)
	require.Equal(t, "inside", doc.Name)
}

func TestBatchSaveInvalidatesUpdatedEntries(t *testing.T) {
	store, ctx := newCachedStore(t)
	scope := storetest.NewScope()

	id, err := store.Create(ctx, scope, registrystore.NewDocument{
		Name: "Q", Path: "/q", Type: model.TypeQuestion, Content: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	_, err = store.GetByID(ctx, scope, id)
	require.NoError(t, err)

	_, err = store.BatchSave(ctx, scope, []registrystore.BatchItem{
		{ID: &id, Name: "Q2", Path: "/q2", Type: model.TypeQuestion, Content: json.RawMessage(`{"query":"x"}`)},
	})
	require.NoError(t, err)

	doc, err := store.GetByID(ctx, scope, id)
	require.NoError(t, err)
	require.Equal(t, "/q2", doc.Path)
	require.JSONEq(t, `{"query":"x"}`, string(doc.Content))
}

func TestUpdateRejectsReferencesWithoutContent(t *testing.T) {
	store, ctx := newCachedStore(t)
	scope := storetest.NewScope()
	id, err := store.Create(ctx, scope, registrystore.NewDocument{
		Name: "Q", Path: "/q", Type: model.TypeQuestion, Content: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	err = store.Update(ctx, scope, id, registrystore.DocumentPatch{References: []int64{1}})
	var ve *registrystore.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestBatchSaveRejectsTypeChange(t *testing.T) {
	store, ctx := newCachedStore(t)
	scope := storetest.NewScope()
	id, err := store.Create(ctx, scope, registrystore.NewDocument{
		Name: "R", Path: "/r", Type: model.TypeReport, Content: json.RawMessage(`{"references":[]}`),
	})
	require.NoError(t, err)

	_, err = store.BatchSave(ctx, scope, []registrystore.BatchItem{
		{ID: &id, Name: "R", Path: "/r", Type: model.TypeQuestion, Content: json.RawMessage(`{"query":"x"}`)},
	})
	var ve *registrystore.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "type", ve.Field)

	doc, err := store.GetByID(ctx, scope, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"references":[]}`, string(doc.Content))
}

func TestFreshReadBypassesCache(t *testing.T) {
	store, ctx := newCachedStore(t)
	scope := storetest.NewScope()
	id, err := store.Create(ctx, scope, registrystore.NewDocument{
		Name: "Q", Path: "/q", Type: model.TypeQuestion, Content: json.RawMessage(`{"query":"select 1"}`),
	})
	require.NoError(t, err)
	_, err = store.GetByID(ctx, scope, id)
	require.NoError(t, err)

	require.NoError(t, store.DB().Exec("UPDATE documents SET name = ?, version = version + 1 WHERE id = ?", "outside", id).Error)

	doc, err := store.GetByID(registrystore.WithFreshRead(ctx), scope, id)
	require.NoError(t, err)
	require.Equal(t, "outside", doc.Name)
	require.Equal(t, int64(2), doc.Version)

	// The fresh read replaced the stale entry.
	doc, err = store.GetByID(ctx, scope, id)
	require.NoError(t, err)
	require.Equal(t, "outside", doc.Name)
}

func TestConflictDropsCachedEntry(t *testing.T) {
	store, ctx := newCachedStore(t)
	scope := storetest.NewScope()
	id, err := store.Create(ctx, scope, registrystore.NewDocument{
		Name: "Q", Path: "/q", Type: model.TypeQuestion, Content: json.RawMessage(`{"query":"select 1"}`),
	})
	require.NoError(t, err)
	cached, err := store.GetByID(ctx, scope, id)
	require.NoError(t, err)

	require.NoError(t, store.DB().Exec("UPDATE documents SET version = version + 1 WHERE id = ?", id).Error)

	name := "mine"
	err = store.Update(ctx, scope, id, registrystore.DocumentPatch{Name: &name, ExpectedVersion: &cached.Version})
	var conflict *registrystore.ConflictError
	require.ErrorAs(t, err, &conflict)

	doc, err := store.GetByID(ctx, scope, id)
	require.NoError(t, err)
	require.Equal(t, int64(2), doc.Version)
}

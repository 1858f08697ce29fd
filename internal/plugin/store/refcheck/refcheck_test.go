package refcheck_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/chirino/workspace-service/internal/model"
	"github.com/chirino/workspace-service/internal/plugin/store/refcheck"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/chirino/workspace-service/internal/testutil/storetest"
	"github.com/chirino/workspace-service/internal/testutil/testsqlite"
	"github.com/stretchr/testify/require"
)

func TestCreateRejectsMismatchedReferences(t *testing.T) {
	ctx := context.Background()
	store := refcheck.Wrap(testsqlite.NewStore(t))
	scope := storetest.NewScope()

	dashboard := json.RawMessage(`{"assets":[{"type":"question","id":5},{"type":"text","id":9},{"type":"question","id":5}]}`)

	_, err := store.Create(ctx, scope, registrystore.NewDocument{
		Name: "D", Path: "/d", Type: model.TypeDashboard, Content: dashboard, References: []int64{},
	})
	var ve *registrystore.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "references", ve.Field)

	id, err := store.Create(ctx, scope, registrystore.NewDocument{
		Name: "D", Path: "/d", Type: model.TypeDashboard, Content: dashboard, References: []int64{5},
	})
	require.NoError(t, err)

	doc, err := store.GetByID(ctx, scope, id)
	require.NoError(t, err)
	require.Equal(t, []int64{5}, doc.References)
}

func TestUpdateChecksAgainstStoredType(t *testing.T) {
	ctx := context.Background()
	store := refcheck.Wrap(testsqlite.NewStore(t))
	scope := storetest.NewScope()

	id, err := store.Create(ctx, scope, registrystore.NewDocument{
		Name: "R", Path: "/r", Type: model.TypeReport, Content: json.RawMessage(`{"references":[]}`), References: []int64{},
	})
	require.NoError(t, err)

	content := json.RawMessage(`{"references":[{"reference":{"id":3,"type":"question"},"prompt":"summarize"}]}`)
	err = store.Update(ctx, scope, id, registrystore.DocumentPatch{Content: content, References: []int64{}})
	var ve *registrystore.ValidationError
	require.ErrorAs(t, err, &ve)

	require.NoError(t, store.Update(ctx, scope, id, registrystore.DocumentPatch{Content: content, References: []int64{3}}))

	// Metadata-only updates are not checked.
	name := "Renamed"
	require.NoError(t, store.Update(ctx, scope, id, registrystore.DocumentPatch{Name: &name}))
}

func TestBatchSaveRejectsBeforeWriting(t *testing.T) {
	ctx := context.Background()
	store := refcheck.Wrap(testsqlite.NewStore(t))
	scope := storetest.NewScope()

	_, err := store.BatchSave(ctx, scope, []registrystore.BatchItem{
		{Name: "Q", Path: "/q", Type: model.TypeQuestion, Content: json.RawMessage(`{"query":"select 1"}`), References: []int64{}},
		{Name: "D", Path: "/dash", Type: model.TypeDashboard, Content: json.RawMessage(`{"assets":[{"type":"question","id":1}]}`)},
	})
	var ve *registrystore.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Contains(t, err.Error(), "batch item 1")

	var nf *registrystore.NotFoundError
	_, err = store.GetByPath(ctx, scope, "/q")
	require.ErrorAs(t, err, &nf)
}

func TestBatchUpdateChecksAgainstStoredType(t *testing.T) {
	ctx := context.Background()
	store := refcheck.Wrap(testsqlite.NewStore(t))
	scope := storetest.NewScope()

	id, err := store.Create(ctx, scope, registrystore.NewDocument{
		Name: "R", Path: "/r", Type: model.TypeReport, Content: json.RawMessage(`{"references":[]}`), References: []int64{},
	})
	require.NoError(t, err)

	// Under the question schema this content references nothing; as a report it references 3.
	content := json.RawMessage(`{"query":"select 1","references":[{"reference":{"id":3}}]}`)
	_, err = store.BatchSave(ctx, scope, []registrystore.BatchItem{
		{ID: &id, Name: "R", Path: "/r", Type: model.TypeQuestion, Content: content, References: []int64{}},
	})
	var ve *registrystore.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "type", ve.Field)

	_, err = store.BatchSave(ctx, scope, []registrystore.BatchItem{
		{ID: &id, Name: "R", Path: "/r", Type: model.TypeReport, Content: content, References: []int64{}},
	})
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "references", ve.Field)

	_, err = store.BatchSave(ctx, scope, []registrystore.BatchItem{
		{ID: &id, Name: "R", Path: "/r", Type: model.TypeReport, Content: content, References: []int64{3}},
	})
	require.NoError(t, err)
}

package conversation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/chirino/workspace-service/internal/model"
	"github.com/chirino/workspace-service/internal/plugin/cache/local"
	"github.com/chirino/workspace-service/internal/plugin/store/gormstore"
	"github.com/chirino/workspace-service/internal/plugin/store/sqlite"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/chirino/workspace-service/internal/security"
	"github.com/chirino/workspace-service/internal/testutil/storetest"
	"github.com/chirino/workspace-service/internal/testutil/testsqlite"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) (*Engine, registrystore.DocumentStore, security.Session) {
	t.Helper()
	store := testsqlite.NewStore(t)
	scope := storetest.NewScope()
	sess := security.Session{TenantID: scope.TenantID, Mode: scope.Mode, UserID: "u1", Role: security.RoleEditor}
	return NewEngine(store, Options{}), store, sess
}

func entries(names ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(names))
	for i, n := range names {
		out[i] = json.RawMessage(`{"role":"user","text":"` + n + `"}`)
	}
	return out
}

func loadLog(t *testing.T, store registrystore.DocumentStore, sess security.Session, id int64) model.ConversationContent {
	t.Helper()
	doc, err := store.GetByID(context.Background(), sess.Scope(), id)
	require.NoError(t, err)
	var c model.ConversationContent
	require.NoError(t, json.Unmarshal(doc.Content, &c))
	require.Equal(t, len(c.Log), c.Metadata.LogLength)
	return c
}

func TestGetOrCreateNamesFromFirstMessage(t *testing.T) {
	ctx := context.Background()
	e, store, sess := newEngine(t)

	long := strings.Repeat("é", 60)
	id, c, err := e.GetOrCreate(ctx, sess, nil, long)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("é", DefaultNameMaxLength), c.Metadata.Name)
	require.Equal(t, "u1", c.Metadata.UserID)
	require.Empty(t, c.Log)

	doc, err := store.GetByID(ctx, sess.Scope(), id)
	require.NoError(t, err)
	require.Equal(t, model.TypeConversation, doc.Type)
	require.True(t, strings.HasPrefix(doc.Path, DefaultRoot+"/u1/"), doc.Path)

	again, c2, err := e.GetOrCreate(ctx, sess, &id, "ignored")
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Equal(t, c.Metadata.Name, c2.Metadata.Name)

	_, c3, err := e.GetOrCreate(ctx, sess, nil, "   ")
	require.NoError(t, err)
	require.Equal(t, DefaultName, c3.Metadata.Name)
}

func TestAppendInPlaceIsNotIdempotent(t *testing.T) {
	ctx := context.Background()
	e, store, sess := newEngine(t)
	id, _, err := e.GetOrCreate(ctx, sess, nil, "hello")
	require.NoError(t, err)

	res, err := e.AppendLog(ctx, sess, id, entries("a"), 0)
	require.NoError(t, err)
	require.Equal(t, AppendResult{ConversationID: id, DocumentID: id}, res)

	res, err = e.AppendLog(ctx, sess, id, entries("b"), 1)
	require.NoError(t, err)
	require.False(t, res.Forked)
	res, err = e.AppendLog(ctx, sess, id, entries("b"), 2)
	require.NoError(t, err)
	require.False(t, res.Forked)

	c := loadLog(t, store, sess, id)
	require.Len(t, c.Log, 3)
	require.JSONEq(t, string(c.Log[1]), string(c.Log[2]))
}

func TestStaleAppendForks(t *testing.T) {
	ctx := context.Background()
	e, store, sess := newEngine(t)
	id, _, err := e.GetOrCreate(ctx, sess, nil, "Quarterly numbers")
	require.NoError(t, err)
	_, err = e.AppendLog(ctx, sess, id, entries("a", "b", "c"), 0)
	require.NoError(t, err)

	res, err := e.AppendLog(ctx, sess, id, entries("d"), 2)
	require.NoError(t, err)
	require.True(t, res.Forked)
	require.NotEqual(t, id, res.DocumentID)
	require.Equal(t, res.DocumentID, res.ConversationID)

	forked := loadLog(t, store, sess, res.DocumentID)
	require.Equal(t, entries("a", "b", "d"), forked.Log)
	require.NotNil(t, forked.Metadata.ForkedFrom)
	require.Equal(t, id, *forked.Metadata.ForkedFrom)
	require.Equal(t, "Quarterly numbers (forked)", forked.Metadata.Name)

	original := loadLog(t, store, sess, id)
	require.Equal(t, entries("a", "b", "c"), original.Log)
	require.Nil(t, original.Metadata.ForkedFrom)
}

func TestAppendRejectsImpossiblePreconditions(t *testing.T) {
	ctx := context.Background()
	e, _, sess := newEngine(t)
	id, _, err := e.GetOrCreate(ctx, sess, nil, "x")
	require.NoError(t, err)

	var ve *registrystore.ValidationError
	for _, expected := range []int{-1, 1} {
		_, err = e.AppendLog(ctx, sess, id, entries("a"), expected)
		require.ErrorAs(t, err, &ve)
		require.Equal(t, "expectedLogLength", ve.Field)
	}
}

func TestAppendReevaluatesAfterVersionRace(t *testing.T) {
	ctx := context.Background()
	e, store, sess := newEngine(t)
	id, _, err := e.GetOrCreate(ctx, sess, nil, "race")
	require.NoError(t, err)

	// Another writer appends between our read and our write.
	other := NewEngine(store, Options{})
	e.store = &racingStore{DocumentStore: store, race: func() {
		_, err := other.AppendLog(ctx, sess, id, entries("theirs"), 0)
		require.NoError(t, err)
	}}

	res, err := e.AppendLog(ctx, sess, id, entries("mine"), 0)
	require.NoError(t, err)
	require.True(t, res.Forked)

	require.Equal(t, entries("theirs"), loadLog(t, store, sess, id).Log)
	require.Equal(t, entries("mine"), loadLog(t, store, sess, res.DocumentID).Log)
}

func TestAppendRejectsOtherTypes(t *testing.T) {
	ctx := context.Background()
	e, store, sess := newEngine(t)
	id, err := store.Create(ctx, sess.Scope(), registrystore.NewDocument{
		Name: "Q", Path: "/q", Type: model.TypeQuestion, Content: json.RawMessage(`{"query":"select 1"}`),
	})
	require.NoError(t, err)

	_, err = e.AppendLog(ctx, sess, id, entries("a"), 0)
	var ve *registrystore.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = e.AppendLog(ctx, sess, 987654, entries("a"), 0)
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)
}

// replica opens its own cached store on the shared database file, like a second server.
func replica(t *testing.T, dsn string) *gormstore.Store {
	t.Helper()
	db, err := sqlite.Open(dsn)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	c, err := local.New(1<<20, time.Hour)
	require.NoError(t, err)
	return gormstore.New(db, gormstore.Options{Cache: c, CacheTTL: time.Hour, IsUniqueViolation: sqlite.IsUniqueViolation})
}

func TestAppendSeesWritesFromOtherReplicas(t *testing.T) {
	ctx := context.Background()
	dsn := testsqlite.DatabaseURL(t)
	a := replica(t, dsn)
	require.NoError(t, sqlite.ApplySchema(ctx, a.DB()))
	b := replica(t, dsn)
	sess := security.Session{TenantID: "acme", Mode: model.ModeOrg, UserID: "u1", Role: security.RoleEditor}
	ea, eb := NewEngine(a, Options{}), NewEngine(b, Options{})

	id, _, err := ea.GetOrCreate(ctx, sess, nil, "hello")
	require.NoError(t, err)
	_, err = ea.AppendLog(ctx, sess, id, entries("a"), 0)
	require.NoError(t, err)
	// Replica A now caches the one-entry log.
	_, c, err := ea.GetOrCreate(ctx, sess, &id, "")
	require.NoError(t, err)
	require.Len(t, c.Log, 1)

	_, err = eb.AppendLog(ctx, sess, id, entries("b"), 1)
	require.NoError(t, err)

	res, err := ea.AppendLog(ctx, sess, id, entries("c"), 2)
	require.NoError(t, err)
	require.False(t, res.Forked)
	require.Equal(t, entries("a", "b", "c"), loadLog(t, a, sess, id).Log)
}

// racingStore runs race once, right after the first read.
type racingStore struct {
	registrystore.DocumentStore
	race func()
	done bool
}

func (r *racingStore) GetByID(ctx context.Context, scope registrystore.Scope, id int64) (*model.Document, error) {
	doc, err := r.DocumentStore.GetByID(ctx, scope, id)
	if err == nil && !r.done {
		r.done = true
		r.race()
	}
	return doc, err
}

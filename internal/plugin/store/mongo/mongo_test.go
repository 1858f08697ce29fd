package mongo_test

import (
	"context"
	"testing"

	"github.com/chirino/workspace-service/internal/config"
	"github.com/chirino/workspace-service/internal/plugin/store/mongo"
	registrymigrate "github.com/chirino/workspace-service/internal/registry/migrate"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/chirino/workspace-service/internal/testutil/storetest"
	"github.com/chirino/workspace-service/internal/testutil/testmongo"
	"github.com/stretchr/testify/require"
)

func TestMongoStore(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "mongo"
	cfg.DBURL = testmongo.StartMongo(t)
	ctx := config.WithContext(context.Background(), &cfg)

	_ = mongo.ForceImport
	require.NoError(t, registrymigrate.RunAll(ctx))
	// a second run finds the collections already there
	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("mongo")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)

	storetest.Run(t, ctx, store)
}

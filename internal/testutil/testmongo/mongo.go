package testmongo

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

// StartMongo starts a disposable single-node MongoDB replica set and returns its connection
// URI. A replica set is required for multi-document transactions.
func StartMongo(tb testing.TB) string {
	tb.Helper()
	if testing.Short() {
		tb.Skip("mongodb container tests are skipped in -short mode")
	}

	ctx := context.Background()
	container, err := mongodb.Run(ctx, "mongo:7", mongodb.WithReplicaSet("rs0"))
	if err != nil {
		tb.Fatalf("start mongodb container: %v", err)
	}

	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			tb.Errorf("terminate mongodb container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		tb.Fatalf("build mongodb connection string: %v", err)
	}

	// The advertised replica set member name is only resolvable inside the container network.
	u, err := url.Parse(uri)
	if err != nil {
		tb.Fatalf("parse mongodb connection string: %v", err)
	}
	q := u.Query()
	if q.Get("directConnection") == "" {
		q.Set("directConnection", "true")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

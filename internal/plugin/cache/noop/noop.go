package noop

import (
	"context"
	"time"

	"github.com/chirino/workspace-service/internal/model"
	"github.com/chirino/workspace-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.DocumentCache, error) {
			return &noopDocumentCache{}, nil
		},
	})
}

type noopDocumentCache struct{}

func (n *noopDocumentCache) Available() bool { return false }
func (n *noopDocumentCache) Get(_ context.Context, _ cache.Key) (*model.Document, error) {
	return nil, nil
}
func (n *noopDocumentCache) Set(_ context.Context, _ cache.Key, _ model.Document, _ time.Duration) error {
	return nil
}
func (n *noopDocumentCache) Remove(_ context.Context, _ ...cache.Key) error { return nil }

var _ cache.DocumentCache = (*noopDocumentCache)(nil)

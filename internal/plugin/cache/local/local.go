// Package local provides an in-process document cache backed by ristretto.
package local

import (
	"context"
	"time"

	"github.com/chirino/workspace-service/internal/config"
	"github.com/chirino/workspace-service/internal/model"
	registrycache "github.com/chirino/workspace-service/internal/registry/cache"
	"github.com/chirino/workspace-service/internal/security"
	"github.com/dgraph-io/ristretto/v2"
)

const (
	defaultTTL     = 5 * time.Minute
	defaultMaxCost = 64 << 20
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "local",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.DocumentCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return New(defaultMaxCost, defaultTTL)
	}
	return New(cfg.LocalCacheMaxCost, cfg.CacheDocumentTTL)
}

// New creates a cache that holds at most maxCost bytes of document content.
func New(maxCost int64, ttl time.Duration) (registrycache.DocumentCache, error) {
	if maxCost <= 0 {
		maxCost = defaultMaxCost
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, model.Document]{
		// ~10x the expected number of entries, assuming 1KiB documents.
		NumCounters: max(maxCost/1024*10, 1000),
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &localDocumentCache{cache: c, ttl: ttl}, nil
}

type localDocumentCache struct {
	cache *ristretto.Cache[string, model.Document]
	ttl   time.Duration
}

func (c *localDocumentCache) Available() bool { return true }

func (c *localDocumentCache) Get(_ context.Context, key registrycache.Key) (*model.Document, error) {
	doc, ok := c.cache.Get(key.String())
	security.RecordCacheLookup("local", ok)
	if !ok {
		return nil, nil
	}
	// Callers may mutate what they get back; the cached value must stay intact.
	return doc.Clone(), nil
}

func (c *localDocumentCache) Set(_ context.Context, key registrycache.Key, doc model.Document, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	cost := int64(len(doc.Content)) + int64(len(doc.Path)) + int64(len(doc.Name)) + 8*int64(len(doc.References)) + 128
	c.cache.SetWithTTL(key.String(), *doc.Clone(), cost, ttl)
	// Make the write visible to the next Get.
	c.cache.Wait()
	return nil
}

func (c *localDocumentCache) Remove(_ context.Context, keys ...registrycache.Key) error {
	for _, k := range keys {
		c.cache.Del(k.String())
	}
	return nil
}

var _ registrycache.DocumentCache = (*localDocumentCache)(nil)

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/workspace-service/internal/config"
	"github.com/chirino/workspace-service/internal/model"
	registrycache "github.com/chirino/workspace-service/internal/registry/cache"
	"github.com/chirino/workspace-service/internal/security"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 5 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.DocumentCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: WORKSPACE_SERVICE_REDIS_URL is required")
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, cfg.CacheDocumentTTL)
}

// LoadFromURLWithTTL creates a DocumentCache from a Redis URL with an explicit default TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.DocumentCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return LoadFromOptionsWithTTL(ctx, opts, ttl)
}

// LoadFromOptionsWithTTL creates a DocumentCache from go-redis Options.
func LoadFromOptionsWithTTL(ctx context.Context, opts *goredis.Options, ttl time.Duration) (registrycache.DocumentCache, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisDocumentCache{client: client, ttl: ttl}, nil
}

type redisDocumentCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func (c *redisDocumentCache) Available() bool {
	return true
}

func (c *redisDocumentCache) Get(ctx context.Context, key registrycache.Key) (*model.Document, error) {
	data, err := c.client.Get(ctx, key.String()).Bytes()
	if errors.Is(err, goredis.Nil) {
		security.RecordCacheLookup("redis", false)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc model.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	security.RecordCacheLookup("redis", true)
	return &doc, nil
}

func (c *redisDocumentCache) Set(ctx context.Context, key registrycache.Key, doc model.Document, ttl time.Duration) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, key.String(), data, ttl).Err()
}

func (c *redisDocumentCache) Remove(ctx context.Context, keys ...registrycache.Key) error {
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return c.client.Del(ctx, names...).Err()
}

var _ registrycache.DocumentCache = (*redisDocumentCache)(nil)

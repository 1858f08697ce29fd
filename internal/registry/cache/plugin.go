package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/workspace-service/internal/model"
)

type documentCacheKey struct{}

// WithDocumentCacheContext returns a new context carrying the given DocumentCache.
func WithDocumentCacheContext(ctx context.Context, c DocumentCache) context.Context {
	return context.WithValue(ctx, documentCacheKey{}, c)
}

// DocumentCacheFromContext retrieves the DocumentCache from the context.
// Returns nil if none was set.
func DocumentCacheFromContext(ctx context.Context) DocumentCache {
	c, _ := ctx.Value(documentCacheKey{}).(DocumentCache)
	return c
}

// Key identifies a cached document. Documents are only ever shared within one tenant and mode.
type Key struct {
	TenantID string
	Mode     string
	ID       int64
}

func (k Key) String() string {
	return fmt.Sprintf("ws-doc:%s:%s:%d", k.TenantID, k.Mode, k.ID)
}

// DocumentCache caches documents read by id. Writers remove entries only after their
// transaction commits.
type DocumentCache interface {
	Available() bool
	Get(ctx context.Context, key Key) (*model.Document, error)
	Set(ctx context.Context, key Key, doc model.Document, ttl time.Duration) error
	Remove(ctx context.Context, keys ...Key) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (DocumentCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}

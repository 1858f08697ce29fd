package config

import (
	"context"
	"strings"
	"time"
)

// ListenerConfig holds the network settings for an HTTP listener. Plain text and TLS may be
// served together on the same port.
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the workspace service.
type Config struct {
	// Mode controls strictness: "prod" (default) or "testing".
	// In testing mode the store verifies every submitted reference list.
	Mode string

	// Database
	DBURL string

	// Datastore backend type
	DatastoreType string // "postgres", "sqlite" or "mongo"

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// MongoDatabase names the database used by the mongo store.
	MongoDatabase string

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Cache backend type
	CacheType string // "redis", "local", or "none"

	// Redis
	RedisURL string

	// Document read cache TTL.
	CacheDocumentTTL time.Duration

	// LocalCacheMaxCost bounds the in-process cache, in bytes of cached content.
	LocalCacheMaxCost int64

	// StoreVerifyReferences recomputes references on every write and rejects mismatches,
	// regardless of Mode.
	StoreVerifyReferences bool

	// Conversations
	ConversationRoot          string
	ConversationNameMaxLength int

	// Server
	Listener            ListenerConfig
	ManagementAccessLog bool
	MaxBodySize         int64

	// ManagementListener serves /health, /ready and /metrics on a dedicated port.
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port was given; otherwise the
	// management routes are mounted on the main listener.
	ManagementListenerEnabled bool

	// CORS
	CORSEnabled bool
	CORSOrigins string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                      ModeProd,
		DatastoreType:             "postgres",
		DatastoreMigrateAtStart:   true,
		MongoDatabase:             "workspace_service",
		DBMaxOpenConns:            25,
		DBMaxIdleConns:            5,
		CacheType:                 "none",
		CacheDocumentTTL:          5 * time.Minute,
		LocalCacheMaxCost:         64 * 1024 * 1024,
		ConversationRoot:          "/conversations",
		ConversationNameMaxLength: 50,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			Port:              9090,
			EnablePlainText:   true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:   10 * 1024 * 1024,
		DrainTimeout:  30,
		MetricsLabels: "service=workspace-service",
	}
}

// VerifyReferences reports whether writes must carry extractor-derived references.
func (c *Config) VerifyReferences() bool {
	if c == nil {
		return false
	}
	return c.StoreVerifyReferences || strings.EqualFold(c.Mode, ModeTesting)
}

package serve

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/workspace-service/internal/config"
	_ "github.com/chirino/workspace-service/internal/plugin/route/contexts"
	_ "github.com/chirino/workspace-service/internal/plugin/route/conversations"
	_ "github.com/chirino/workspace-service/internal/plugin/route/documents"
	routesystem "github.com/chirino/workspace-service/internal/plugin/route/system"
	storemetrics "github.com/chirino/workspace-service/internal/plugin/store/metrics"
	"github.com/chirino/workspace-service/internal/plugin/store/refcheck"
	registrycache "github.com/chirino/workspace-service/internal/registry/cache"
	registrymigrate "github.com/chirino/workspace-service/internal/registry/migrate"
	registryroute "github.com/chirino/workspace-service/internal/registry/route"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/chirino/workspace-service/internal/security"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config     *config.Config
	Store      registrystore.DocumentStore
	Router     *gin.Engine
	Main       *Listener
	Management *Listener
}

// Shutdown gracefully shuts down the listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.Management != nil {
		errs = append(errs, s.Management.Close(ctx))
	}
	errs = append(errs, s.Main.Close(ctx))
	return errors.Join(errs...)
}

// StartServer initializes all subsystems and starts serving. Use cfg.Listener.Port=0 for a
// random port; the bound port is Server.Main.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting workspace service",
		"httpPort", cfg.Listener.Port,
		"mode", cfg.Mode,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize cache and inject into context so store loaders can read it.
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if documentCache, err := cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
	} else {
		ctx = registrycache.WithDocumentCacheContext(ctx, documentCache)
		if documentCache.Available() {
			routesystem.RegisterCheck("cache", func(context.Context) error {
				if !documentCache.Available() {
					return errors.New("cache unavailable")
				}
				return nil
			})
		}
	}

	store, err := loadStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	router, err := newRouter(cfg, store)
	if err != nil {
		return nil, err
	}

	// Mount management route plugins. With a dedicated management port they get their own
	// engine; otherwise they share the main router.
	srv := &Server{Config: cfg, Store: store, Router: router}
	mgmtDeps := registryroute.Deps{Config: cfg, Store: store}
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		if err := mountManagement(mgmtRouter, mgmtDeps); err != nil {
			return nil, err
		}
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		srv.Management, err = startListener("management", mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
		log.Info("Management server listening", "addr", srv.Management.Addr)
	} else if err := mountManagement(router, mgmtDeps); err != nil {
		return nil, err
	}

	srv.Main, err = startListener("main", cfg.Listener, router)
	if err != nil {
		if srv.Management != nil {
			_ = srv.Management.Close(context.Background())
		}
		return nil, err
	}

	log.Info("Server listening",
		"port", srv.Main.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return srv, nil
}

// loadStore selects the configured backend and applies the decorators: reference
// verification when enabled, then latency metrics outermost.
func loadStore(ctx context.Context, cfg *config.Config) (registrystore.DocumentStore, error) {
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if p, ok := store.(registrystore.Pinger); ok {
		routesystem.RegisterCheck("store", p.Ping)
	}
	if cfg.VerifyReferences() {
		log.Info("Reference verification enabled")
		store = refcheck.Wrap(store)
	}
	return storemetrics.Wrap(store), nil
}

func newRouter(cfg *config.Config, store registrystore.DocumentStore) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(security.RequestIDMiddleware())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	deps := registryroute.Deps{Config: cfg, Store: store, Auth: security.SessionMiddleware()}
	log.Debug("Mounting routes", "plugins", registryroute.Names(registryroute.RouteTypeMain))
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router, deps); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}
	return router, nil
}

func mountManagement(r *gin.Engine, deps registryroute.Deps) error {
	for _, loader := range registryroute.ManagementRouteLoaders() {
		if err := loader(r, deps); err != nil {
			return fmt.Errorf("failed to load management routes: %w", err)
		}
	}
	return nil
}

package system

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/chirino/workspace-service/internal/registry/route"
)

// Check reports whether a dependency can serve traffic.
type Check func(ctx context.Context) error

var (
	ready    atomic.Bool
	checksMu sync.RWMutex
	checks   = map[string]Check{}
)

// MarkReady signals that the service has finished initializing and is ready to
// serve traffic. Call this once StartServer has completed successfully.
func MarkReady() {
	ready.Store(true)
}

// RegisterCheck adds a readiness check run on every /ready request.
func RegisterCheck(name string, check Check) {
	checksMu.Lock()
	checks[name] = check
	checksMu.Unlock()
}

func failingChecks(ctx context.Context) map[string]string {
	checksMu.RLock()
	defer checksMu.RUnlock()
	failed := map[string]string{}
	for name, check := range checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "system",
		Order: 0,
		Type:  registryroute.RouteTypeManagement,
		Loader: func(r *gin.Engine, _ registryroute.Deps) error {
			// Liveness: process is up
			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			// Readiness: initialized and every registered dependency answers
			r.GET("/ready", func(c *gin.Context) {
				if !ready.Load() {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
					return
				}
				ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
				defer cancel()
				if failed := failingChecks(ctx); len(failed) > 0 {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": failed})
					return
				}
				c.JSON(http.StatusOK, gin.H{"status": "ready"})
			})

			// Prometheus metrics
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))

			return nil
		},
	})
}

package route

import (
	"slices"
	"sync"

	"github.com/chirino/workspace-service/internal/config"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/gin-gonic/gin"
)

// Deps is what a route plugin may need to mount its handlers.
type Deps struct {
	Config *config.Config
	Store  registrystore.DocumentStore
	// Auth resolves the caller's session; API routes must run it before their handlers.
	Auth gin.HandlerFunc
}

// RouterLoader mounts a plugin's routes on the gin engine.
type RouterLoader func(r *gin.Engine, deps Deps) error

// RouteType distinguishes which listener a plugin's routes belong to.
type RouteType int

const (
	// RouteTypeMain registers routes on the API listener.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement registers routes on the management listener (health, readiness, metrics).
	// When the management listener is disabled they are mounted on the API listener.
	RouteTypeManagement
)

// Plugin is a named route plugin. Lower Order mounts first; ties keep registration order.
type Plugin struct {
	Name   string
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var (
	mu      sync.Mutex
	plugins []Plugin
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	plugins = append(plugins, p)
}

func sorted(t RouteType) []Plugin {
	mu.Lock()
	defer mu.Unlock()
	var out []Plugin
	for _, p := range plugins {
		if p.Type == t {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b Plugin) int { return a.Order - b.Order })
	return out
}

// Names returns the plugin names of the given type in mount order.
func Names(t RouteType) []string {
	var names []string
	for _, p := range sorted(t) {
		names = append(names, p.Name)
	}
	return names
}

// MainRouteLoaders returns loaders for RouteTypeMain plugins in mount order.
func MainRouteLoaders() []RouterLoader {
	return loaders(RouteTypeMain)
}

// ManagementRouteLoaders returns loaders for RouteTypeManagement plugins in mount order.
func ManagementRouteLoaders() []RouterLoader {
	return loaders(RouteTypeManagement)
}

func loaders(t RouteType) []RouterLoader {
	var out []RouterLoader
	for _, p := range sorted(t) {
		out = append(out, p.Loader)
	}
	return out
}

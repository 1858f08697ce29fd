package route

import (
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestLoadersFollowOrderAndType(t *testing.T) {
	saved := plugins
	t.Cleanup(func() { plugins = saved })
	plugins = nil

	var mounted []string
	loader := func(name string) RouterLoader {
		return func(*gin.Engine, Deps) error {
			mounted = append(mounted, name)
			return nil
		}
	}
	Register(Plugin{Name: "late", Order: 20, Type: RouteTypeMain, Loader: loader("late")})
	Register(Plugin{Name: "health", Order: 0, Type: RouteTypeManagement, Loader: loader("health")})
	Register(Plugin{Name: "early", Order: 10, Type: RouteTypeMain, Loader: loader("early")})
	Register(Plugin{Name: "early-too", Order: 10, Type: RouteTypeMain, Loader: loader("early-too")})

	require.Equal(t, []string{"early", "early-too", "late"}, Names(RouteTypeMain))
	require.Equal(t, []string{"health"}, Names(RouteTypeManagement))

	for _, l := range MainRouteLoaders() {
		require.NoError(t, l(nil, Deps{}))
	}
	require.Equal(t, []string{"early", "early-too", "late"}, mounted)
	require.Len(t, ManagementRouteLoaders(), 1)
}

package gateway

import (
	"github.com/thrillee/aegisroute/internal/interceptor"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/routing"
)

// Tables groups the route and interceptor tables of both directions. The
// control plane writes them; the router only resolves against them.
type Tables struct {
	MTRoutes       *routing.Table
	MORoutes       *routing.Table
	MTInterceptors *interceptor.Table
	MOInterceptors *interceptor.Table
}

func NewTables() *Tables {
	return &Tables{
		MTRoutes:       routing.NewTable(routable.MT),
		MORoutes:       routing.NewTable(routable.MO),
		MTInterceptors: interceptor.NewTable(routable.MT),
		MOInterceptors: interceptor.NewTable(routable.MO),
	}
}

func (t *Tables) Routes(dir routable.Direction) *routing.Table {
	if dir == routable.MO {
		return t.MORoutes
	}
	return t.MTRoutes
}

func (t *Tables) Interceptors(dir routable.Direction) *interceptor.Table {
	if dir == routable.MO {
		return t.MOInterceptors
	}
	return t.MTInterceptors
}

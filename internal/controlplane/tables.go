package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/thrillee/aegisroute/internal/chain"
	"github.com/thrillee/aegisroute/internal/filter"
	"github.com/thrillee/aegisroute/internal/interceptor"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/routing"
	"github.com/thrillee/aegisroute/internal/rpc"
	"github.com/thrillee/aegisroute/pkg/codes"
)

type RouteAddParams struct {
	Order      int             `json:"order"`
	Type       string          `json:"type"`
	Connectors []string        `json:"connectors"`
	Rate       decimal.Decimal `json:"rate"`
	Filters    []filter.Spec   `json:"filters,omitempty"`
}

type InterceptorAddParams struct {
	Order   int           `json:"order"`
	Type    string        `json:"type"`
	Script  string        `json:"script"`
	Filters []filter.Spec `json:"filters,omitempty"`
	Strict  bool          `json:"strict,omitempty"` // reject scripts that do not compile
}

type OrderParams struct {
	Order int `json:"order"`
}

// AddResult answers the add operations. Warning is set when an interceptor
// was stored with a script that does not compile.
type AddResult struct {
	Order   int    `json:"order"`
	Warning string `json:"warning,omitempty"`
}

type RouteView struct {
	Order      int             `json:"order"`
	Type       string          `json:"type"`
	Policy     routing.Policy  `json:"policy"`
	Connectors []string        `json:"connectors"`
	Rate       decimal.Decimal `json:"rate"`
	Filters    []filter.Spec   `json:"filters"`
}

type InterceptorView struct {
	Order       int           `json:"order"`
	Type        string        `json:"type"`
	Script      string        `json:"script"`
	Filters     []filter.Spec `json:"filters"`
	SyntaxError string        `json:"syntax_error,omitempty"`
}

type FlushResult struct {
	Removed int `json:"removed"`
}

func (s *Service) registerTables(srv *rpc.Server) {
	for _, dir := range []routable.Direction{routable.MT, routable.MO} {
		prefix := "mt"
		if dir == routable.MO {
			prefix = "mo"
		}
		s.handle(srv, prefix+"route_add", writer, s.routeAdd(dir))
		s.handle(srv, prefix+"route_remove", writer, s.routeRemove(dir))
		s.handle(srv, prefix+"route_list", readOnly, s.routeList(dir))
		s.handle(srv, prefix+"route_flush", writer, s.routeFlush(dir))
		s.handle(srv, prefix+"interceptor_add", writer, s.interceptorAdd(dir))
		s.handle(srv, prefix+"interceptor_remove", writer, s.interceptorRemove(dir))
		s.handle(srv, prefix+"interceptor_list", readOnly, s.interceptorList(dir))
		s.handle(srv, prefix+"interceptor_flush", writer, s.interceptorFlush(dir))
	}
}

func specsOf(filters []*filter.Filter) []filter.Spec {
	out := make([]filter.Spec, 0, len(filters))
	for _, f := range filters {
		out = append(out, f.Spec)
	}
	return out
}

// checkPlacement enforces that default variants live at order 0 without
// filters and that every other variant has a positive order.
func checkPlacement(isDefault bool, typ string, order int, filters []filter.Spec) error {
	switch {
	case isDefault && order != chain.DefaultOrder:
		return codes.New(codes.KindConfiguration, "%s must be added at order 0, got %d", typ, order)
	case isDefault && len(filters) > 0:
		return codes.New(codes.KindConfiguration, "%s takes no filters", typ)
	case !isDefault && order <= chain.DefaultOrder:
		return codes.New(codes.KindConfiguration, "%s needs a positive order, got %d", typ, order)
	case !isDefault && len(filters) == 0:
		return codes.New(codes.KindConfiguration, "%s needs at least one filter", typ)
	}
	return nil
}

// checkConnectors verifies that every connector exists and can carry
// traffic in dir: MT routes lead to SMPP clients, MO routes to HTTP.
func (s *Service) checkConnectors(dir routable.Direction, ids []string) error {
	want := wantedConnectorType(dir)
	for _, id := range ids {
		typ, ok := s.connectors.Has(id)
		if !ok {
			return codes.New(codes.KindConfiguration, "unknown connector %q", id)
		}
		if typ != want {
			return codes.New(codes.KindConfiguration, "%s routes need %s connectors, %q is %s", dir, want, id, typ)
		}
	}
	return nil
}

func wantedConnectorType(dir routable.Direction) string {
	if dir == routable.MO {
		return codes.ConnectorHTTP
	}
	return codes.ConnectorSMPPClient
}

func (s *Service) routeAdd(dir routable.Direction) rpc.HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[RouteAddParams](params)
		if err != nil {
			return nil, err
		}
		if err := checkPlacement(p.Type == routing.TypeDefault, p.Type, p.Order, p.Filters); err != nil {
			return nil, err
		}
		rt, err := routing.NewRoute(p.Type, p.Connectors, p.Rate)
		if err != nil {
			return nil, err
		}
		if err := s.checkConnectors(dir, p.Connectors); err != nil {
			return nil, err
		}
		filters, err := filter.CompileAll(p.Filters, true)
		if err != nil {
			return nil, err
		}
		if err := s.tables.Routes(dir).Add(p.Order, filters, rt); err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "Route added",
			slog.String("direction", string(dir)),
			slog.Int("order", p.Order),
			slog.String("type", p.Type),
			slog.Any("connectors", p.Connectors),
		)
		return AddResult{Order: p.Order}, nil
	}
}

func (s *Service) routeRemove(dir routable.Direction) rpc.HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[OrderParams](params)
		if err != nil {
			return nil, err
		}
		if _, err := s.tables.Routes(dir).Remove(p.Order); err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "Route removed", slog.String("direction", string(dir)), slog.Int("order", p.Order))
		return ack, nil
	}
}

func routeViews(t *routing.Table) []RouteView {
	entries := t.Entries()
	out := make([]RouteView, 0, len(entries))
	for _, e := range entries {
		out = append(out, RouteView{
			Order:      e.Order,
			Type:       e.Action.Type,
			Policy:     e.Action.Policy,
			Connectors: e.Action.Connectors,
			Rate:       e.Action.Rate,
			Filters:    specsOf(e.Filters),
		})
	}
	return out
}

func (s *Service) routeList(dir routable.Direction) rpc.HandlerFunc {
	return func(context.Context, json.RawMessage) (any, error) {
		return routeViews(s.tables.Routes(dir)), nil
	}
}

func (s *Service) routeFlush(dir routable.Direction) rpc.HandlerFunc {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		t := s.tables.Routes(dir)
		n := len(t.Entries())
		t.Flush()
		removed := n - len(t.Entries())
		slog.InfoContext(ctx, "Routes flushed", slog.String("direction", string(dir)), slog.Int("removed", removed))
		return FlushResult{Removed: removed}, nil
	}
}

func (s *Service) interceptorAdd(dir routable.Direction) rpc.HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[InterceptorAddParams](params)
		if err != nil {
			return nil, err
		}
		if err := checkPlacement(p.Type == interceptor.TypeDefault, p.Type, p.Order, p.Filters); err != nil {
			return nil, err
		}
		ic, err := interceptor.NewInterceptor(p.Type, p.Script)
		if err != nil {
			return nil, err
		}
		res := AddResult{Order: p.Order}
		if serr := ic.SyntaxError(); serr != nil {
			if p.Strict {
				return nil, codes.Wrap(codes.KindConfiguration, serr, "interceptor script does not compile")
			}
			res.Warning = serr.Error()
			slog.WarnContext(ctx, "Interceptor script does not compile, it will fail at run time",
				slog.String("direction", string(dir)), slog.Int("order", p.Order), slog.Any("error", serr))
		}
		filters, err := filter.CompileAll(p.Filters, true)
		if err != nil {
			return nil, err
		}
		if err := s.tables.Interceptors(dir).Add(p.Order, filters, ic); err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "Interceptor added", slog.String("direction", string(dir)), slog.Int("order", p.Order), slog.String("type", p.Type))
		return res, nil
	}
}

func (s *Service) interceptorRemove(dir routable.Direction) rpc.HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[OrderParams](params)
		if err != nil {
			return nil, err
		}
		if _, err := s.tables.Interceptors(dir).Remove(p.Order); err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "Interceptor removed", slog.String("direction", string(dir)), slog.Int("order", p.Order))
		return ack, nil
	}
}

func interceptorViews(t *interceptor.Table) []InterceptorView {
	entries := t.Entries()
	out := make([]InterceptorView, 0, len(entries))
	for _, e := range entries {
		v := InterceptorView{
			Order:   e.Order,
			Type:    e.Action.Type,
			Script:  e.Action.Script,
			Filters: specsOf(e.Filters),
		}
		if err := e.Action.SyntaxError(); err != nil {
			v.SyntaxError = err.Error()
		}
		out = append(out, v)
	}
	return out
}

func (s *Service) interceptorList(dir routable.Direction) rpc.HandlerFunc {
	return func(context.Context, json.RawMessage) (any, error) {
		return interceptorViews(s.tables.Interceptors(dir)), nil
	}
}

func (s *Service) interceptorFlush(dir routable.Direction) rpc.HandlerFunc {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		t := s.tables.Interceptors(dir)
		n := len(t.Entries())
		t.Flush()
		removed := n - len(t.Entries())
		slog.InfoContext(ctx, "Interceptors flushed", slog.String("direction", string(dir)), slog.Int("removed", removed))
		return FlushResult{Removed: removed}, nil
	}
}

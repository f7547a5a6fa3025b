package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/thrillee/aegisroute/internal/account"
	"github.com/thrillee/aegisroute/internal/chain"
	"github.com/thrillee/aegisroute/internal/filter"
	"github.com/thrillee/aegisroute/internal/interceptor"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/routing"
	"github.com/thrillee/aegisroute/internal/store"
	"github.com/thrillee/aegisroute/internal/workers"
	"github.com/thrillee/aegisroute/pkg/codes"
)

type ProfileParams struct {
	Profile string `json:"profile,omitempty"`
}

type PersistResult struct {
	Profile string    `json:"profile"`
	SavedAt time.Time `json:"saved_at"`
}

type LoadResult struct {
	Profile      string `json:"profile"`
	Groups       int    `json:"groups"`
	Users        int    `json:"users"`
	Connectors   int    `json:"connectors"`
	Routes       int    `json:"routes"`
	Interceptors int    `json:"interceptors"`
}

func (s *Service) profileOr(p string) string {
	if p == "" {
		return s.profile
	}
	return p
}

func (s *Service) persist(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[ProfileParams](params)
	if err != nil {
		return nil, err
	}
	return s.persistLocked(ctx, s.profileOr(p.Profile))
}

func (s *Service) load(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[ProfileParams](params)
	if err != nil {
		return nil, err
	}
	res, err := s.loadLocked(ctx, s.profileOr(p.Profile))
	if err != nil {
		return nil, err
	}
	// the loaded state is what is stored; handle bumps version once more
	s.savedVersion.Store(s.version.Load() + 1)
	return res, nil
}

// Persist saves the configuration under the service profile.
func (s *Service) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.persistLocked(ctx, s.profile)
	return err
}

// Load restores the configuration saved under the service profile.
func (s *Service) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.loadLocked(ctx, s.profile)
	if err == nil {
		s.savedVersion.Store(s.version.Load())
	}
	return err
}

func (s *Service) persistLocked(ctx context.Context, profile string) (*PersistResult, error) {
	if s.store == nil {
		return nil, codes.New(codes.KindConfiguration, "no configuration store is configured")
	}
	version := s.version.Load()
	snap := s.snapshot()
	if err := s.store.Save(ctx, profile, snap); err != nil {
		return nil, err
	}
	s.savedVersion.Store(version)
	return &PersistResult{Profile: profile, SavedAt: snap.SavedAt}, nil
}

// snapshot captures the current configuration. Callers hold the writer lock.
func (s *Service) snapshot() *store.Snapshot {
	return &store.Snapshot{
		Groups:         s.accounts.Groups(),
		Users:          s.accounts.Users(),
		Connectors:     s.connectors.Configs(),
		MTRoutes:       routeRecords(s.tables.MTRoutes),
		MORoutes:       routeRecords(s.tables.MORoutes),
		MTInterceptors: interceptorRecords(s.tables.MTInterceptors),
		MOInterceptors: interceptorRecords(s.tables.MOInterceptors),
	}
}

func routeRecords(t *routing.Table) []store.RouteRecord {
	var out []store.RouteRecord
	for _, e := range t.Entries() {
		out = append(out, store.RouteRecord{
			Order:      e.Order,
			Type:       e.Action.Type,
			Connectors: e.Action.Connectors,
			Rate:       e.Action.Rate,
			Filters:    specsOf(e.Filters),
		})
	}
	return out
}

func interceptorRecords(t *interceptor.Table) []store.InterceptorRecord {
	var out []store.InterceptorRecord
	for _, e := range t.Entries() {
		out = append(out, store.InterceptorRecord{
			Order:   e.Order,
			Type:    e.Action.Type,
			Script:  e.Action.Script,
			Filters: specsOf(e.Filters),
		})
	}
	return out
}

// routeEntries rebuilds a route table content. Filters compile leniently so
// that a pattern broken by an upgrade does not fail the whole load.
func routeEntries(name string, records []store.RouteRecord) (*chain.Entry[*routing.Route], []chain.Entry[*routing.Route], error) {
	var (
		def     *chain.Entry[*routing.Route]
		entries []chain.Entry[*routing.Route]
	)
	for _, rec := range records {
		rt, err := routing.NewRoute(rec.Type, rec.Connectors, rec.Rate)
		if err != nil {
			return nil, nil, err
		}
		filters, _ := filter.CompileAll(rec.Filters, false)
		e := chain.Entry[*routing.Route]{Order: rec.Order, Filters: filters, Action: rt}
		if rec.Order == chain.DefaultOrder {
			def = &e
			continue
		}
		entries = append(entries, e)
	}
	if _, err := chain.Validate(name, entries); err != nil {
		return nil, nil, err
	}
	return def, entries, nil
}

func interceptorEntries(name string, records []store.InterceptorRecord) (*interceptor.Interceptor, []chain.Entry[*interceptor.Interceptor], error) {
	var (
		def     *interceptor.Interceptor
		entries []chain.Entry[*interceptor.Interceptor]
	)
	for _, rec := range records {
		ic, err := interceptor.NewInterceptor(rec.Type, rec.Script)
		if err != nil {
			return nil, nil, err
		}
		if serr := ic.SyntaxError(); serr != nil {
			slog.Warn("Loaded interceptor script does not compile", slog.Int("order", rec.Order), slog.Any("error", serr))
		}
		if rec.Order == chain.DefaultOrder {
			def = ic
			continue
		}
		filters, _ := filter.CompileAll(rec.Filters, false)
		entries = append(entries, chain.Entry[*interceptor.Interceptor]{Order: rec.Order, Filters: filters, Action: ic})
	}
	if _, err := chain.Validate(name, entries); err != nil {
		return nil, nil, err
	}
	return def, entries, nil
}

// loadLocked reads a snapshot and swaps every registry and table to it.
// Everything is validated before the first swap.
func (s *Service) loadLocked(ctx context.Context, profile string) (*LoadResult, error) {
	if s.store == nil {
		return nil, codes.New(codes.KindConfiguration, "no configuration store is configured")
	}
	snap, err := s.store.Load(ctx, profile)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]string, len(snap.Connectors))
	for _, cfg := range snap.Connectors {
		c := cfg
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[c.ID]; dup {
			return nil, codes.New(codes.KindConfiguration, "connector %q listed twice", c.ID)
		}
		seen[c.ID] = c.Type
	}
	if err := account.Check(snap.Groups, snap.Users); err != nil {
		return nil, err
	}
	mtDef, mtRoutes, err := routeEntries("MT route", snap.MTRoutes)
	if err != nil {
		return nil, err
	}
	moDef, moRoutes, err := routeEntries("MO route", snap.MORoutes)
	if err != nil {
		return nil, err
	}
	if err := checkRouteConnectors(routable.MT, snap.MTRoutes, seen); err != nil {
		return nil, err
	}
	if err := checkRouteConnectors(routable.MO, snap.MORoutes, seen); err != nil {
		return nil, err
	}
	mtICDef, mtICs, err := interceptorEntries("MT interceptor", snap.MTInterceptors)
	if err != nil {
		return nil, err
	}
	moICDef, moICs, err := interceptorEntries("MO interceptor", snap.MOInterceptors)
	if err != nil {
		return nil, err
	}

	if err := s.accounts.Replace(snap.Groups, snap.Users); err != nil {
		return nil, err
	}
	if err := s.connectors.Replace(ctx, snap.Connectors); err != nil {
		return nil, err
	}
	if err := s.tables.MTRoutes.Replace(routeAction(mtDef), mtRoutes); err != nil {
		return nil, err
	}
	if err := s.tables.MORoutes.Replace(routeAction(moDef), moRoutes); err != nil {
		return nil, err
	}
	if err := s.tables.MTInterceptors.Replace(mtICDef, mtICs); err != nil {
		return nil, err
	}
	if err := s.tables.MOInterceptors.Replace(moICDef, moICs); err != nil {
		return nil, err
	}

	res := &LoadResult{
		Profile:      profile,
		Groups:       len(snap.Groups),
		Users:        len(snap.Users),
		Connectors:   len(snap.Connectors),
		Routes:       len(snap.MTRoutes) + len(snap.MORoutes),
		Interceptors: len(snap.MTInterceptors) + len(snap.MOInterceptors),
	}
	slog.InfoContext(ctx, "Configuration loaded", slog.String("profile", profile), slog.Any("summary", res))
	return res, nil
}

// checkRouteConnectors applies the same connector rules as route_add to
// stored routes, against the connector types of the snapshot.
func checkRouteConnectors(dir routable.Direction, records []store.RouteRecord, types map[string]string) error {
	want := wantedConnectorType(dir)
	for _, rec := range records {
		for _, id := range rec.Connectors {
			typ, ok := types[id]
			if !ok {
				return codes.New(codes.KindConfiguration, "%s route %d references unknown connector %q", dir, rec.Order, id)
			}
			if typ != want {
				return codes.New(codes.KindConfiguration, "%s routes need %s connectors, %q is %s", dir, want, id, typ)
			}
		}
	}
	return nil
}

func routeAction(e *chain.Entry[*routing.Route]) *routing.Route {
	if e == nil {
		return nil
	}
	return e.Action
}

// Autosave persists the configuration when it changed since the last save.
// It is a workers.WorkerFunc.
func (s *Service) Autosave(ctx context.Context) (int, error) {
	if s.store == nil || s.version.Load() == s.savedVersion.Load() {
		return 0, nil
	}
	if err := s.Persist(ctx); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *Service) AutosaveLoop(interval time.Duration) workers.Loop {
	return workers.Loop{Name: "config-autosave", Interval: interval, Work: s.Autosave}
}

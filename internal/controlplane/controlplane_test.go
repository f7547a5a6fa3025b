package controlplane

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrillee/aegisroute/internal/account"
	"github.com/thrillee/aegisroute/internal/auth"
	"github.com/thrillee/aegisroute/internal/connector"
	"github.com/thrillee/aegisroute/internal/filter"
	"github.com/thrillee/aegisroute/internal/gateway"
	"github.com/thrillee/aegisroute/internal/interceptor"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/routing"
	"github.com/thrillee/aegisroute/internal/rpc"
	"github.com/thrillee/aegisroute/internal/session"
	"github.com/thrillee/aegisroute/internal/store"
	"github.com/thrillee/aegisroute/pkg/codes"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	auth.Cost = bcrypt.MinCost
	m.Run()
}

// bindGates maps connector ids to channels that release their bind.
var bindGates sync.Map

// fakeSession binds instantly and accepts every submission.
type fakeSession struct {
	cfg     connector.Config
	machine *session.Machine
}

func newFakeSession(cfg connector.Config) *fakeSession {
	f := &fakeSession{cfg: cfg}
	f.machine = session.NewMachine(cfg.ID, cfg.Mode(), f)
	return f
}

func (f *fakeSession) ID() string                                { return f.cfg.ID }
func (f *fakeSession) Type() string                              { return codes.ConnectorSMPPClient }
func (f *fakeSession) Config() connector.Config                  { return f.cfg }
func (f *fakeSession) Machine() *session.Machine                 { return f.machine }
func (f *fakeSession) SetDeliverHandler(connector.DeliverHandler) {}

// Bind holds while a gate is registered for the connector.
func (f *fakeSession) Bind(ctx context.Context) error {
	gate, ok := bindGates.Load(f.cfg.ID)
	if !ok {
		return nil
	}
	select {
	case <-gate.(chan struct{}):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSession) Unbind(context.Context) error { return nil }

func (f *fakeSession) Dispatch(context.Context, *routable.Routable) (connector.Receipt, error) {
	return connector.Receipt{ConnectorID: f.cfg.ID, MessageIDs: []string{"1"}, Segments: 1}, nil
}

func fakeFactory(cfg connector.Config) (connector.Connector, error) {
	if cfg.Type == codes.ConnectorSMPPClient {
		return newFakeSession(cfg), nil
	}
	return connector.DefaultFactory(cfg)
}

// memStore keeps snapshots in memory.
type memStore struct {
	mu    sync.Mutex
	snaps map[string]*store.Snapshot
	saves int
}

func (m *memStore) Save(_ context.Context, profile string, snap *store.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snaps == nil {
		m.snaps = make(map[string]*store.Snapshot)
	}
	m.snaps[profile] = snap
	m.saves++
	return nil
}

func (m *memStore) Load(_ context.Context, profile string) (*store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[profile]
	if !ok {
		return nil, codes.New(codes.KindNotFound, "no configuration saved under profile %q", profile)
	}
	return snap, nil
}

type fixture struct {
	svc        *Service
	tables     *gateway.Tables
	accounts   *account.Registry
	connectors *connector.Manager
	client     *rpc.Client
	url        string
}

func newFixture(t *testing.T, st Store) *fixture {
	t.Helper()
	f := &fixture{
		tables:     gateway.NewTables(),
		accounts:   account.NewRegistry(),
		connectors: connector.NewManager(connector.ManagerConfig{Factory: fakeFactory}),
	}
	deps := Deps{Tables: f.tables, Accounts: f.accounts, Connectors: f.connectors}
	if st != nil {
		deps.Store = st
	}
	f.svc = NewService(deps)

	hash, err := auth.HashPassword("admin-pass")
	require.NoError(t, err)
	srv := rpc.NewServer("control-plane", auth.NewStaticAuthenticator("admin", hash))
	f.svc.Register(srv)
	hs := httptest.NewServer(srv)
	f.url = "ws" + strings.TrimPrefix(hs.URL, "http")

	f.client, err = rpc.Dial(context.Background(), f.url, "admin", "admin-pass")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.client.Close()
		_ = srv.Close()
		hs.Close()
		f.connectors.Shutdown(context.Background())
	})
	return f
}

func (f *fixture) call(t *testing.T, method string, params, result any) error {
	t.Helper()
	return f.client.Call(context.Background(), method, params, result)
}

func (f *fixture) must(t *testing.T, method string, params any) {
	t.Helper()
	require.NoError(t, f.call(t, method, params, nil), method)
}

func smppc(id string) connector.Config {
	return connector.Config{ID: id, Type: codes.ConnectorSMPPClient, Host: "127.0.0.1", Port: 2775, SystemID: "sys", Password: "pwd"}
}

func httpc(id string) connector.Config {
	return connector.Config{ID: id, Type: codes.ConnectorHTTP, URL: "http://127.0.0.1:1/mo", Method: "POST"}
}

func destFilter(pattern string) []filter.Spec {
	return []filter.Spec{{Kind: filter.KindDestinationAddr, Params: map[string]any{"pattern": pattern}}}
}

func kindOf(err error) codes.Kind { return codes.KindOf(err) }

func TestRejectsBadCredentials(t *testing.T) {
	f := newFixture(t, nil)
	_, err := rpc.Dial(context.Background(), f.url, "admin", "wrong")
	require.Error(t, err)
	assert.Equal(t, codes.KindAuthentication, kindOf(err))
}

func TestGroupsAndUsers(t *testing.T) {
	f := newFixture(t, nil)

	err := f.call(t, MethodUserAdd, UserAddParams{ID: "u1", GroupID: "g1", Username: "foo", Password: "bar"}, nil)
	assert.Equal(t, codes.KindConfiguration, kindOf(err), "unknown group")

	f.must(t, MethodGroupAdd, GroupAddParams{ID: "g1"})
	assert.Error(t, f.call(t, MethodGroupAdd, GroupAddParams{ID: "g1"}, nil), "duplicate group")

	err = f.call(t, MethodUserAdd, UserAddParams{ID: "u1", GroupID: "g1", Username: "foo"}, nil)
	assert.Equal(t, codes.KindConfiguration, kindOf(err), "missing password")

	quota := decimal.NewFromInt(10)
	f.must(t, MethodUserAdd, UserAddParams{ID: "u1", GroupID: "g1", Username: "foo", Password: "bar", Quota: &quota})
	f.must(t, MethodUserAdd, UserAddParams{ID: "u2", GroupID: "g1", Username: "baz", Password: "qux"})

	var users []UserView
	require.NoError(t, f.call(t, MethodUserList, nil, &users))
	require.Len(t, users, 2)
	assert.True(t, users[0].Enabled)

	u, err := f.accounts.Authenticate(context.Background(), "foo", "bar")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	f.must(t, MethodUserDisable, IDParams{ID: "u1"})
	_, err = f.accounts.Authenticate(context.Background(), "foo", "bar")
	assert.Error(t, err)
	f.must(t, MethodUserEnable, IDParams{ID: "u1"})

	f.must(t, MethodGroupDisable, IDParams{ID: "g1"})
	var groups []routable.Group
	require.NoError(t, f.call(t, MethodGroupList, nil, &groups))
	require.Len(t, groups, 1)
	assert.False(t, groups[0].Enabled)
	f.must(t, MethodGroupEnable, IDParams{ID: "g1"})

	var removed GroupRemoveResult
	require.NoError(t, f.call(t, MethodGroupRemove, IDParams{ID: "g1"}, &removed))
	assert.ElementsMatch(t, []string{"u1", "u2"}, removed.RemovedUsers)
	require.NoError(t, f.call(t, MethodUserList, nil, &users))
	assert.Empty(t, users)

	err = f.call(t, MethodUserRemove, IDParams{ID: "u1"}, nil)
	assert.Equal(t, codes.KindNotFound, kindOf(err))
}

func TestConnectorLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	f.must(t, MethodConnectorAdd, smppc("smsc-1"))
	f.must(t, MethodConnectorAdd, httpc("http-1"))
	assert.Error(t, f.call(t, MethodConnectorAdd, smppc("smsc-1"), nil), "duplicate id")

	var list []connector.Status
	require.NoError(t, f.call(t, MethodConnectorList, nil, &list))
	require.Len(t, list, 2)

	var st SessionStateResult
	require.NoError(t, f.call(t, MethodConnectorSessionState, IDParams{ID: "smsc-1"}, &st))
	assert.Equal(t, session.StateNone, st.State)

	require.NoError(t, f.call(t, MethodConnectorStart, ConnectorStartParams{ID: "smsc-1", Wait: true}, &st))
	assert.Equal(t, session.StateBoundTRX, st.State)

	err := f.call(t, MethodConnectorStart, ConnectorStartParams{ID: "smsc-1"}, nil)
	require.Error(t, err)
	assert.Equal(t, codes.KindConfiguration, kindOf(err))
	assert.Contains(t, err.Error(), session.ErrAlreadyStarted.Error())

	require.NoError(t, f.call(t, MethodConnectorStop, IDParams{ID: "smsc-1"}, &st))
	assert.Equal(t, session.StateNone, st.State)

	err = f.call(t, MethodConnectorSessionState, IDParams{ID: "http-1"}, nil)
	assert.Equal(t, codes.KindConfiguration, kindOf(err))

	err = f.call(t, MethodConnectorSessionState, IDParams{ID: "nope"}, nil)
	assert.Equal(t, codes.KindNotFound, kindOf(err))
}

func TestConnectorStartAsync(t *testing.T) {
	f := newFixture(t, nil)
	f.must(t, MethodConnectorAdd, smppc("smsc-1"))

	var st SessionStateResult
	require.NoError(t, f.call(t, MethodConnectorStart, ConnectorStartParams{ID: "smsc-1"}, &st))
	assert.Contains(t, []session.State{session.StateBinding, session.StateBoundTRX}, st.State)

	state, err := f.connectors.WaitState(context.Background(), "smsc-1", session.StateBoundTRX)
	require.NoError(t, err)
	assert.Equal(t, session.StateBoundTRX, state)
}

func TestSlowBindDoesNotBlockOtherChanges(t *testing.T) {
	f := newFixture(t, nil)
	gate := make(chan struct{})
	bindGates.Store("smsc-slow", gate)
	defer bindGates.Delete("smsc-slow")
	f.must(t, MethodConnectorAdd, smppc("smsc-slow"))

	started := make(chan error, 1)
	go func() {
		started <- f.client.Call(context.Background(), MethodConnectorStart, ConnectorStartParams{ID: "smsc-slow", Wait: true}, nil)
	}()
	require.Eventually(t, func() bool {
		st, _ := f.connectors.SessionState("smsc-slow")
		return st == session.StateBinding
	}, 2*time.Second, 10*time.Millisecond)

	// requests of one connection are served in order; use a second one
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	other, err := rpc.Dial(ctx, f.url, "admin", "admin-pass")
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Call(ctx, MethodGroupAdd, GroupAddParams{ID: "g-during-bind"}, nil))
	assert.True(t, f.accounts.HasGroup("g-during-bind"))

	close(gate)
	require.NoError(t, <-started)
	st, err := f.connectors.SessionState("smsc-slow")
	require.NoError(t, err)
	assert.Equal(t, session.StateBoundTRX, st)

	// lifecycle operations change nothing persisted
	before := f.svc.version.Load()
	f.must(t, MethodConnectorStop, IDParams{ID: "smsc-slow"})
	assert.Equal(t, before, f.svc.version.Load())
}

func TestConnectorRemoveIsGuardedByRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.must(t, MethodConnectorAdd, smppc("smsc-1"))
	f.must(t, MethodConnectorAdd, smppc("smsc-2"))
	f.must(t, MethodMTRouteAdd, RouteAddParams{Order: 10, Type: routing.TypeStatic, Connectors: []string{"smsc-1"}, Filters: destFilter("^33")})

	err := f.call(t, MethodConnectorRemove, ConnectorRemoveParams{ID: "smsc-1"}, nil)
	require.Error(t, err)
	assert.Equal(t, codes.KindConfiguration, kindOf(err))

	f.must(t, MethodConnectorRemove, ConnectorRemoveParams{ID: "smsc-2"})
	f.must(t, MethodConnectorRemove, ConnectorRemoveParams{ID: "smsc-1", Force: true})
	_, ok := f.connectors.Get("smsc-1")
	assert.False(t, ok)

	// the dangling route stays; it can no longer be served
	var routes []RouteView
	require.NoError(t, f.call(t, MethodMTRouteList, nil, &routes))
	assert.Len(t, routes, 1)
}

func TestRoutePlacementRules(t *testing.T) {
	f := newFixture(t, nil)
	f.must(t, MethodConnectorAdd, smppc("smsc-1"))
	f.must(t, MethodConnectorAdd, httpc("http-1"))
	rate := decimal.RequireFromString("0.5")

	cases := []struct {
		name   string
		method string
		params RouteAddParams
	}{
		{"default with filters", MethodMTRouteAdd, RouteAddParams{Order: 0, Type: routing.TypeDefault, Connectors: []string{"smsc-1"}, Filters: destFilter("^1")}},
		{"default off order 0", MethodMTRouteAdd, RouteAddParams{Order: 5, Type: routing.TypeDefault, Connectors: []string{"smsc-1"}}},
		{"static at order 0", MethodMTRouteAdd, RouteAddParams{Order: 0, Type: routing.TypeStatic, Connectors: []string{"smsc-1"}, Filters: destFilter("^1")}},
		{"static without filters", MethodMTRouteAdd, RouteAddParams{Order: 5, Type: routing.TypeStatic, Connectors: []string{"smsc-1"}}},
		{"unknown connector", MethodMTRouteAdd, RouteAddParams{Order: 0, Type: routing.TypeDefault, Connectors: []string{"ghost"}}},
		{"http connector on mt", MethodMTRouteAdd, RouteAddParams{Order: 0, Type: routing.TypeDefault, Connectors: []string{"http-1"}}},
		{"smpp connector on mo", MethodMORouteAdd, RouteAddParams{Order: 0, Type: routing.TypeDefault, Connectors: []string{"smsc-1"}}},
		{"malformed filter", MethodMTRouteAdd, RouteAddParams{Order: 5, Type: routing.TypeStatic, Connectors: []string{"smsc-1"}, Filters: destFilter("([")}},
		{"unknown type", MethodMTRouteAdd, RouteAddParams{Order: 5, Type: "Bogus", Connectors: []string{"smsc-1"}, Filters: destFilter("^1")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.call(t, tc.method, tc.params, nil)
			require.Error(t, err)
			assert.Equal(t, codes.KindConfiguration, kindOf(err))
		})
	}

	var res AddResult
	require.NoError(t, f.call(t, MethodMTRouteAdd, RouteAddParams{Order: 0, Type: routing.TypeDefault, Connectors: []string{"smsc-1"}, Rate: rate}, &res))
	f.must(t, MethodMTRouteAdd, RouteAddParams{Order: 20, Type: routing.TypeStatic, Connectors: []string{"smsc-1"}, Filters: destFilter("^44")})
	f.must(t, MethodMTRouteAdd, RouteAddParams{Order: 10, Type: routing.TypeStatic, Connectors: []string{"smsc-1"}, Filters: destFilter("^33")})
	f.must(t, MethodMORouteAdd, RouteAddParams{Order: 0, Type: routing.TypeDefault, Connectors: []string{"http-1"}})

	err := f.call(t, MethodMTRouteAdd, RouteAddParams{Order: 10, Type: routing.TypeStatic, Connectors: []string{"smsc-1"}, Filters: destFilter("^1")}, nil)
	assert.Equal(t, codes.KindConfiguration, kindOf(err), "duplicate order")

	var routes []RouteView
	require.NoError(t, f.call(t, MethodMTRouteList, nil, &routes))
	require.Len(t, routes, 3)
	assert.Equal(t, []int{10, 20, 0}, []int{routes[0].Order, routes[1].Order, routes[2].Order})
	assert.True(t, rate.Equal(routes[2].Rate))

	err = f.call(t, MethodMTRouteRemove, OrderParams{Order: 0}, nil)
	assert.Equal(t, codes.KindConfiguration, kindOf(err))
	f.must(t, MethodMTRouteRemove, OrderParams{Order: 20})
	err = f.call(t, MethodMTRouteRemove, OrderParams{Order: 20}, nil)
	assert.Equal(t, codes.KindNotFound, kindOf(err))

	var flushed FlushResult
	require.NoError(t, f.call(t, MethodMTRouteFlush, nil, &flushed))
	assert.Equal(t, 1, flushed.Removed)
	require.NoError(t, f.call(t, MethodMTRouteList, nil, &routes))
	require.Len(t, routes, 1)
	assert.Equal(t, routing.TypeDefault, routes[0].Type)
}

func TestInterceptorSyntaxErrors(t *testing.T) {
	f := newFixture(t, nil)

	var res AddResult
	require.NoError(t, f.call(t, MethodMTInterceptorAdd, InterceptorAddParams{
		Order: 0, Type: interceptor.TypeDefault, Script: "this is not javascript(",
	}, &res))
	assert.NotEmpty(t, res.Warning)

	var views []InterceptorView
	require.NoError(t, f.call(t, MethodMTInterceptorList, nil, &views))
	require.Len(t, views, 1)
	assert.NotEmpty(t, views[0].SyntaxError)

	err := f.call(t, MethodMOInterceptorAdd, InterceptorAddParams{
		Order: 0, Type: interceptor.TypeDefault, Script: "nope(", Strict: true,
	}, nil)
	assert.Equal(t, codes.KindConfiguration, kindOf(err))
	require.NoError(t, f.call(t, MethodMOInterceptorList, nil, &views))
	assert.Empty(t, views)

	res = AddResult{}
	require.NoError(t, f.call(t, MethodMOInterceptorAdd, InterceptorAddParams{
		Order: 10, Type: interceptor.TypeStatic, Script: `addTag("seen");`, Filters: destFilter("^33"),
	}, &res))
	assert.Empty(t, res.Warning)

	err = f.call(t, MethodMOInterceptorAdd, InterceptorAddParams{Order: 11, Type: interceptor.TypeStatic, Script: "x = 1;"}, nil)
	assert.Equal(t, codes.KindConfiguration, kindOf(err), "static needs filters")

	f.must(t, MethodMOInterceptorRemove, OrderParams{Order: 10})
	var flushed FlushResult
	require.NoError(t, f.call(t, MethodMTInterceptorFlush, nil, &flushed))
	assert.Equal(t, 0, flushed.Removed)
}

func TestPersistWithoutStore(t *testing.T) {
	f := newFixture(t, nil)
	err := f.call(t, MethodPersist, nil, nil)
	assert.Equal(t, codes.KindConfiguration, kindOf(err))
	err = f.call(t, MethodLoad, nil, nil)
	assert.Equal(t, codes.KindConfiguration, kindOf(err))
}

func TestPersistAndLoad(t *testing.T) {
	st := &memStore{}
	f := newFixture(t, st)

	f.must(t, MethodGroupAdd, GroupAddParams{ID: "g1"})
	f.must(t, MethodUserAdd, UserAddParams{ID: "u1", GroupID: "g1", Username: "foo", Password: "bar"})
	f.must(t, MethodConnectorAdd, smppc("smsc-1"))
	f.must(t, MethodConnectorAdd, httpc("http-1"))
	f.must(t, MethodMTRouteAdd, RouteAddParams{Order: 0, Type: routing.TypeDefault, Connectors: []string{"smsc-1"}, Rate: decimal.RequireFromString("0.2")})
	f.must(t, MethodMTRouteAdd, RouteAddParams{Order: 10, Type: routing.TypeStatic, Connectors: []string{"smsc-1"}, Filters: destFilter("^33")})
	f.must(t, MethodMORouteAdd, RouteAddParams{Order: 0, Type: routing.TypeDefault, Connectors: []string{"http-1"}})
	f.must(t, MethodMTInterceptorAdd, InterceptorAddParams{Order: 0, Type: interceptor.TypeDefault, Script: `addTag("mt");`})

	var saved PersistResult
	require.NoError(t, f.call(t, MethodPersist, ProfileParams{Profile: "prod"}, &saved))
	assert.Equal(t, "prod", saved.Profile)

	f.must(t, MethodMTRouteFlush, nil)
	f.must(t, MethodConnectorRemove, ConnectorRemoveParams{ID: "http-1", Force: true})
	f.must(t, MethodGroupRemove, IDParams{ID: "g1"})

	err := f.call(t, MethodLoad, ProfileParams{Profile: "missing"}, nil)
	assert.Equal(t, codes.KindNotFound, kindOf(err))

	var loaded LoadResult
	require.NoError(t, f.call(t, MethodLoad, ProfileParams{Profile: "prod"}, &loaded))
	assert.Equal(t, LoadResult{Profile: "prod", Groups: 1, Users: 1, Connectors: 2, Routes: 3, Interceptors: 1}, loaded)

	_, err = f.accounts.Authenticate(context.Background(), "foo", "bar")
	assert.NoError(t, err, "password hash survives the round trip")

	var routes []RouteView
	require.NoError(t, f.call(t, MethodMTRouteList, nil, &routes))
	require.Len(t, routes, 2)
	assert.Equal(t, 10, routes[0].Order)
	assert.Equal(t, destFilter("^33")[0].Kind, routes[0].Filters[0].Kind)

	_, ok := f.connectors.Has("http-1")
	assert.True(t, ok)

	// nothing changed since the load
	n, err := f.svc.Autosave(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadRejectsDanglingRoutes(t *testing.T) {
	st := &memStore{snaps: map[string]*store.Snapshot{
		"default": {
			MTRoutes: []store.RouteRecord{{Order: 0, Type: routing.TypeDefault, Connectors: []string{"ghost"}}},
		},
	}}
	f := newFixture(t, st)
	f.must(t, MethodGroupAdd, GroupAddParams{ID: "keep"})

	err := f.call(t, MethodLoad, nil, nil)
	assert.Equal(t, codes.KindConfiguration, kindOf(err))
	assert.True(t, f.accounts.HasGroup("keep"), "failed load leaves the configuration untouched")
}

func TestLoadIsAllOrNothing(t *testing.T) {
	base := func() *store.Snapshot {
		return &store.Snapshot{
			Groups:     []routable.Group{{ID: "g1"}},
			Users:      []routable.User{{ID: "u1", GroupID: "g1", Username: "foo", PasswordHash: "$2a$04$abcdefghijklmnopqrstuu"}},
			Connectors: []connector.Config{smppc("smsc-1"), httpc("http-1")},
			MTRoutes: []store.RouteRecord{
				{Order: 0, Type: routing.TypeDefault, Connectors: []string{"smsc-1"}},
				{Order: 10, Type: routing.TypeStatic, Connectors: []string{"smsc-1"}, Filters: destFilter("^33")},
			},
		}
	}
	cases := map[string]func(*store.Snapshot){
		"duplicate MO route order": func(s *store.Snapshot) {
			s.MORoutes = []store.RouteRecord{
				{Order: 5, Type: routing.TypeStatic, Connectors: []string{"http-1"}, Filters: destFilter("^1")},
				{Order: 5, Type: routing.TypeStatic, Connectors: []string{"http-1"}, Filters: destFilter("^2")},
			}
		},
		"MO route to an SMPP connector": func(s *store.Snapshot) {
			s.MORoutes = []store.RouteRecord{{Order: 0, Type: routing.TypeDefault, Connectors: []string{"smsc-1"}}}
		},
		"negative interceptor order": func(s *store.Snapshot) {
			s.MOInterceptors = []store.InterceptorRecord{{Order: -1, Type: interceptor.TypeStatic, Script: "1", Filters: destFilter("^1")}}
		},
		"user in unknown group": func(s *store.Snapshot) {
			s.Users[0].GroupID = "ghost"
		},
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			snap := base()
			corrupt(snap)
			f := newFixture(t, &memStore{snaps: map[string]*store.Snapshot{"default": snap}})
			f.must(t, MethodGroupAdd, GroupAddParams{ID: "keep"})
			f.must(t, MethodConnectorAdd, smppc("smsc-keep"))

			err := f.call(t, MethodLoad, nil, nil)
			assert.Equal(t, codes.KindConfiguration, kindOf(err))

			assert.True(t, f.accounts.HasGroup("keep"))
			assert.False(t, f.accounts.HasGroup("g1"))
			_, ok := f.connectors.Has("smsc-keep")
			assert.True(t, ok)
			var routes []RouteView
			require.NoError(t, f.call(t, MethodMTRouteList, nil, &routes))
			assert.Empty(t, routes)
		})
	}
}

func TestAutosave(t *testing.T) {
	st := &memStore{}
	f := newFixture(t, st)
	ctx := context.Background()

	n, err := f.svc.Autosave(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.must(t, MethodGroupAdd, GroupAddParams{ID: "g1"})
	n, err = f.svc.Autosave(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, st.saves)

	n, err = f.svc.Autosave(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// reads do not count as changes
	f.must(t, MethodGroupList, nil)
	n, _ = f.svc.Autosave(ctx)
	assert.Zero(t, n)

	loop := f.svc.AutosaveLoop(0)
	assert.Equal(t, "config-autosave", loop.Name)
}

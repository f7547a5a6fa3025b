// Package controlplane is the administration protocol of a live gateway.
// It is the only writer of the account registry, the connector registry
// and the route and interceptor tables.
package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/thrillee/aegisroute/internal/account"
	"github.com/thrillee/aegisroute/internal/connector"
	"github.com/thrillee/aegisroute/internal/gateway"
	"github.com/thrillee/aegisroute/internal/metrics"
	"github.com/thrillee/aegisroute/internal/rpc"
	"github.com/thrillee/aegisroute/internal/store"
	"github.com/thrillee/aegisroute/pkg/codes"
)

// Method names.
const (
	MethodGroupAdd     = "group_add"
	MethodGroupRemove  = "group_remove"
	MethodGroupEnable  = "group_enable"
	MethodGroupDisable = "group_disable"
	MethodGroupList    = "group_list"

	MethodUserAdd     = "user_add"
	MethodUserRemove  = "user_remove"
	MethodUserEnable  = "user_enable"
	MethodUserDisable = "user_disable"
	MethodUserList    = "user_list"

	MethodConnectorAdd          = "connector_add"
	MethodConnectorRemove       = "connector_remove"
	MethodConnectorList         = "connector_list"
	MethodConnectorStart        = "connector_start"
	MethodConnectorStop         = "connector_stop"
	MethodConnectorSessionState = "connector_session_state"

	MethodMTRouteAdd    = "mtroute_add"
	MethodMTRouteRemove = "mtroute_remove"
	MethodMTRouteList   = "mtroute_list"
	MethodMTRouteFlush  = "mtroute_flush"
	MethodMORouteAdd    = "moroute_add"
	MethodMORouteRemove = "moroute_remove"
	MethodMORouteList   = "moroute_list"
	MethodMORouteFlush  = "moroute_flush"

	MethodMTInterceptorAdd    = "mtinterceptor_add"
	MethodMTInterceptorRemove = "mtinterceptor_remove"
	MethodMTInterceptorList   = "mtinterceptor_list"
	MethodMTInterceptorFlush  = "mtinterceptor_flush"
	MethodMOInterceptorAdd    = "mointerceptor_add"
	MethodMOInterceptorRemove = "mointerceptor_remove"
	MethodMOInterceptorList   = "mointerceptor_list"
	MethodMOInterceptorFlush  = "mointerceptor_flush"

	MethodPersist = "persist"
	MethodLoad    = "load"
)

// Store persists configuration snapshots. Implemented by store.Store.
type Store interface {
	Save(ctx context.Context, profile string, snap *store.Snapshot) error
	Load(ctx context.Context, profile string) (*store.Snapshot, error)
}

// Service implements the control-plane operations. Every mutating
// operation runs under one writer lock and validates before committing.
type Service struct {
	tables     *gateway.Tables
	accounts   *account.Registry
	connectors *connector.Manager
	store      Store
	profile    string

	mu sync.Mutex // the writer lock
	// version counts committed changes; savedVersion is the last persisted.
	version      atomic.Uint64
	savedVersion atomic.Uint64
}

// Deps are the registries the service administers. Store may be nil when
// persistence is not configured.
type Deps struct {
	Tables     *gateway.Tables
	Accounts   *account.Registry
	Connectors *connector.Manager
	Store      Store
	Profile    string
}

func NewService(d Deps) *Service {
	profile := d.Profile
	if profile == "" {
		profile = "default"
	}
	return &Service{
		tables:     d.Tables,
		accounts:   d.Accounts,
		connectors: d.Connectors,
		store:      d.Store,
		profile:    profile,
	}
}

// Register installs every operation on srv.
func (s *Service) Register(srv *rpc.Server) {
	s.registerAccounts(srv)
	s.registerConnectors(srv)
	s.registerTables(srv)
	s.handle(srv, MethodPersist, writer, s.persist)
	s.handle(srv, MethodLoad, writer, s.load)
}

// access tells handle how an operation touches the configuration.
type access int

const (
	readOnly access = iota
	// writer operations hold the writer lock and count as a change.
	writer
	// lifecycle operations are serialized per connector by its session
	// machine, not by the writer lock. They change nothing persisted.
	lifecycle
)

// handle wraps fn with the writer lock (for writer operations) and the
// call metrics.
func (s *Service) handle(srv *rpc.Server, method string, mode access, fn rpc.HandlerFunc) {
	mutating := mode == writer
	srv.Handle(method, func(ctx context.Context, params json.RawMessage) (any, error) {
		if mutating {
			s.mu.Lock()
			defer s.mu.Unlock()
		}
		res, err := fn(ctx, params)
		if err != nil {
			metrics.RecordControlPlaneCall(method, resultOf(err))
			return nil, err
		}
		metrics.RecordControlPlaneCall(method, "ok")
		if mutating && method != MethodPersist {
			s.version.Add(1)
			slog.InfoContext(ctx, "Control-plane change committed")
		}
		return res, nil
	})
}

func resultOf(err error) string {
	if re, ok := err.(*rpc.Error); ok {
		return re.Kind
	}
	return string(codes.KindOf(err))
}

// decode unmarshals params into a fresh T.
func decode[T any](params json.RawMessage) (T, error) {
	var v T
	err := rpc.Decode(params, &v)
	return v, err
}

// Ack is the result of operations that return nothing else.
type Ack struct {
	OK bool `json:"ok"`
}

var ack = Ack{OK: true}

// Package gateway is the message path shared by every edge: route
// resolution, interception, accounting and dispatch.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/thrillee/aegisroute/internal/account"
	"github.com/thrillee/aegisroute/internal/connector"
	"github.com/thrillee/aegisroute/internal/interceptor"
	"github.com/thrillee/aegisroute/internal/logging"
	"github.com/thrillee/aegisroute/internal/metrics"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/routing"
	"github.com/thrillee/aegisroute/internal/script"
	"github.com/thrillee/aegisroute/pkg/codes"
	"github.com/thrillee/aegisroute/pkg/segmenter"
)

// Dispatcher hands resolved messages to connectors and reports their
// availability. Implemented by connector.Manager.
type Dispatcher interface {
	routing.Availability
	Dispatch(ctx context.Context, connectorID string, r *routable.Routable) (connector.Receipt, error)
}

// Result describes a dispatched message.
type Result struct {
	RoutableID       string
	ConnectorID      string
	RouteOrder       int
	InterceptorOrder int // -1 when no interceptor applied
	Segments         int
	Charged          decimal.Decimal
	Receipt          connector.Receipt
}

// Quote is the answer of RateMT.
type Quote struct {
	SubmitSMCount int
	UnitRate      decimal.Decimal
}

// Rejection is a veto returned by an interception script. It carries the
// status the script asked for on each edge.
type Rejection struct {
	Reason     string
	HTTPStatus int
	SMPPStatus int
}

func (e *Rejection) Error() string {
	return fmt.Sprintf("interception rejected the message: %s", e.Reason)
}

func (e *Rejection) Unwrap() error {
	return &codes.Error{Kind: codes.KindInterceptionRejected, Message: e.Reason, Status: e.HTTPStatus}
}

// SMPPCommandStatus is the status the SMPP edge answers a veto with.
func (e *Rejection) SMPPCommandStatus() int { return e.SMPPStatus }

// Router runs messages through the tables. The interceptor runner may be
// nil, meaning no interception subsystem is configured.
type Router struct {
	tables     *Tables
	dispatcher Dispatcher
	accounts   *account.Registry

	mu     sync.RWMutex
	runner interceptor.Runner
}

func NewRouter(tables *Tables, dispatcher Dispatcher, accounts *account.Registry) *Router {
	return &Router{tables: tables, dispatcher: dispatcher, accounts: accounts}
}

// SetRunner installs (or, with nil, removes) the interception runner.
func (g *Router) SetRunner(r interceptor.Runner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runner = r
}

func (g *Router) Runner() interceptor.Runner {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.runner
}

// InterceptionState reports whether the interception subsystem is set and
// connected, as shown on /ping.
func (g *Router) InterceptionState() (set, connected bool) {
	r := g.Runner()
	if r == nil {
		return false, false
	}
	return true, r.Connected()
}

// RouteMT routes, intercepts, charges and dispatches a message submitted
// by r.User.
func (g *Router) RouteMT(ctx context.Context, r *routable.Routable) (*Result, error) {
	ctx = logging.ContextWithRoutable(ctx, r.ID, string(r.Direction))
	if r.User == nil {
		return nil, g.fail(ctx, r, codes.New(codes.KindAuthentication, "MT message without a user"))
	}
	ctx = logging.ContextWithUserID(ctx, r.User.ID)

	if err := g.accounts.Allow(r.User.ID); err != nil {
		return nil, g.fail(ctx, r, err)
	}

	decision, err := g.tables.MTRoutes.Resolve(r, g.dispatcher)
	if err != nil {
		return nil, g.fail(ctx, r, g.routeError(err))
	}
	icOrder, err := g.intercept(ctx, g.tables.MTInterceptors, r)
	if err != nil {
		return nil, g.fail(ctx, r, err)
	}

	segments := g.segments(r)
	cost := decision.Rate.Mul(decimal.NewFromInt(int64(segments)))
	if err := g.accounts.Charge(r.User.ID, cost); err != nil {
		return nil, g.fail(ctx, r, err)
	}

	receipt, err := g.dispatcher.Dispatch(ctx, decision.ConnectorID, r)
	if err != nil {
		g.accounts.Refund(r.User.ID, cost)
		return nil, g.fail(ctx, r, err)
	}

	metrics.RecordMessage(string(routable.MT), codes.OutcomeDispatched)
	slog.InfoContext(ctx, "MT message dispatched",
		slog.String("connector_id", decision.ConnectorID),
		slog.Int("route_order", decision.Order),
		slog.Int("segments", segments),
		slog.String("charged", cost.String()),
	)
	return &Result{
		RoutableID:       r.ID,
		ConnectorID:      decision.ConnectorID,
		RouteOrder:       decision.Order,
		InterceptorOrder: icOrder,
		Segments:         segments,
		Charged:          cost,
		Receipt:          receipt,
	}, nil
}

// RateMT runs the routing and interception steps of RouteMT without
// charging or dispatching, and prices the message.
func (g *Router) RateMT(ctx context.Context, r *routable.Routable) (*Quote, error) {
	ctx = logging.ContextWithRoutable(ctx, r.ID, string(r.Direction))
	decision, err := g.tables.MTRoutes.Resolve(r, g.dispatcher)
	if err != nil {
		return nil, g.failRate(ctx, g.routeError(err))
	}
	if _, err := g.intercept(ctx, g.tables.MTInterceptors, r); err != nil {
		return nil, g.failRate(ctx, err)
	}
	metrics.RecordMessage(string(routable.MT), codes.OutcomeRated)
	return &Quote{SubmitSMCount: g.segments(r), UnitRate: decision.Rate}, nil
}

// RouteMO delivers a message received on a connector. It is the deliver
// handler of every SMPP client connector.
func (g *Router) RouteMO(ctx context.Context, r *routable.Routable) (*Result, error) {
	ctx = logging.ContextWithRoutable(ctx, r.ID, string(r.Direction))
	decision, err := g.tables.MORoutes.Resolve(r, g.dispatcher)
	if err != nil {
		return nil, g.fail(ctx, r, g.routeError(err))
	}
	icOrder, err := g.intercept(ctx, g.tables.MOInterceptors, r)
	if err != nil {
		return nil, g.fail(ctx, r, err)
	}
	receipt, err := g.dispatcher.Dispatch(ctx, decision.ConnectorID, r)
	if err != nil {
		return nil, g.fail(ctx, r, err)
	}
	metrics.RecordMessage(string(routable.MO), codes.OutcomeDispatched)
	slog.InfoContext(ctx, "MO message delivered",
		slog.String("connector_id", decision.ConnectorID),
		slog.String("source_connector", r.SourceConnector),
	)
	return &Result{
		RoutableID:       r.ID,
		ConnectorID:      decision.ConnectorID,
		RouteOrder:       decision.Order,
		InterceptorOrder: icOrder,
		Segments:         1,
		Receipt:          receipt,
	}, nil
}

// DeliverHandler adapts RouteMO to connector.DeliverHandler.
func (g *Router) DeliverHandler() connector.DeliverHandler {
	return func(ctx context.Context, r *routable.Routable) error {
		_, err := g.RouteMO(ctx, r)
		return err
	}
}

func (g *Router) segments(r *routable.Routable) int {
	dc, known := r.IntParam(routable.ParamDataCoding)
	return segmenter.Split(r.Content(), segmenter.CodingFor(dc, known)).Count()
}

// routeError keeps NoAvailableConnector and RouteNotFound apart.
func (g *Router) routeError(err error) error {
	if errors.Is(err, codes.ErrNoAvailableConnector) || errors.Is(err, codes.ErrRouteNotFound) {
		return err
	}
	return codes.Wrap(codes.KindRouteNotFound, err, "route resolution")
}

// intercept runs the interceptor matching r, if any, and applies its
// outcome. It returns the interceptor order, -1 when none applied.
func (g *Router) intercept(ctx context.Context, table *interceptor.Table, r *routable.Routable) (int, error) {
	dir := string(table.Direction())
	ic, order, ok := table.Resolve(r)
	if !ok {
		metrics.RecordInterception(dir, codes.InterceptionSkipped)
		return -1, nil
	}

	runner := g.Runner()
	if runner == nil {
		metrics.RecordInterception(dir, codes.InterceptionNotConfigured)
		return order, codes.New(codes.KindInterceptionNotConfigured, "InterceptorPB not set !")
	}
	if !runner.Connected() {
		metrics.RecordInterception(dir, codes.InterceptionUnavailable)
		return order, codes.New(codes.KindInterceptionUnavailable, "InterceptorPB not connected !")
	}

	out, err := runner.Run(ctx, ic.Script, r)
	if err != nil {
		switch script.KindOf(err) {
		case script.KindSyntax:
			metrics.RecordInterception(dir, codes.InterceptionSyntaxError)
		case script.KindRuntime:
			metrics.RecordInterception(dir, codes.InterceptionRuntimeError)
		default:
			if errors.Is(err, codes.ErrInterceptionUnavailable) {
				metrics.RecordInterception(dir, codes.InterceptionUnavailable)
				return order, err
			}
			metrics.RecordInterception(dir, codes.InterceptionRuntimeError)
		}
		slog.WarnContext(ctx, "Interception script failed", slog.Int("interceptor_order", order), slog.Any("error", err))
		return order, codes.Wrap(codes.KindInterceptionFailed, err, "Failed running interception script, check log for details")
	}

	if out.Rejected {
		metrics.RecordInterception(dir, codes.InterceptionVetoed)
		slog.InfoContext(ctx, "Message vetoed by interception script",
			slog.Int("interceptor_order", order),
			slog.String("reason", out.Reason),
			slog.Int("http_status", out.HTTPStatus),
			slog.Int("smpp_status", out.SMPPStatus),
		)
		return order, &Rejection{Reason: out.Reason, HTTPStatus: out.HTTPStatus, SMPPStatus: out.SMPPStatus}
	}

	if err := r.ReplaceParams(out.Params); err != nil {
		return order, codes.Wrap(codes.KindInternal, err, "apply interception outcome")
	}
	for _, tag := range out.Tags {
		if err := r.AddTag(tag); err != nil {
			return order, codes.Wrap(codes.KindInternal, err, "apply interception tags")
		}
	}
	metrics.RecordInterception(dir, codes.InterceptionPassed)
	return order, nil
}

// fail records the outcome of a failed message and passes err through.
func (g *Router) fail(ctx context.Context, r *routable.Routable, err error) error {
	outcome := outcomeOf(err)
	metrics.RecordMessage(string(r.Direction), outcome)
	slog.WarnContext(ctx, "Message not dispatched", slog.String("outcome", outcome), slog.Any("error", err))
	return err
}

func (g *Router) failRate(ctx context.Context, err error) error {
	slog.InfoContext(ctx, "Rate request failed", slog.String("outcome", outcomeOf(err)), slog.Any("error", err))
	return err
}

func outcomeOf(err error) string {
	switch codes.KindOf(err) {
	case codes.KindRouteNotFound:
		return codes.OutcomeNoRoute
	case codes.KindNoAvailableConnector:
		return codes.OutcomeNoConnector
	case codes.KindInterceptionRejected:
		return codes.OutcomeRejected
	case codes.KindThrottled:
		return codes.OutcomeThrottled
	case codes.KindAuthentication:
		return codes.OutcomeUnauthorized
	case codes.KindInsufficientBalance:
		return codes.OutcomeNoBalance
	}
	return codes.OutcomeFailed
}

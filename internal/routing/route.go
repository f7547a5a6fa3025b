package routing

import (
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/pkg/codes"
)

// Policy selects a connector among the ones a route lists.
type Policy string

const (
	PolicySingle     Policy = "single"
	PolicyRoundRobin Policy = "round_robin"
	PolicyFailover   Policy = "failover"
)

// Route type names as exposed on the control plane.
const (
	TypeDefault    = "DefaultRoute"
	TypeStatic     = "StaticRoute"
	TypeRoundRobin = "RoundRobinRoute"
	TypeFailover   = "FailoverRoute"
)

// PolicyForType maps a route type name to its connector selection policy.
func PolicyForType(typ string) (Policy, error) {
	switch typ {
	case TypeDefault, TypeStatic:
		return PolicySingle, nil
	case TypeRoundRobin:
		return PolicyRoundRobin, nil
	case TypeFailover:
		return PolicyFailover, nil
	}
	return "", codes.New(codes.KindConfiguration, "unknown route type %q", typ)
}

// Availability reports whether a connector can currently carry traffic in a
// direction. It is queried at resolution time, never cached.
type Availability interface {
	Available(connectorID string, dir routable.Direction) bool
}

// Route is the action of a route table entry.
type Route struct {
	Type       string          `json:"type"`
	Policy     Policy          `json:"policy"`
	Connectors []string        `json:"connectors"`
	Rate       decimal.Decimal `json:"rate"`

	cursor atomic.Uint64
}

// NewRoute validates and builds a route of the given type.
func NewRoute(typ string, connectors []string, rate decimal.Decimal) (*Route, error) {
	policy, err := PolicyForType(typ)
	if err != nil {
		return nil, err
	}
	switch {
	case len(connectors) == 0:
		return nil, codes.New(codes.KindConfiguration, "%s needs at least one connector", typ)
	case policy == PolicySingle && len(connectors) != 1:
		return nil, codes.New(codes.KindConfiguration, "%s takes exactly one connector, got %d", typ, len(connectors))
	case rate.IsNegative():
		return nil, codes.New(codes.KindConfiguration, "route rate cannot be negative")
	}
	seen := make(map[string]struct{}, len(connectors))
	for _, c := range connectors {
		if _, dup := seen[c]; dup {
			return nil, codes.New(codes.KindConfiguration, "connector %q listed twice", c)
		}
		seen[c] = struct{}{}
	}
	return &Route{
		Type:       typ,
		Policy:     policy,
		Connectors: append([]string(nil), connectors...),
		Rate:       rate,
	}, nil
}

// Pick applies the route's policy and returns the selected connector.
func (rt *Route) Pick(dir routable.Direction, avail Availability) (string, error) {
	switch rt.Policy {
	case PolicySingle:
		return rt.Connectors[0], nil
	case PolicyRoundRobin:
		n := uint64(len(rt.Connectors))
		idx := (rt.cursor.Add(1) - 1) % n
		return rt.Connectors[idx], nil
	case PolicyFailover:
		for _, c := range rt.Connectors {
			if avail != nil && avail.Available(c, dir) {
				return c, nil
			}
		}
		return "", codes.New(codes.KindNoAvailableConnector, "none of %v is available", rt.Connectors)
	}
	return "", fmt.Errorf("unknown route policy %q", rt.Policy)
}

// References reports whether the route lists the connector.
func (rt *Route) References(connectorID string) bool {
	for _, c := range rt.Connectors {
		if c == connectorID {
			return true
		}
	}
	return false
}

package routing

import (
	"github.com/shopspring/decimal"
	"github.com/thrillee/aegisroute/internal/chain"
	"github.com/thrillee/aegisroute/internal/filter"
	"github.com/thrillee/aegisroute/internal/routable"
)

// Decision is the outcome of resolving a Routable against a route table.
type Decision struct {
	Order       int
	Route       *Route
	ConnectorID string
	Rate        decimal.Decimal
}

// Table is the route table of one direction.
type Table struct {
	dir   routable.Direction
	chain *chain.Table[*Route]
}

func NewTable(dir routable.Direction) *Table {
	return &Table{dir: dir, chain: chain.NewTable[*Route](string(dir) + " route")}
}

func (t *Table) Direction() routable.Direction { return t.dir }

// Add inserts a route at order. Order 0 replaces the default route.
func (t *Table) Add(order int, filters []*filter.Filter, rt *Route) error {
	return t.chain.Add(chain.Entry[*Route]{Order: order, Filters: filters, Action: rt})
}

// Remove deletes the route at order; the default route cannot be removed.
func (t *Table) Remove(order int) (*Route, error) {
	e, err := t.chain.Remove(order)
	if err != nil {
		return nil, err
	}
	return e.Action, nil
}

// Flush removes all routes but the default one.
func (t *Table) Flush() { t.chain.Flush() }

// Entries lists the routes in evaluation order, the default last.
func (t *Table) Entries() []chain.Entry[*Route] { return t.chain.List() }

// Replace swaps the whole table content.
func (t *Table) Replace(def *Route, entries []chain.Entry[*Route]) error {
	var d *chain.Entry[*Route]
	if def != nil {
		d = &chain.Entry[*Route]{Order: chain.DefaultOrder, Action: def}
	}
	return t.chain.Replace(d, entries)
}

// References lists the non-default orders whose route uses the connector.
func (t *Table) References(connectorID string) []int {
	var orders []int
	for _, e := range t.chain.Snapshot().Entries {
		if e.Action.References(connectorID) {
			orders = append(orders, e.Order)
		}
	}
	return orders
}

// Resolve finds the matching route and applies its connector policy. The
// availability of failover candidates is queried live through avail.
func (t *Table) Resolve(r *routable.Routable, avail Availability) (Decision, error) {
	e, err := t.chain.Resolve(r)
	if err != nil {
		return Decision{}, err
	}
	cid, err := e.Action.Pick(t.dir, avail)
	if err != nil {
		return Decision{Order: e.Order, Route: e.Action}, err
	}
	return Decision{Order: e.Order, Route: e.Action, ConnectorID: cid, Rate: e.Action.Rate}, nil
}

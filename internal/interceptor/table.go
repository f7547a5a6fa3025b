// Package interceptor holds the interceptor tables and the runners that
// execute interception scripts, locally or on a remote interceptor daemon.
package interceptor

import (
	"log/slog"

	"github.com/thrillee/aegisroute/internal/chain"
	"github.com/thrillee/aegisroute/internal/filter"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/script"
	"github.com/thrillee/aegisroute/pkg/codes"
)

// Interceptor type names as exposed on the control plane.
const (
	TypeDefault = "DefaultInterceptor"
	TypeStatic  = "StaticInterceptor"
)

// Interceptor is the action of an interceptor table entry: a script.
type Interceptor struct {
	Type   string `json:"type"`
	Script string `json:"script"`

	syntaxErr error
}

// NewInterceptor validates the type and compiles the script once to catch
// syntax errors early. A script that does not compile is still returned;
// SyntaxError reports the failure so callers can decide.
func NewInterceptor(typ, src string) (*Interceptor, error) {
	if typ != TypeDefault && typ != TypeStatic {
		return nil, codes.New(codes.KindConfiguration, "unknown interceptor type %q", typ)
	}
	if src == "" {
		return nil, codes.New(codes.KindConfiguration, "%s needs a script", typ)
	}
	ic := &Interceptor{Type: typ, Script: src}
	if _, err := script.Compile(src); err != nil {
		ic.syntaxErr = err
	}
	return ic, nil
}

// SyntaxError is the compile failure of the script, if any.
func (ic *Interceptor) SyntaxError() error { return ic.syntaxErr }

// Table is the interceptor table of one direction. Unlike route tables, no
// match (or an unset default) simply means no interception.
type Table struct {
	dir   routable.Direction
	chain *chain.Table[*Interceptor]
}

func NewTable(dir routable.Direction) *Table {
	return &Table{dir: dir, chain: chain.NewTable[*Interceptor](string(dir) + " interceptor")}
}

func (t *Table) Direction() routable.Direction { return t.dir }

// Add inserts an interceptor at order. Order 0 replaces the default one.
func (t *Table) Add(order int, filters []*filter.Filter, ic *Interceptor) error {
	return t.chain.Add(chain.Entry[*Interceptor]{Order: order, Filters: filters, Action: ic})
}

// Remove deletes the interceptor at order; the default cannot be removed.
func (t *Table) Remove(order int) (*Interceptor, error) {
	e, err := t.chain.Remove(order)
	if err != nil {
		return nil, err
	}
	return e.Action, nil
}

// Flush removes all interceptors but the default one.
func (t *Table) Flush() { t.chain.Flush() }

// Entries lists the interceptors in evaluation order, the default last.
func (t *Table) Entries() []chain.Entry[*Interceptor] { return t.chain.List() }

// Replace swaps the whole table content.
func (t *Table) Replace(def *Interceptor, entries []chain.Entry[*Interceptor]) error {
	var d *chain.Entry[*Interceptor]
	if def != nil {
		d = &chain.Entry[*Interceptor]{Order: chain.DefaultOrder, Action: def}
	}
	return t.chain.Replace(d, entries)
}

// Resolve returns the interceptor for r, or false when none applies.
func (t *Table) Resolve(r *routable.Routable) (*Interceptor, int, bool) {
	e, err := t.chain.Resolve(r)
	if err != nil {
		if codes.KindOf(err) != codes.KindRouteNotFound {
			slog.Warn("Interceptor resolution failed", slog.String("direction", string(t.dir)), slog.Any("error", err))
		}
		return nil, 0, false
	}
	return e.Action, e.Order, true
}

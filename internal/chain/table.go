// Package chain implements the ordered first-match table shared by routes
// and interceptors. Readers resolve against an immutable snapshot; writers
// publish a new snapshot.
package chain

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/thrillee/aegisroute/internal/filter"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/pkg/codes"
)

// DefaultOrder is the reserved order of the default entry.
const DefaultOrder = 0

// Entry is one row of a table. The default entry has no filters.
type Entry[A any] struct {
	Order   int
	Filters []*filter.Filter
	Action  A
}

// Matches reports whether every filter of the entry matches.
func (e Entry[A]) Matches(r *routable.Routable) bool {
	return filter.MatchAll(e.Filters, r)
}

// Snapshot is an immutable view of a table.
type Snapshot[A any] struct {
	Version    uint64
	Entries    []Entry[A] // non-default entries, ascending order
	Default    Entry[A]
	DefaultSet bool
}

// Table is an ordered first-match table with a reserved default entry.
type Table[A any] struct {
	name string
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[Snapshot[A]]
}

// NewTable creates a table whose default entry is unset. Operators
// provision the default at order 0 (DefaultRoute, DefaultInterceptor);
// until then resolving fails with RouteNotFound, and a default once set can
// only be replaced.
func NewTable[A any](name string) *Table[A] {
	t := &Table[A]{name: name}
	t.snap.Store(&Snapshot[A]{})
	return t
}

func (t *Table[A]) Name() string { return t.name }

// Snapshot returns the current immutable view.
func (t *Table[A]) Snapshot() *Snapshot[A] { return t.snap.Load() }

// Resolve returns the first non-default entry whose filters all match r,
// else the default entry. It reads a single snapshot for the whole call.
func (t *Table[A]) Resolve(r *routable.Routable) (Entry[A], error) {
	s := t.snap.Load()
	for _, e := range s.Entries {
		if e.Matches(r) {
			return e, nil
		}
	}
	if !s.DefaultSet {
		var zero Entry[A]
		return zero, codes.New(codes.KindRouteNotFound, "no %s entry matched and no default is set", t.name)
	}
	return s.Default, nil
}

// Add inserts an entry. Order 0 replaces the default entry, which must carry
// no filters. Any other order must be positive and free.
func (t *Table[A]) Add(e Entry[A]) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	next := &Snapshot[A]{
		Version:    cur.Version + 1,
		Entries:    cur.Entries,
		Default:    cur.Default,
		DefaultSet: cur.DefaultSet,
	}

	switch {
	case e.Order == DefaultOrder:
		if len(e.Filters) > 0 {
			return codes.New(codes.KindConfiguration, "%s default entry cannot have filters", t.name)
		}
		next.Default = e
		next.DefaultSet = true
	case e.Order < 0:
		return codes.New(codes.KindConfiguration, "%s order must be positive, got %d", t.name, e.Order)
	default:
		if len(e.Filters) == 0 {
			return codes.New(codes.KindConfiguration, "%s entry at order %d needs at least one filter", t.name, e.Order)
		}
		for _, existing := range cur.Entries {
			if existing.Order == e.Order {
				return codes.New(codes.KindConfiguration, "duplicate priority: %s order %d is already used", t.name, e.Order)
			}
		}
		entries := make([]Entry[A], 0, len(cur.Entries)+1)
		entries = append(entries, cur.Entries...)
		entries = append(entries, e)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Order < entries[j].Order })
		next.Entries = entries
	}

	t.snap.Store(next)
	slog.Debug("Table entry added", slog.String("table", t.name), slog.Int("order", e.Order), slog.Uint64("version", next.Version))
	return nil
}

// Remove deletes the entry at order. The default entry cannot be removed.
func (t *Table[A]) Remove(order int) (Entry[A], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero Entry[A]
	if order == DefaultOrder {
		return zero, codes.New(codes.KindConfiguration, "%s default entry cannot be removed, only replaced", t.name)
	}
	cur := t.snap.Load()
	idx := -1
	for i, e := range cur.Entries {
		if e.Order == order {
			idx = i
			break
		}
	}
	if idx < 0 {
		return zero, codes.New(codes.KindNotFound, "no %s entry at order %d", t.name, order)
	}

	entries := make([]Entry[A], 0, len(cur.Entries)-1)
	entries = append(entries, cur.Entries[:idx]...)
	entries = append(entries, cur.Entries[idx+1:]...)
	t.snap.Store(&Snapshot[A]{
		Version:    cur.Version + 1,
		Entries:    entries,
		Default:    cur.Default,
		DefaultSet: cur.DefaultSet,
	})
	return cur.Entries[idx], nil
}

// Flush removes every non-default entry.
func (t *Table[A]) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.snap.Load()
	t.snap.Store(&Snapshot[A]{
		Version:    cur.Version + 1,
		Default:    cur.Default,
		DefaultSet: cur.DefaultSet,
	})
}

// Replace swaps the whole content of the table at once, as done when
// restoring a persisted configuration. Orders must be unique and positive.
func (t *Table[A]) Replace(def *Entry[A], entries []Entry[A]) error {
	sorted, err := Validate(t.name, entries)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.snap.Load()
	next := &Snapshot[A]{Version: cur.Version + 1, Entries: sorted}
	if def != nil {
		next.Default = *def
		next.Default.Order = DefaultOrder
		next.DefaultSet = true
	}
	t.snap.Store(next)
	return nil
}

// Validate checks the non-default entries of a replacement table: orders
// must be positive and unique. It returns them in ascending order.
func Validate[A any](name string, entries []Entry[A]) ([]Entry[A], error) {
	sorted := make([]Entry[A], len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	for i, e := range sorted {
		if e.Order <= DefaultOrder {
			return nil, codes.New(codes.KindConfiguration, "%s order must be positive, got %d", name, e.Order)
		}
		if i > 0 && sorted[i-1].Order == e.Order {
			return nil, codes.New(codes.KindConfiguration, "duplicate priority: %s order %d is already used", name, e.Order)
		}
	}
	return sorted, nil
}

// List returns the entries in evaluation order, the default last.
func (t *Table[A]) List() []Entry[A] {
	s := t.snap.Load()
	out := make([]Entry[A], 0, len(s.Entries)+1)
	out = append(out, s.Entries...)
	if s.DefaultSet {
		out = append(out, s.Default)
	}
	return out
}

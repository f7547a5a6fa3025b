package filter

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/pkg/codes"
)

// Kind names a filter variant.
type Kind string

const (
	KindTransparent     Kind = "transparent"
	KindUser            Kind = "user"
	KindGroup           Kind = "group"
	KindConnector       Kind = "connector"
	KindSourceAddr      Kind = "source_addr"
	KindDestinationAddr Kind = "destination_addr"
	KindShortMessage    Kind = "short_message"
	KindTimeWindow      Kind = "time_window"
	KindTag             Kind = "tag"
	KindExpression      Kind = "expression"
)

// Spec is the serialisable form of a filter: its kind plus per-kind params.
type Spec struct {
	Kind   Kind           `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

func (s Spec) String() string {
	return fmt.Sprintf("%s%v", s.Kind, s.Params)
}

// Predicate is the compiled, pure form of a filter.
type Predicate func(r *routable.Routable) bool

// Builder compiles the params of one filter kind into a Predicate.
type Builder func(params map[string]any) (Predicate, error)

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Builder{}
)

// Register adds or replaces the builder for a filter kind.
func Register(kind Kind, b Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = b
}

// Kinds lists the registered filter kinds.
func Kinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func builderFor(kind Kind) (Builder, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[kind]
	return b, ok
}

// Filter is a compiled filter. A Filter built leniently from a broken Spec
// never matches and reports the build failure through Err.
type Filter struct {
	Spec Spec
	pred Predicate
	err  error
}

// Compile builds a filter, failing with a ConfigurationError on unknown
// kinds, missing params or malformed patterns.
func Compile(spec Spec) (*Filter, error) {
	b, ok := builderFor(spec.Kind)
	if !ok {
		return nil, codes.New(codes.KindConfiguration, "unknown filter kind %q", spec.Kind)
	}
	pred, err := b(spec.Params)
	if err != nil {
		return nil, codes.Wrap(codes.KindConfiguration, err, "invalid %s filter", spec.Kind)
	}
	return &Filter{Spec: spec, pred: pred}, nil
}

// CompileLenient never fails: a spec that does not compile yields a filter
// that never matches. Used when restoring persisted configuration.
func CompileLenient(spec Spec) *Filter {
	f, err := Compile(spec)
	if err != nil {
		slog.Warn("Filter does not compile, it will never match", slog.String("filter", spec.String()), slog.Any("error", err))
		return &Filter{Spec: spec, err: err}
	}
	return f
}

// CompileAll compiles a filter set, strictly or leniently.
func CompileAll(specs []Spec, strict bool) ([]*Filter, error) {
	out := make([]*Filter, 0, len(specs))
	for _, s := range specs {
		if !strict {
			out = append(out, CompileLenient(s))
			continue
		}
		f, err := Compile(s)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Err reports why the filter could not be built, if it could not.
func (f *Filter) Err() error { return f.err }

// Match evaluates the filter. Evaluation failures count as a non-match.
func (f *Filter) Match(r *routable.Routable) (matched bool) {
	if f == nil || f.pred == nil {
		return false
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Warn("Filter evaluation panicked, treating as non-matching",
				slog.String("filter", f.Spec.String()), slog.Any("panic", p))
			matched = false
		}
	}()
	return f.pred(r)
}

// MatchAll reports whether every filter matches (logical AND). An empty set
// always matches.
func MatchAll(filters []*Filter, r *routable.Routable) bool {
	for _, f := range filters {
		if !f.Match(r) {
			return false
		}
	}
	return true
}

// Specs returns the specs of a compiled filter set.
func Specs(filters []*Filter) []Spec {
	out := make([]Spec, len(filters))
	for i, f := range filters {
		out[i] = f.Spec
	}
	return out
}

// decodeParams maps a filter's params onto a typed struct.
func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}

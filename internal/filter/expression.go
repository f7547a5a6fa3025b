package filter

import (
	"errors"
	"log/slog"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/thrillee/aegisroute/internal/routable"
)

// exprEnv is the environment visible to expression filters.
type exprEnv struct {
	Direction string         `expr:"direction"`
	Username  string         `expr:"username"`
	Group     string         `expr:"group"`
	Connector string         `expr:"connector"`
	From      string         `expr:"from"`
	To        string         `expr:"to"`
	Content   string         `expr:"content"`
	Tags      []string       `expr:"tags"`
	Params    map[string]any `expr:"params"`
	Hour      int            `expr:"hour"`
	Weekday   int            `expr:"weekday"`
}

func newExprEnv(r *routable.Routable) exprEnv {
	return exprEnv{
		Direction: string(r.Direction),
		Username:  r.Username(),
		Group:     r.GroupID(),
		Connector: r.SourceConnector,
		From:      r.SourceAddr(),
		To:        r.DestinationAddr(),
		Content:   r.Content(),
		Tags:      r.Tags,
		Params:    r.Params(),
		Hour:      r.ReceivedAt.UTC().Hour(),
		Weekday:   int(r.ReceivedAt.UTC().Weekday()),
	}
}

type expressionParams struct {
	Expr string `mapstructure:"expr"`
}

// buildExpression compiles a boolean expr-lang expression, for example
// `to startsWith "234" && hour >= 8`.
func buildExpression(params map[string]any) (Predicate, error) {
	var p expressionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Expr == "" {
		return nil, errors.New("expression filter requires expr")
	}
	program, err := expr.Compile(p.Expr, expr.Env(exprEnv{}), expr.AsBool())
	if err != nil {
		return nil, err
	}
	return func(r *routable.Routable) bool {
		return runExpression(program, p.Expr, r)
	}, nil
}

func runExpression(program *vm.Program, src string, r *routable.Routable) bool {
	out, err := expr.Run(program, newExprEnv(r))
	if err != nil {
		slog.Debug("Expression filter failed, treating as non-matching", slog.String("expr", src), slog.Any("error", err))
		return false
	}
	matched, ok := out.(bool)
	return ok && matched
}

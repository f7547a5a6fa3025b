package interceptor

import (
	"context"

	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/script"
)

// Runner executes an interception script against a Routable. Connected
// reports whether the runner can currently take work.
type Runner interface {
	Run(ctx context.Context, src string, r *routable.Routable) (*script.Outcome, error)
	Connected() bool
}

// LocalRunner runs scripts in-process. It is always connected.
type LocalRunner struct {
	sandbox *script.Sandbox
}

func NewLocalRunner(sb *script.Sandbox) *LocalRunner {
	return &LocalRunner{sandbox: sb}
}

func (l *LocalRunner) Run(ctx context.Context, src string, r *routable.Routable) (*script.Outcome, error) {
	return l.sandbox.RunSource(ctx, src, r)
}

func (l *LocalRunner) Connected() bool { return true }

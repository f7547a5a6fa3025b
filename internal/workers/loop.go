package workers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thrillee/aegisroute/internal/logging"
)

// WorkerFunc defines the function signature for work performed by a worker loop.
// It returns the number of items processed and any error encountered.
type WorkerFunc func(ctx context.Context) (int, error)

// DefaultRunTimeout bounds a single run when the loop has no explicit timeout.
const DefaultRunTimeout = time.Minute

// Loop runs a worker function periodically until ctx ends.
type Loop struct {
	Name       string
	Interval   time.Duration
	RunTimeout time.Duration
	Immediate  bool // run once before the first tick
	Work       WorkerFunc
}

// Run blocks until ctx is done.
func (l Loop) Run(ctx context.Context) {
	ctx = logging.ContextWithWorker(ctx, l.Name)
	slog.InfoContext(ctx, "Worker starting", slog.Duration("interval", l.Interval))
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	if l.Immediate {
		l.runOnce(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Worker stopping")
			return
		case <-ticker.C:
			l.runOnce(ctx)
		}
	}
}

// runOnce executes a single run with a timeout.
func (l Loop) runOnce(ctx context.Context) {
	timeout := l.RunTimeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	processed, err := l.Work(runCtx)
	switch {
	case err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// shutting down
	case err != nil:
		slog.WarnContext(ctx, "Worker run failed", slog.Any("error", err))
	case processed > 0:
		slog.DebugContext(ctx, "Worker run processed items", slog.Int("count", processed))
	}
}

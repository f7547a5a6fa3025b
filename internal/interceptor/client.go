package interceptor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/rpc"
	"github.com/thrillee/aegisroute/internal/script"
	"github.com/thrillee/aegisroute/internal/workers"
	"github.com/thrillee/aegisroute/pkg/codes"
)

// Client runs scripts on a remote interceptor daemon. It implements Runner;
// while the channel is down Connected is false and the gateway answers
// InterceptionUnavailable.
type Client struct {
	rpc     *rpc.Client
	timeout time.Duration
}

// NewClient creates a client for the daemon at url. timeout bounds a single
// run_script call, transport included.
func NewClient(url, username, password string, timeout time.Duration) *Client {
	return &Client{rpc: rpc.NewClient(url, username, password), timeout: timeout}
}

// Connect opens the channel and checks the daemon answers.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.rpc.Connect(ctx); err != nil {
		return err
	}
	var pong string
	return c.rpc.Call(ctx, MethodPing, nil, &pong)
}

func (c *Client) Connected() bool { return c.rpc.Connected() }

func (c *Client) Close() error { return c.rpc.Close() }

// Run sends the script and a copy of r to the daemon.
func (c *Client) Run(ctx context.Context, src string, r *routable.Routable) (*script.Outcome, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req := RunRequest{Script: src, Routable: wireCopy(r)}

	var out script.Outcome
	err := c.rpc.Call(ctx, MethodRunScript, req, &out)
	if err == nil {
		if out.Params == nil {
			out.Params = map[string]any{}
		}
		return &out, nil
	}

	var re *rpc.Error
	switch {
	case errors.As(err, &re) && re.Kind == string(codes.KindInterceptionFailed):
		kind := script.ErrorKind(re.Detail)
		if kind != script.KindSyntax {
			kind = script.KindRuntime
		}
		return nil, &script.Error{Kind: kind, Err: errors.New(re.Message)}
	case errors.Is(err, rpc.ErrNotConnected), errors.Is(err, rpc.ErrConnectionLost):
		return nil, codes.Wrap(codes.KindInterceptionUnavailable, err, "interceptor daemon unreachable")
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &script.Error{Kind: script.KindRuntime, Err: err}
	}
	return nil, codes.Wrap(codes.KindInterceptionFailed, err, "run_script")
}

// wireCopy clones r with byte params rendered as strings, the form scripts
// see them in. Credentials stay in the gateway.
func wireCopy(r *routable.Routable) *routable.Routable {
	c := r.Clone()
	if c.User != nil {
		c.User.PasswordHash = ""
	}
	for k, v := range c.PDU.Params {
		if b, ok := v.([]byte); ok {
			c.PDU.Params[k] = string(b)
		}
	}
	return c
}

// Redial reconnects when the channel is down. It is a workers.WorkerFunc.
func (c *Client) Redial(ctx context.Context) (int, error) {
	if c.Connected() {
		return 0, nil
	}
	if err := c.Connect(ctx); err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "Interceptor channel re-established", slog.String("url", c.rpc.URL()))
	return 1, nil
}

// RedialLoop is the background loop keeping the channel up.
func (c *Client) RedialLoop(interval time.Duration) workers.Loop {
	return workers.Loop{
		Name:       "interceptor-redial",
		Interval:   interval,
		RunTimeout: interval,
		Immediate:  true,
		Work:       c.Redial,
	}
}

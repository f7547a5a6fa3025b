package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/thrillee/aegisroute/internal/logging"
	"github.com/thrillee/aegisroute/internal/metrics"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/rpc"
	"github.com/thrillee/aegisroute/internal/script"
	"github.com/thrillee/aegisroute/pkg/codes"
)

// Methods exposed by the interceptor daemon.
const (
	MethodRunScript = "run_script"
	MethodPing      = "ping"
)

// RunRequest is the run_script payload.
type RunRequest struct {
	Script   string             `json:"script"`
	Routable *routable.Routable `json:"routable"`
}

// Service serves interception scripts over RPC. It is what cmd/interceptord
// runs.
type Service struct {
	sandbox *script.Sandbox
}

func NewService(sb *script.Sandbox) *Service {
	return &Service{sandbox: sb}
}

// Register installs the service methods on srv.
func (s *Service) Register(srv *rpc.Server) {
	srv.Handle(MethodRunScript, s.runScript)
	srv.Handle(MethodPing, func(context.Context, json.RawMessage) (any, error) {
		return "pong", nil
	})
}

func (s *Service) runScript(ctx context.Context, params json.RawMessage) (any, error) {
	var req RunRequest
	if err := rpc.Decode(params, &req); err != nil {
		return nil, err
	}
	if req.Routable == nil || req.Routable.PDU == nil {
		return nil, rpc.InvalidParams(errors.New("routable with a pdu is required"))
	}
	if req.Routable.PDU.Params == nil {
		req.Routable.PDU.Params = map[string]any{}
	}
	ctx = logging.ContextWithRoutable(ctx, req.Routable.ID, string(req.Routable.Direction))

	out, err := s.sandbox.RunSource(ctx, req.Script, req.Routable)
	if err != nil {
		kind := script.KindOf(err)
		slog.ErrorContext(ctx, "Interception script failed", slog.String("script_error", string(kind)), slog.Any("error", err))
		metrics.RecordScriptRun(outcomeFor(kind), 0)
		return nil, &rpc.Error{
			Kind:    string(codes.KindInterceptionFailed),
			Message: err.Error(),
			Detail:  string(kind),
		}
	}
	outcome := codes.InterceptionPassed
	if out.Rejected {
		outcome = codes.InterceptionVetoed
	}
	metrics.RecordScriptRun(outcome, out.Duration)
	slog.DebugContext(ctx, "Interception script ran", slog.Bool("rejected", out.Rejected), slog.Duration("duration", out.Duration))
	return out, nil
}

func outcomeFor(kind script.ErrorKind) string {
	if kind == script.KindSyntax {
		return codes.InterceptionSyntaxError
	}
	return codes.InterceptionRuntimeError
}

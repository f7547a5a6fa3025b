package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	ConnectorIDKey contextKey = "connector_id"
	UserIDKey      contextKey = "user_id"
	UsernameKey    contextKey = "username"
	RoutableIDKey  contextKey = "routable_id"
	DirectionKey   contextKey = "direction"
	RPCMethodKey   contextKey = "rpc_method"
	RPCRequestKey  contextKey = "rpc_request_id"
	RemoteAddrKey  contextKey = "remote_addr"
	WorkerKey      contextKey = "worker"
	CommandIDKey   contextKey = "cmd_id"
	SeqNumberKey   contextKey = "seq_num"
)

// stringKeys are lifted from the context as string attributes.
var stringKeys = []contextKey{
	ConnectorIDKey,
	UserIDKey,
	UsernameKey,
	RoutableIDKey,
	DirectionKey,
	RPCMethodKey,
	RemoteAddrKey,
	WorkerKey,
	CommandIDKey,
}

// ContextHandler wraps another slog.Handler and adds attributes from context.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler creates a handler that extracts values from context.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

// Handle adds context attributes before calling the wrapped handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, k := range stringKeys {
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(k), v))
		}
	}
	if id, ok := ctx.Value(RPCRequestKey).(uint64); ok {
		r.AddAttrs(slog.Uint64(string(RPCRequestKey), id))
	}
	if seq, ok := ctx.Value(SeqNumberKey).(int32); ok {
		r.AddAttrs(slog.Int(string(SeqNumberKey), int(seq)))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs and WithGroup keep the context lifting on derived handlers.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// Setup installs the JSON context-aware logger as the slog default.
func Setup(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel <= slog.LevelDebug,
	}
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(os.Stdout, opts)))
	slog.SetDefault(logger)
	slog.Info("Logging initialized", "level", logLevel.String())
	return logger
}

// Helper functions to add values to context
func ContextWithConnectorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnectorIDKey, id)
}

func ContextWithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}

func ContextWithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, UsernameKey, username)
}

func ContextWithRoutable(ctx context.Context, id, direction string) context.Context {
	ctx = context.WithValue(ctx, RoutableIDKey, id)
	return context.WithValue(ctx, DirectionKey, direction)
}

func ContextWithRPC(ctx context.Context, method string, requestID uint64) context.Context {
	ctx = context.WithValue(ctx, RPCMethodKey, method)
	return context.WithValue(ctx, RPCRequestKey, requestID)
}

func ContextWithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}

func ContextWithWorker(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, WorkerKey, name)
}

func ContextWithPDUInfo(ctx context.Context, commandID string, seqNumber int32) context.Context {
	ctx = context.WithValue(ctx, CommandIDKey, commandID)
	return context.WithValue(ctx, SeqNumberKey, seqNumber)
}

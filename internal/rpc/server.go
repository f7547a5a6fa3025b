package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/thrillee/aegisroute/internal/logging"
	"github.com/thrillee/aegisroute/pkg/codes"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	maxFrameSize = 1 << 20
)

// HandlerFunc serves one method. The returned value is JSON encoded as the
// result; a returned error becomes a structured Error.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Authenticator checks the credentials presented at connection time.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) error
}

// Server accepts websocket connections and dispatches request frames to
// registered handlers. Requests on one connection are served in arrival
// order unless the server is concurrent.
type Server struct {
	name       string
	auth       Authenticator
	concurrent bool
	upgrader   websocket.Upgrader

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}
	wg      sync.WaitGroup
}

type ServerOption func(*Server)

// WithConcurrentRequests serves requests of one connection in parallel.
// Used by the interceptor service, where calls are independent.
func WithConcurrentRequests() ServerOption {
	return func(s *Server) { s.concurrent = true }
}

// NewServer creates a server. A nil Authenticator allows anonymous access.
func NewServer(name string, auth Authenticator, opts ...ServerOption) *Server {
	s := &Server{
		name:     name,
		auth:     auth,
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle registers a method handler.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Methods lists the registered methods.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ServeHTTP authenticates the caller and upgrades to a websocket. Callers
// failing authentication get 401 and no channel.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logging.ContextWithRemoteAddr(r.Context(), r.RemoteAddr)
	if s.auth != nil {
		username, password, ok := r.BasicAuth()
		if !ok {
			slog.WarnContext(ctx, "Connection rejected, no credentials", slog.String("server", s.name))
			unauthorized(w)
			return
		}
		if err := s.auth.Authenticate(ctx, username, password); err != nil {
			slog.WarnContext(ctx, "Connection rejected, authentication failed", slog.String("server", s.name), slog.String("username", username))
			unauthorized(w)
			return
		}
		ctx = logging.ContextWithUsername(ctx, username)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(ctx, "Websocket upgrade failed", slog.String("server", s.name), slog.Any("error", err))
		return
	}
	// the request context ends with the handler; connections outlive it
	connCtx := context.WithoutCancel(ctx)

	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
	s.wg.Add(1)
	defer s.wg.Done()

	slog.InfoContext(connCtx, "RPC connection established", slog.String("server", s.name))
	s.serveConn(connCtx, conn)

	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
	slog.InfoContext(connCtx, "RPC connection closed", slog.String("server", s.name))
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="aegisroute"`)
	http.Error(w, "authentication failed", http.StatusUnauthorized)
}

// serveConn reads frames until the connection fails.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var writeMu sync.Mutex
	write := func(resp *Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(resp); err != nil {
			slog.WarnContext(ctx, "Failed writing RPC response", slog.Uint64("id", resp.ID), slog.Any("error", err))
		}
	}

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "RPC read ended", slog.Any("error", err))
			}
			return
		}
		if s.concurrent {
			inflight.Add(1)
			go func(req Request) {
				defer inflight.Done()
				write(s.dispatch(ctx, req))
			}(req)
			continue
		}
		write(s.dispatch(ctx, req))
	}
}

// dispatch runs the handler for req and builds its response.
func (s *Server) dispatch(ctx context.Context, req Request) *Response {
	ctx = logging.ContextWithRPC(ctx, req.Method, req.ID)
	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		return &Response{ID: req.ID, Error: &Error{Kind: KindMethodNotFound, Message: "unknown method " + req.Method}}
	}

	result, err := s.invoke(ctx, h, req.Params)
	if err != nil {
		rerr := toError(err)
		slog.InfoContext(ctx, "RPC call failed", slog.String("kind", rerr.Kind), slog.String("message", rerr.Message))
		return &Response{ID: req.ID, Error: rerr}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return &Response{ID: req.ID, Error: toError(err)}
	}
	return &Response{ID: req.ID, Result: raw}
}

// invoke shields the connection from handler panics.
func (s *Server) invoke(ctx context.Context, h HandlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "RPC handler panicked", slog.Any("panic", p))
			result, err = nil, &Error{Kind: string(codes.KindInternal), Message: "handler panicked"}
		}
	}()
	return h(ctx, params)
}

// Close disconnects every client and waits for their loops to end.
func (s *Server) Close() error {
	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
	s.connsMu.Unlock()
	s.wg.Wait()
	return nil
}

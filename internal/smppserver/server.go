// Package smppserver is the inbound SMPP edge: users bind as ESMEs with
// their gateway credentials and submit MT messages with submit_sm.
package smppserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linxGnu/gosmpp/data"
	"github.com/linxGnu/gosmpp/pdu"
	"github.com/thrillee/aegisroute/internal/config"
	"github.com/thrillee/aegisroute/internal/gateway"
	"github.com/thrillee/aegisroute/internal/logging"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/pkg/errormapper"
)

// Gateway routes submitted messages. Implemented by gateway.Router.
type Gateway interface {
	RouteMT(ctx context.Context, r *routable.Routable) (*gateway.Result, error)
}

// Authenticator checks bind credentials. Implemented by account.Registry.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*routable.User, error)
}

// sessionState holds one client connection.
type sessionState struct {
	id       string
	conn     net.Conn
	writer   *bufio.Writer
	writeMu  sync.Mutex
	user     *routable.User
	bindType pdu.BindingType
	bound    bool
	boundAt  time.Time
	inflight sync.WaitGroup
}

// Server implements the SMPP edge over raw TCP, with gosmpp's PDU codec.
type Server struct {
	config   config.SMPPServerConfig
	gateway  Gateway
	accounts Authenticator

	sessions   map[string]*sessionState
	sessionsMu sync.RWMutex
	listener   net.Listener
	shutdown   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewServer(cfg config.SMPPServerConfig, gw Gateway, accounts Authenticator) *Server {
	if gw == nil {
		panic("Gateway cannot be nil for SMPP Server")
	}
	return &Server{
		config:   cfg,
		gateway:  gw,
		accounts: accounts,
		sessions: make(map[string]*sessionState),
		shutdown: make(chan struct{}),
	}
}

// ListenAndServe listens on the configured address and serves clients
// until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		slog.Error("Failed to listen on address", slog.String("address", s.config.Addr), slog.Any("error", err))
		return fmt.Errorf("net.Listen failed: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.sessionsMu.Lock()
	s.listener = ln
	s.sessionsMu.Unlock()
	slog.Info("Starting SMPP edge", slog.String("address", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				slog.Info("SMPP listener closed gracefully.")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("Failed to accept connection", slog.Any("error", err))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		ctx := logging.ContextWithRemoteAddr(context.Background(), conn.RemoteAddr().String())
		ss := &sessionState{id: uuid.NewString(), conn: conn, writer: bufio.NewWriter(conn)}

		s.sessionsMu.Lock()
		full := s.config.MaxConnections > 0 && len(s.sessions) >= s.config.MaxConnections
		if !full {
			s.sessions[ss.id] = ss
		}
		s.sessionsMu.Unlock()
		if full {
			slog.WarnContext(ctx, "Connection refused, too many clients", slog.Int("max_connections", s.config.MaxConnections))
			_ = conn.Close()
			continue
		}

		slog.InfoContext(ctx, "Accepted new SMPP connection")
		s.wg.Add(1)
		go s.handleSession(ctx, ss)
	}
}

// handleSession reads and processes PDUs for a single connection.
func (s *Server) handleSession(ctx context.Context, ss *sessionState) {
	defer func() {
		ss.inflight.Wait()
		s.removeSession(ss.id)
		_ = ss.conn.Close()
		slog.InfoContext(ctx, "Closed SMPP client connection")
		s.wg.Done()
	}()

	r := bufio.NewReader(ss.conn)
	for {
		timeout := s.config.ReadTimeout
		if !ss.bound && s.config.BindTimeout > 0 {
			timeout = s.config.BindTimeout
		}
		if timeout > 0 {
			_ = ss.conn.SetReadDeadline(time.Now().Add(timeout))
		}

		p, err := readPDU(r)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				slog.InfoContext(ctx, "Client closed connection (EOF).")
			case errors.As(err, &netErr) && netErr.Timeout():
				slog.InfoContext(ctx, "Client connection read timeout/idle.", slog.Bool("bound", ss.bound))
			case errors.Is(err, net.ErrClosed):
				slog.InfoContext(ctx, "Connection closed (likely during shutdown).")
			default:
				slog.WarnContext(ctx, "Error reading PDU", slog.Any("error", err))
			}
			return
		}

		logCtx := logging.ContextWithPDUInfo(ctx, commandName(p), p.GetSequenceNumber())
		if ss.user != nil {
			logCtx = logging.ContextWithUsername(logCtx, ss.user.Username)
		}

		switch req := p.(type) {
		case *pdu.BindRequest:
			ctx = s.handleBind(logCtx, ss, req, ctx)
		case *pdu.SubmitSM:
			if !ss.bound || !canSubmit(ss.bindType) {
				slog.WarnContext(logCtx, "SubmitSM on a session not bound for transmission")
				s.respond(logCtx, ss, req, StatusInvBndSts)
				continue
			}
			ss.inflight.Add(1)
			go func() {
				defer ss.inflight.Done()
				s.handleSubmitSM(logCtx, ss, req)
			}()
		case *pdu.EnquireLink:
			slog.DebugContext(logCtx, "Received EnquireLink")
			s.respond(logCtx, ss, req, data.ESME_ROK)
		case *pdu.Unbind:
			slog.InfoContext(logCtx, "Handling Unbind request")
			ss.inflight.Wait()
			s.respond(logCtx, ss, req, data.ESME_ROK)
			return
		default:
			if !p.CanResponse() {
				slog.DebugContext(logCtx, "Ignoring unsolicited response PDU")
				continue
			}
			slog.WarnContext(logCtx, "Received unhandled command")
			nack := pdu.NewGenericNack()
			nack.SetSequenceNumber(p.GetSequenceNumber())
			s.write(logCtx, ss, withStatus(nack, StatusInvCmdID))
		}
	}
}

// readPDU reads one length-prefixed frame and decodes it.
func readPDU(r *bufio.Reader) (pdu.PDU, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 16 || length > maxPDULength {
		return nil, fmt.Errorf("invalid PDU length: %d", length)
	}
	frame := make([]byte, length)
	copy(frame, lenBuf[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, fmt.Errorf("error reading PDU body (expected %d bytes): %w", length-4, err)
	}
	return pdu.Parse(bytes.NewReader(frame))
}

// write marshals p and flushes it to the client.
func (s *Server) write(ctx context.Context, ss *sessionState, p pdu.PDU) {
	buf := pdu.NewBuffer(nil)
	p.Marshal(buf)

	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	if s.config.WriteTimeout > 0 {
		_ = ss.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	if _, err := ss.writer.Write(buf.Bytes()); err != nil {
		slog.WarnContext(ctx, "Failed to write PDU", slog.Any("error", err))
		return
	}
	if err := ss.writer.Flush(); err != nil {
		slog.WarnContext(ctx, "Error flushing writer buffer", slog.Any("error", err))
	}
}

// respond answers req with its own response PDU carrying status.
func (s *Server) respond(ctx context.Context, ss *sessionState, req pdu.PDU, status data.CommandStatusType) {
	s.write(ctx, ss, withStatus(req.GetResponse(), status))
}

// withStatus sets the command_status of a response PDU.
func withStatus(p pdu.PDU, status data.CommandStatusType) pdu.PDU {
	switch v := p.(type) {
	case *pdu.BindResp:
		v.CommandStatus = status
	case *pdu.SubmitSMResp:
		v.CommandStatus = status
	case *pdu.EnquireLinkResp:
		v.CommandStatus = status
	case *pdu.UnbindResp:
		v.CommandStatus = status
	case *pdu.GenericNack:
		v.CommandStatus = status
	}
	return p
}

// handleBind authenticates the client against the account registry and
// returns the session context enriched with the user.
func (s *Server) handleBind(ctx context.Context, ss *sessionState, req *pdu.BindRequest, sessionCtx context.Context) context.Context {
	if ss.bound {
		slog.WarnContext(ctx, "Received BIND request on already bound session.")
		s.respond(ctx, ss, req, StatusAlyBnd)
		return sessionCtx
	}
	ctx = logging.ContextWithUsername(ctx, req.SystemID)
	if s.accounts == nil {
		s.respond(ctx, ss, req, StatusBindFail)
		return sessionCtx
	}

	user, err := s.accounts.Authenticate(ctx, req.SystemID, req.Password)
	if err != nil {
		slog.WarnContext(ctx, "Bind failed", slog.Any("error", err))
		s.respond(ctx, ss, req, StatusInvPaswd)
		return sessionCtx
	}

	ss.user = user
	ss.bindType = req.BindingType
	ss.bound = true
	ss.boundAt = time.Now()

	resp := req.GetResponse()
	if br, ok := resp.(*pdu.BindResp); ok {
		br.SystemID = s.config.SystemID
	}
	s.write(ctx, ss, withStatus(resp, data.ESME_ROK))
	slog.InfoContext(ctx, "Bind successful", slog.String("bind", bindName(req.BindingType)), slog.String("user_id", user.ID))
	return logging.ContextWithUserID(logging.ContextWithUsername(sessionCtx, user.Username), user.ID)
}

// submitParams extracts the routable parameters of a submit_sm.
func submitParams(p *pdu.SubmitSM) (map[string]any, error) {
	content, err := p.Message.GetMessage()
	if err != nil {
		return nil, err
	}
	coding := 0
	if enc := p.Message.Encoding(); enc != nil {
		coding = int(enc.DataCoding())
	}
	return map[string]any{
		routable.ParamSourceAddr:         p.SourceAddr.Address(),
		routable.ParamDestinationAddr:    p.DestAddr.Address(),
		routable.ParamShortMessage:       content,
		routable.ParamDataCoding:         coding,
		routable.ParamEsmClass:           int(p.EsmClass),
		routable.ParamRegisteredDelivery: int(p.RegisteredDelivery),
		routable.ParamPriorityFlag:       int(p.PriorityFlag),
	}, nil
}

// handleSubmitSM routes the message and answers with its id or the mapped
// error status.
func (s *Server) handleSubmitSM(ctx context.Context, ss *sessionState, req *pdu.SubmitSM) {
	params, err := submitParams(req)
	if err != nil {
		slog.WarnContext(ctx, "Failed to get message content from SubmitSM", slog.Any("error", err))
		s.respond(ctx, ss, req, StatusInvMsgLen)
		return
	}
	r := routable.New(routable.MT, params)
	r.User = ss.user

	res, err := s.gateway.RouteMT(ctx, r)
	resp := req.GetResponse()
	if err != nil {
		status := errormapper.SMPP(err)
		slog.WarnContext(ctx, "SubmitSM rejected", slog.String("status", fmt.Sprintf("0x%08X", uint32(status))), slog.Any("error", err))
		s.write(ctx, ss, withStatus(resp, status))
		return
	}
	if sr, ok := resp.(*pdu.SubmitSMResp); ok {
		sr.MessageID = res.RoutableID
	}
	s.write(ctx, ss, withStatus(resp, data.ESME_ROK))
	slog.InfoContext(ctx, "SubmitSM processed successfully", slog.String("routable_id", res.RoutableID), slog.String("connector_id", res.ConnectorID))
}

// Sessions counts the open client connections.
func (s *Server) Sessions() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

func (s *Server) removeSession(id string) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, id)
}

// Shutdown stops accepting, closes every client connection and waits for
// their handlers to end.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.InfoContext(ctx, "Shutdown requested for SMPP edge...")
	s.stopOnce.Do(func() {
		close(s.shutdown)
		s.sessionsMu.Lock()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		for _, ss := range s.sessions {
			_ = ss.conn.Close()
		}
		s.sessionsMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.InfoContext(ctx, "SMPP edge shutdown complete.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

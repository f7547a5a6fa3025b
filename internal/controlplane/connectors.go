package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thrillee/aegisroute/internal/connector"
	"github.com/thrillee/aegisroute/internal/logging"
	"github.com/thrillee/aegisroute/internal/rpc"
	"github.com/thrillee/aegisroute/internal/session"
	"github.com/thrillee/aegisroute/pkg/codes"
)

type ConnectorRemoveParams struct {
	ID    string `json:"id"`
	Force bool   `json:"force,omitempty"`
}

type ConnectorStartParams struct {
	ID   string `json:"id"`
	Wait bool   `json:"wait,omitempty"` // block until bound or failed
}

type SessionStateResult struct {
	ID    string        `json:"id"`
	State session.State `json:"state"`
}

func (s *Service) registerConnectors(srv *rpc.Server) {
	s.handle(srv, MethodConnectorAdd, writer, s.connectorAdd)
	s.handle(srv, MethodConnectorRemove, writer, s.connectorRemove)
	s.handle(srv, MethodConnectorStart, lifecycle, s.connectorStart)
	s.handle(srv, MethodConnectorStop, lifecycle, s.connectorStop)
	s.handle(srv, MethodConnectorList, readOnly, func(context.Context, json.RawMessage) (any, error) {
		return s.connectors.List(), nil
	})
	s.handle(srv, MethodConnectorSessionState, readOnly, s.connectorSessionState)
}

func (s *Service) connectorAdd(ctx context.Context, params json.RawMessage) (any, error) {
	cfg, err := decode[connector.Config](params)
	if err != nil {
		return nil, err
	}
	if err := s.connectors.Add(cfg); err != nil {
		return nil, err
	}
	slog.InfoContext(logging.ContextWithConnectorID(ctx, cfg.ID), "Connector registered", slog.Any("config", cfg.Redacted()))
	return ack, nil
}

// connectorRemove refuses to remove a connector used by a non-default
// route unless forced.
func (s *Service) connectorRemove(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[ConnectorRemoveParams](params)
	if err != nil {
		return nil, err
	}
	if _, ok := s.connectors.Get(p.ID); !ok {
		return nil, codes.New(codes.KindNotFound, "unknown connector %q", p.ID)
	}
	mt := s.tables.MTRoutes.References(p.ID)
	mo := s.tables.MORoutes.References(p.ID)
	if (len(mt) > 0 || len(mo) > 0) && !p.Force {
		return nil, codes.New(codes.KindConfiguration, "connector %q is used by MT routes %v and MO routes %v", p.ID, mt, mo)
	}
	if len(mt) > 0 || len(mo) > 0 {
		slog.WarnContext(ctx, "Force removing a connector still used by routes",
			slog.String("connector_id", p.ID), slog.Any("mt_routes", mt), slog.Any("mo_routes", mo))
	}
	if err := s.connectors.Remove(ctx, p.ID); err != nil {
		return nil, err
	}
	return ack, nil
}

// connectorStart binds the session. Without wait it returns as soon as the
// bind is under way; the bind then outlives the request.
func (s *Service) connectorStart(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[ConnectorStartParams](params)
	if err != nil {
		return nil, err
	}
	state, err := s.connectors.SessionState(p.ID)
	if err != nil {
		return nil, err
	}
	if state.Bound() || state == session.StateBinding {
		return nil, codes.Wrap(codes.KindConfiguration, session.ErrAlreadyStarted, "connector %q is %s", p.ID, state)
	}

	if p.Wait {
		if err := s.connectors.Start(ctx, p.ID); err != nil {
			if errors.Is(err, session.ErrAlreadyStarted) {
				return nil, codes.Wrap(codes.KindConfiguration, err, "connector %q", p.ID)
			}
			return nil, fmt.Errorf("start connector %q: %w", p.ID, err)
		}
		state, _ = s.connectors.SessionState(p.ID)
		return SessionStateResult{ID: p.ID, State: state}, nil
	}

	bindCtx := context.WithoutCancel(ctx)
	go func() {
		if err := s.connectors.Start(bindCtx, p.ID); err != nil && !errors.Is(err, session.ErrAlreadyStarted) {
			slog.WarnContext(bindCtx, "Connector start failed", slog.String("connector_id", p.ID), slog.Any("error", err))
		}
	}()
	// let the machine leave NONE so the answer reflects the bind in flight
	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	state, _ = s.connectors.WaitState(waitCtx, p.ID, session.StateBinding, session.StateBoundTRX, session.StateBoundTX, session.StateBoundRX)
	return SessionStateResult{ID: p.ID, State: state}, nil
}

func (s *Service) connectorStop(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[IDParams](params)
	if err != nil {
		return nil, err
	}
	if err := s.connectors.Stop(ctx, p.ID); err != nil {
		return nil, err
	}
	state, _ := s.connectors.SessionState(p.ID)
	return SessionStateResult{ID: p.ID, State: state}, nil
}

func (s *Service) connectorSessionState(_ context.Context, params json.RawMessage) (any, error) {
	p, err := decode[IDParams](params)
	if err != nil {
		return nil, err
	}
	state, err := s.connectors.SessionState(p.ID)
	if err != nil {
		return nil, err
	}
	return SessionStateResult{ID: p.ID, State: state}, nil
}

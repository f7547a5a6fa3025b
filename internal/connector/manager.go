package connector

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/thrillee/aegisroute/internal/logging"
	"github.com/thrillee/aegisroute/internal/metrics"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/routing"
	"github.com/thrillee/aegisroute/internal/session"
	"github.com/thrillee/aegisroute/internal/workers"
	"github.com/thrillee/aegisroute/pkg/codes"
)

var _ routing.Availability = (*Manager)(nil)

// Factory builds a connector from a validated config.
type Factory func(cfg Config) (Connector, error)

// DefaultFactory builds the real protocol connectors.
func DefaultFactory(cfg Config) (Connector, error) {
	switch cfg.Type {
	case codes.ConnectorSMPPClient:
		return NewSMPPConnector(cfg), nil
	case codes.ConnectorHTTP:
		return NewHTTPConnector(cfg), nil
	}
	return nil, codes.New(codes.KindConfiguration, "unknown connector type %q", cfg.Type)
}

// ManagerConfig tunes dispatching and the breakers of every connector.
type ManagerConfig struct {
	DispatchTimeout time.Duration
	Breaker         BreakerConfig
	Factory         Factory
}

type entry struct {
	conn    Connector
	breaker *Breaker
	// wanted is set by Start and cleared by Stop; the reconnect sweep only
	// revives sessions that are meant to be up.
	wanted bool
}

// Manager is the connector registry. It owns every connector's lifecycle
// and answers availability queries for route resolution.
type Manager struct {
	cfg ManagerConfig

	mu         sync.RWMutex
	connectors map[string]*entry
	deliver    DeliverHandler
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Factory == nil {
		cfg.Factory = DefaultFactory
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	return &Manager{cfg: cfg, connectors: make(map[string]*entry)}
}

// SetDeliverHandler sets the MO handler of current and future session
// connectors.
func (m *Manager) SetDeliverHandler(h DeliverHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliver = h
	for _, e := range m.connectors {
		if sc, ok := e.conn.(SessionConnector); ok {
			sc.SetDeliverHandler(h)
		}
	}
}

func (m *Manager) build(cfg Config) (*entry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := m.cfg.Factory(cfg)
	if err != nil {
		return nil, err
	}
	e := &entry{conn: conn, breaker: NewBreaker(cfg.ID, m.cfg.Breaker)}
	if sc, ok := conn.(SessionConnector); ok {
		sc.Machine().OnTransition(func(id string, _, to session.State) {
			metrics.RecordSessionTransition(id, string(to))
			if to.Bound() {
				e.breaker.Reset()
			}
		})
	}
	return e, nil
}

// Add registers a connector. Session connectors are added stopped.
func (m *Manager) Add(cfg Config) error {
	e, err := m.build(cfg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.connectors[cfg.ID]; exists {
		return codes.New(codes.KindConfiguration, "connector %q already exists", cfg.ID)
	}
	if sc, ok := e.conn.(SessionConnector); ok && m.deliver != nil {
		sc.SetDeliverHandler(m.deliver)
	}
	m.connectors[cfg.ID] = e
	slog.Info("Connector added", slog.String("connector_id", cfg.ID), slog.String("type", cfg.Type))
	return nil
}

// Remove stops the connector's session, if any, and unregisters it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.connectors[id]
	if !ok {
		m.mu.Unlock()
		return codes.New(codes.KindNotFound, "unknown connector %q", id)
	}
	delete(m.connectors, id)
	m.mu.Unlock()

	if sc, ok := e.conn.(SessionConnector); ok {
		if err := sc.Machine().Stop(ctx); err != nil {
			slog.WarnContext(ctx, "Stopping removed connector failed", slog.String("connector_id", id), slog.Any("error", err))
		}
	}
	slog.InfoContext(ctx, "Connector removed", slog.String("connector_id", id))
	return nil
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.connectors[id]
	if !ok {
		return nil, codes.New(codes.KindNotFound, "unknown connector %q", id)
	}
	return e, nil
}

func (m *Manager) sessionOf(id string) (*entry, SessionConnector, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	sc, ok := e.conn.(SessionConnector)
	if !ok {
		return nil, nil, codes.New(codes.KindConfiguration, "connector %q (%s) has no session", id, e.conn.Type())
	}
	return e, sc, nil
}

// Get returns a registered connector.
func (m *Manager) Get(id string) (Connector, bool) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, false
	}
	return e.conn, true
}

// Has reports whether id is registered, and its type.
func (m *Manager) Has(id string) (string, bool) {
	c, ok := m.Get(id)
	if !ok {
		return "", false
	}
	return c.Type(), true
}

// Status is one connector listing line.
type Status struct {
	Config  Config        `json:"config"`
	State   session.State `json:"state,omitempty"`
	Breaker BreakerStats  `json:"breaker"`
}

// List returns every connector sorted by id, with passwords masked.
func (m *Manager) List() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.connectors))
	for _, e := range m.connectors {
		st := Status{Config: e.conn.Config().Redacted(), Breaker: e.breaker.Stats()}
		if sc, ok := e.conn.(SessionConnector); ok {
			st.State = sc.Machine().State()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// Configs returns the stored configs, passwords included, for persistence.
func (m *Manager) Configs() []Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Config, 0, len(m.connectors))
	for _, e := range m.connectors {
		out = append(out, e.conn.Config())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start binds the connector's session and blocks until it is bound or
// failed. Starting a started session returns session.ErrAlreadyStarted.
func (m *Manager) Start(ctx context.Context, id string) error {
	e, sc, err := m.sessionOf(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	e.wanted = true
	m.mu.Unlock()
	return sc.Machine().Start(logging.ContextWithConnectorID(ctx, id))
}

// Stop unbinds the connector's session.
func (m *Manager) Stop(ctx context.Context, id string) error {
	e, sc, err := m.sessionOf(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	e.wanted = false
	m.mu.Unlock()
	return sc.Machine().Stop(logging.ContextWithConnectorID(ctx, id))
}

// SessionState is a pure query of the connector's session state.
func (m *Manager) SessionState(id string) (session.State, error) {
	_, sc, err := m.sessionOf(id)
	if err != nil {
		return "", err
	}
	return sc.Machine().State(), nil
}

// WaitState waits until the connector's session reaches one of states.
func (m *Manager) WaitState(ctx context.Context, id string, states ...session.State) (session.State, error) {
	_, sc, err := m.sessionOf(id)
	if err != nil {
		return "", err
	}
	return sc.Machine().WaitFor(ctx, states...)
}

// Available implements routing.Availability. HTTP connectors are always
// available; SMPP connectors need a session bound for the direction and a
// breaker that is not open.
func (m *Manager) Available(id string, dir routable.Direction) bool {
	e, err := m.lookup(id)
	if err != nil {
		return false
	}
	sc, ok := e.conn.(SessionConnector)
	if !ok {
		return true
	}
	st := sc.Machine().State()
	if dir == routable.MO {
		if !st.CanReceive() {
			return false
		}
	} else if !st.CanTransmit() {
		return false
	}
	return e.breaker.State() != BreakerOpen
}

// Dispatch freezes r and hands it to connector id.
func (m *Manager) Dispatch(ctx context.Context, id string, r *routable.Routable) (Receipt, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Receipt{ConnectorID: id}, codes.Wrap(codes.KindNoAvailableConnector, err, "connector %s vanished", id)
	}
	if !e.breaker.Allow() {
		return Receipt{ConnectorID: id}, codes.New(codes.KindNoAvailableConnector, "connector %s circuit is open", id)
	}
	if err := r.SetConnector(id); err != nil {
		return Receipt{ConnectorID: id}, codes.Wrap(codes.KindInternal, err, "assign connector")
	}
	r.Freeze()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.DispatchTimeout)
	defer cancel()
	start := time.Now()
	receipt, err := e.conn.Dispatch(ctx, r)
	metrics.RecordDispatch(id, err == nil, time.Since(start))

	switch {
	case err == nil:
		e.breaker.Success()
	case errors.Is(err, codes.ErrDispatch):
		e.breaker.Failure()
	}
	return receipt, err
}

// ReconnectSweep restarts the sessions that were lost or failed to bind
// while meant to be up. It is a workers.WorkerFunc.
func (m *Manager) ReconnectSweep(ctx context.Context) (int, error) {
	m.mu.RLock()
	var due []SessionConnector
	for _, e := range m.connectors {
		sc, ok := e.conn.(SessionConnector)
		if !ok || !e.wanted || !e.conn.Config().ReconnectOnLoss {
			continue
		}
		if st := sc.Machine().State(); st == session.StateUnbound || st == session.StateNone {
			due = append(due, sc)
		}
	}
	m.mu.RUnlock()

	var errs []error
	restarted := 0
	for _, sc := range due {
		id := sc.ID()
		logCtx := logging.ContextWithConnectorID(ctx, id)
		slog.InfoContext(logCtx, "Reconnecting lost session")
		err := sc.Machine().Start(logCtx)
		switch {
		case err == nil:
			restarted++
		case errors.Is(err, session.ErrAlreadyStarted):
		default:
			errs = append(errs, err)
		}
	}
	return restarted, errors.Join(errs...)
}

// ReconnectLoop wraps ReconnectSweep for the worker manager.
func (m *Manager) ReconnectLoop(interval time.Duration) workers.Loop {
	return workers.Loop{
		Name:     "connector-reconnect",
		Interval: interval,
		Work:     m.ReconnectSweep,
	}
}

// Replace stops every connector and installs cfgs instead. Nothing changes
// when one of cfgs is invalid.
func (m *Manager) Replace(ctx context.Context, cfgs []Config) error {
	next := make(map[string]*entry, len(cfgs))
	for _, cfg := range cfgs {
		if _, dup := next[cfg.ID]; dup {
			return codes.New(codes.KindConfiguration, "connector %q listed twice", cfg.ID)
		}
		e, err := m.build(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = e
	}
	m.Shutdown(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range next {
		if sc, ok := e.conn.(SessionConnector); ok && m.deliver != nil {
			sc.SetDeliverHandler(m.deliver)
		}
	}
	m.connectors = next
	return nil
}

// Shutdown stops every session connector.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]SessionConnector, 0, len(m.connectors))
	for _, e := range m.connectors {
		if sc, ok := e.conn.(SessionConnector); ok {
			sessions = append(sessions, sc)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sc := range sessions {
		wg.Add(1)
		go func(sc SessionConnector) {
			defer wg.Done()
			if err := sc.Machine().Stop(ctx); err != nil {
				slog.WarnContext(ctx, "Stopping connector failed", slog.String("connector_id", sc.ID()), slog.Any("error", err))
			}
		}(sc)
	}
	wg.Wait()
}

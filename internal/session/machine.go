// Package session tracks the lifecycle of a connector's protocol session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// State of a connector session.
type State string

const (
	StateNone         State = "NONE"
	StateBinding      State = "BINDING"
	StateBoundTRX     State = "BOUND_TRX"
	StateBoundTX      State = "BOUND_TX"
	StateBoundRX      State = "BOUND_RX"
	StateUnbound      State = "UNBOUND"
	StateShuttingDown State = "SHUTTING_DOWN"
)

// Bound reports whether s is one of the BOUND_* states.
func (s State) Bound() bool {
	return s == StateBoundTRX || s == StateBoundTX || s == StateBoundRX
}

// CanTransmit reports whether a session in s may submit (MT) messages.
func (s State) CanTransmit() bool { return s == StateBoundTRX || s == StateBoundTX }

// CanReceive reports whether a session in s may receive (MO) messages.
func (s State) CanReceive() bool { return s == StateBoundTRX || s == StateBoundRX }

// BindMode is the configured bind type of a connector.
type BindMode string

const (
	BindTRX BindMode = "trx"
	BindTX  BindMode = "tx"
	BindRX  BindMode = "rx"
)

func ParseBindMode(s string) (BindMode, error) {
	switch BindMode(s) {
	case BindTRX, "transceiver", "":
		return BindTRX, nil
	case BindTX, "transmitter":
		return BindTX, nil
	case BindRX, "receiver":
		return BindRX, nil
	}
	return "", fmt.Errorf("unsupported bind mode %q", s)
}

// BoundState is the state a successful bind in mode m leads to.
func (m BindMode) BoundState() State {
	switch m {
	case BindTX:
		return StateBoundTX
	case BindRX:
		return StateBoundRX
	default:
		return StateBoundTRX
	}
}

// Driver is the protocol adapter owning the actual session. Bind blocks until
// the session is bound or failed; Unbind blocks until it is closed.
type Driver interface {
	Bind(ctx context.Context) error
	Unbind(ctx context.Context) error
}

// ErrAlreadyStarted is returned by Start on a bound or binding session.
var ErrAlreadyStarted = errors.New("session already started")

type opKind int

const (
	opStart opKind = iota
	opStop
)

// op is one in-flight transition; later callers wait on done.
type op struct {
	kind opKind
	done chan struct{}
	err  error
}

// TransitionFunc observes state changes.
type TransitionFunc func(connectorID string, from, to State)

// Machine is the session state machine of one connector. Transitions are
// serialized: only one start or stop runs at a time and concurrent callers
// observe the result of the transition in flight.
type Machine struct {
	id     string
	mode   BindMode
	driver Driver

	mu        sync.Mutex
	state     State
	pending   *op
	observers []TransitionFunc
}

func NewMachine(connectorID string, mode BindMode, driver Driver) *Machine {
	return &Machine{id: connectorID, mode: mode, driver: driver, state: StateNone}
}

func (m *Machine) ConnectorID() string { return m.id }
func (m *Machine) Mode() BindMode      { return m.mode }

// OnTransition registers an observer called (under the machine lock) for
// every state change. Observers must not call back into the machine.
func (m *Machine) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State is a pure query of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setState must be called with mu held.
func (m *Machine) setState(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	slog.Debug("Session state changed", slog.String("connector_id", m.id), slog.String("from", string(from)), slog.String("to", string(to)))
	for _, fn := range m.observers {
		fn(m.id, from, to)
	}
}

// wait blocks until o completes or ctx is done.
func (o *op) wait(ctx context.Context) error {
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start binds the session: NONE -> BINDING -> BOUND_*, or back to NONE on
// failure. A Start issued while another Start is in flight returns that
// Start's result; one issued during a Stop waits for the Stop first.
func (m *Machine) Start(ctx context.Context) error {
	for {
		m.mu.Lock()
		if o := m.pending; o != nil {
			m.mu.Unlock()
			if err := o.wait(ctx); err != nil {
				return err
			}
			if o.kind == opStart {
				return o.err
			}
			continue
		}
		if m.state.Bound() {
			m.mu.Unlock()
			return ErrAlreadyStarted
		}
		if m.state == StateUnbound {
			m.setState(StateNone)
		}
		o := &op{kind: opStart, done: make(chan struct{})}
		m.pending = o
		m.setState(StateBinding)
		m.mu.Unlock()

		err := m.driver.Bind(ctx)

		m.mu.Lock()
		if err != nil {
			m.setState(StateNone)
		} else {
			m.setState(m.mode.BoundState())
		}
		m.pending = nil
		o.err = err
		close(o.done)
		m.mu.Unlock()
		return err
	}
}

// Stop unbinds the session: BOUND_* -> SHUTTING_DOWN -> UNBOUND -> NONE.
// It waits for an in-flight Start to finish first, joins an in-flight Stop,
// and succeeds without doing anything on a stopped session.
func (m *Machine) Stop(ctx context.Context) error {
	for {
		m.mu.Lock()
		if o := m.pending; o != nil {
			m.mu.Unlock()
			if err := o.wait(ctx); err != nil {
				return err
			}
			if o.kind == opStop {
				return o.err
			}
			continue
		}
		switch m.state {
		case StateNone:
			m.mu.Unlock()
			return nil
		case StateUnbound:
			// dropped earlier, nothing left to close
			m.setState(StateNone)
			m.mu.Unlock()
			return nil
		}
		o := &op{kind: opStop, done: make(chan struct{})}
		m.pending = o
		m.setState(StateShuttingDown)
		m.mu.Unlock()

		err := m.driver.Unbind(ctx)
		if err != nil {
			slog.WarnContext(ctx, "Unbind reported an error, session is considered closed", slog.String("connector_id", m.id), slog.Any("error", err))
		}

		m.mu.Lock()
		m.setState(StateUnbound)
		m.setState(StateNone)
		m.pending = nil
		o.err = nil
		close(o.done)
		m.mu.Unlock()
		return nil
	}
}

// Dropped records a session lost without a Stop (link failure, peer
// unbind). Only a bound session moves, to UNBOUND; drops reported while a
// transition is in flight are left to that transition.
func (m *Machine) Dropped(reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil || !m.state.Bound() {
		return
	}
	slog.Warn("Session dropped", slog.String("connector_id", m.id), slog.Any("reason", reason))
	m.setState(StateUnbound)
}

// WaitFor polls the state until it is one of states, backing off from 10ms
// up to 200ms between polls, or until ctx is done.
func (m *Machine) WaitFor(ctx context.Context, states ...State) (State, error) {
	backoff := 10 * time.Millisecond
	for {
		s := m.State()
		if slices.Contains(states, s) {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

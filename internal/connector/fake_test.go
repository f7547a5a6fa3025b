package connector

import (
	"context"
	"errors"
	"sync"

	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/session"
	"github.com/thrillee/aegisroute/pkg/codes"
)

// fakeSMPP is a session connector whose bind and submit outcomes are set by
// the test.
type fakeSMPP struct {
	cfg     Config
	machine *session.Machine

	mu          sync.Mutex
	bindErr     error
	dispatchErr error
	dispatched  []*routable.Routable
	deliver     DeliverHandler
}

func newFakeSMPP(cfg Config) *fakeSMPP {
	f := &fakeSMPP{cfg: cfg}
	f.machine = session.NewMachine(cfg.ID, cfg.Mode(), f)
	return f
}

func (f *fakeSMPP) ID() string                { return f.cfg.ID }
func (f *fakeSMPP) Type() string              { return codes.ConnectorSMPPClient }
func (f *fakeSMPP) Config() Config            { return f.cfg }
func (f *fakeSMPP) Machine() *session.Machine { return f.machine }

func (f *fakeSMPP) SetDeliverHandler(h DeliverHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliver = h
}

func (f *fakeSMPP) Bind(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bindErr
}

func (f *fakeSMPP) Unbind(context.Context) error { return nil }

func (f *fakeSMPP) Dispatch(_ context.Context, r *routable.Routable) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, r)
	if f.dispatchErr != nil {
		return Receipt{ConnectorID: f.cfg.ID}, f.dispatchErr
	}
	return Receipt{ConnectorID: f.cfg.ID, MessageIDs: []string{"msg-1"}, Segments: 1}, nil
}

func (f *fakeSMPP) setBindErr(err error) {
	f.mu.Lock()
	f.bindErr = err
	f.mu.Unlock()
}

func (f *fakeSMPP) setDispatchErr(err error) {
	f.mu.Lock()
	f.dispatchErr = err
	f.mu.Unlock()
}

var errSubmit = codes.Wrap(codes.KindDispatch, errors.New("0x00000045"), codes.ErrorCodeSubmitFailed)

// fakeFactory builds fakeSMPP for smppc and real HTTP connectors for http,
// and keeps the fakes so tests can drive them.
type fakeFactory struct {
	mu    sync.Mutex
	built map[string]*fakeSMPP
}

func (ff *fakeFactory) build(cfg Config) (Connector, error) {
	if cfg.Type != codes.ConnectorSMPPClient {
		return DefaultFactory(cfg)
	}
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.built == nil {
		ff.built = make(map[string]*fakeSMPP)
	}
	f := newFakeSMPP(cfg)
	ff.built[cfg.ID] = f
	return f, nil
}

func (ff *fakeFactory) get(id string) *fakeSMPP {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.built[id]
}

func smppcConfig(id string) Config {
	return Config{ID: id, Type: codes.ConnectorSMPPClient, Host: "127.0.0.1", Port: 2775, SystemID: "sys", Password: "pwd"}
}

package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/linxGnu/gosmpp"
	"github.com/linxGnu/gosmpp/data"
	"github.com/linxGnu/gosmpp/pdu"
	"github.com/thrillee/aegisroute/internal/logging"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/session"
	"github.com/thrillee/aegisroute/pkg/codes"
	"github.com/thrillee/aegisroute/pkg/segmenter"
)

// Compile-time check
var _ SessionConnector = (*SMPPConnector)(nil)
var _ session.Driver = (*SMPPConnector)(nil)

var errSessionClosed = errors.New("smpp session closed before response")

// submitResult correlates a submit_sm with its response.
type submitResult struct {
	messageID string
	status    data.CommandStatusType
	err       error
}

// SMPPConnector is an SMPP client connector. It drives one gosmpp session
// and is itself the driver of the connector's session.Machine.
type SMPPConnector struct {
	cfg     Config
	machine *session.Machine

	connMu  sync.Mutex
	sess    *gosmpp.Session
	closing atomic.Bool

	pending sync.Map // int32 sequence -> chan submitResult
	refNum  atomic.Uint32

	handlerMu sync.RWMutex
	deliver   DeliverHandler
}

func NewSMPPConnector(cfg Config) *SMPPConnector {
	c := &SMPPConnector{cfg: cfg}
	c.machine = session.NewMachine(cfg.ID, cfg.Mode(), c)
	return c
}

func (c *SMPPConnector) ID() string                { return c.cfg.ID }
func (c *SMPPConnector) Type() string              { return codes.ConnectorSMPPClient }
func (c *SMPPConnector) Config() Config            { return c.cfg }
func (c *SMPPConnector) Machine() *session.Machine { return c.machine }

func (c *SMPPConnector) SetDeliverHandler(h DeliverHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.deliver = h
}

// =============================================================================
// Session driver
// =============================================================================

// Bind dials the SMSC and binds. It implements session.Driver.
func (c *SMPPConnector) Bind(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	logCtx := logging.ContextWithConnectorID(ctx, c.cfg.ID)
	slog.InfoContext(logCtx, "Connecting and binding SMPP session",
		slog.String("smsc", c.cfg.addr()),
		slog.String("system_id", c.cfg.SystemID),
		slog.String("bind_mode", string(c.cfg.Mode())),
	)

	auth := gosmpp.Auth{
		SMSC:       c.cfg.addr(),
		SystemID:   c.cfg.SystemID,
		Password:   c.cfg.Password,
		SystemType: c.cfg.SystemType,
	}
	dialer := func(addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: c.cfg.ConnectTimeout()}
		return d.DialContext(ctx, "tcp", addr)
	}

	var connector gosmpp.Connector
	switch c.cfg.Mode() {
	case session.BindTX:
		connector = gosmpp.TXConnector(dialer, auth)
	case session.BindRX:
		connector = gosmpp.RXConnector(dialer, auth)
	default:
		connector = gosmpp.TRXConnector(dialer, auth)
	}

	settings := gosmpp.Settings{
		EnquireLink:  c.cfg.EnquireLink(),
		ReadTimeout:  2 * c.cfg.EnquireLink(),
		WriteTimeout: c.cfg.RequestTimeout(),

		WindowedRequestTracking: &gosmpp.WindowedRequestTracking{
			MaxWindowSize:         uint8(c.cfg.Window()),
			PduExpireTimeOut:      c.cfg.RequestTimeout(),
			ExpireCheckTimer:      c.cfg.RequestTimeout() / 2,
			EnableAutoRespond:     false,
			OnReceivedPduRequest:  c.handleReceivedPduRequest,
			OnExpectedPduResponse: c.handleExpectedPduResponse,
			OnExpiredPduRequest:   c.handleExpiredPduRequest,
			OnClosePduRequest:     c.handleClosePduRequest,
		},

		OnSubmitError:    c.onSubmitError,
		OnReceivingError: c.onReceivingError,
		OnRebindingError: c.onRebindingError,
		OnClosed:         c.onClosed,
	}

	c.closing.Store(false)
	// no automatic rebind: reconnection is the manager's reconnect sweep
	sess, err := gosmpp.NewSession(connector, settings, 0)
	if err != nil {
		slog.ErrorContext(logCtx, "SMPP bind failed", slog.Any("error", err))
		return fmt.Errorf("bind %s to %s: %w", c.cfg.ID, c.cfg.addr(), err)
	}
	c.sess = sess
	slog.InfoContext(logCtx, "SMPP session bound")
	return nil
}

// Unbind closes the session gracefully. It implements session.Driver.
func (c *SMPPConnector) Unbind(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.sess == nil {
		return nil
	}
	c.closing.Store(true)
	err := c.sess.Close()
	c.sess = nil
	c.failPending(errSessionClosed)
	slog.InfoContext(logging.ContextWithConnectorID(ctx, c.cfg.ID), "SMPP session closed")
	return err
}

func (c *SMPPConnector) session() *gosmpp.Session {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.sess
}

func (c *SMPPConnector) failPending(err error) {
	c.pending.Range(func(key, _ any) bool {
		// a response racing the sweep may already own the channel
		if v, ok := c.pending.LoadAndDelete(key); ok {
			v.(chan submitResult) <- submitResult{err: err}
		}
		return true
	})
}

// =============================================================================
// MT dispatch
// =============================================================================

// Dispatch sends r as one or more submit_sm and waits for every response.
func (c *SMPPConnector) Dispatch(ctx context.Context, r *routable.Routable) (Receipt, error) {
	receipt := Receipt{ConnectorID: c.cfg.ID}
	if st := c.machine.State(); !st.CanTransmit() {
		return receipt, codes.New(codes.KindNoAvailableConnector, "connector %s cannot transmit in state %s", c.cfg.ID, st)
	}
	sess := c.session()
	if sess == nil {
		return receipt, codes.New(codes.KindNoAvailableConnector, "connector %s has no session", c.cfg.ID)
	}

	dc, known := r.IntParam(routable.ParamDataCoding)
	plan := segmenter.Split(r.Content(), segmenter.CodingFor(dc, known))
	receipt.Segments = plan.Count()
	ref := uint16(c.refNum.Add(1))

	for i, segment := range plan.Segments {
		p, err := c.buildSubmitSM(r, plan, segment, ref, i+1)
		if err != nil {
			return receipt, codes.Wrap(codes.KindDispatch, err, "build submit_sm")
		}
		id, err := c.submit(ctx, sess, p)
		if err != nil {
			return receipt, err
		}
		receipt.MessageIDs = append(receipt.MessageIDs, id)
	}
	return receipt, nil
}

func (c *SMPPConnector) submit(ctx context.Context, sess *gosmpp.Session, p *pdu.SubmitSM) (string, error) {
	seq := p.GetSequenceNumber()
	ch := make(chan submitResult, 1)
	c.pending.Store(seq, ch)

	if err := sess.Transceiver().Submit(p); err != nil {
		c.pending.Delete(seq)
		if errors.Is(err, gosmpp.ErrWindowsFull) {
			return "", codes.Wrap(codes.KindDispatch, err, codes.ErrorCodeWindowFull)
		}
		return "", codes.Wrap(codes.KindDispatch, err, codes.ErrorCodeSubmitFailed)
	}

	select {
	case res := <-ch:
		switch {
		case res.err != nil:
			return "", codes.Wrap(codes.KindDispatch, res.err, codes.ErrorCodeTimeout)
		case res.status != data.ESME_ROK:
			return "", &codes.Error{
				Kind:    codes.KindDispatch,
				Message: fmt.Sprintf("%s: submit_sm rejected: %s (0x%08X)", codes.ErrorCodeSubmitFailed, res.status.Desc(), uint32(res.status)),
				Status:  int(res.status),
			}
		}
		return res.messageID, nil
	case <-ctx.Done():
		c.pending.Delete(seq)
		return "", codes.Wrap(codes.KindDispatch, ctx.Err(), codes.ErrorCodeTimeout)
	}
}

// buildSubmitSM constructs the PDU for a single segment.
func (c *SMPPConnector) buildSubmitSM(r *routable.Routable, plan segmenter.Plan, content string, ref uint16, seqn int) (*pdu.SubmitSM, error) {
	p := pdu.NewSubmitSM().(*pdu.SubmitSM)

	srcAddr := pdu.NewAddress()
	srcAddr.SetTon(c.cfg.SourceAddrTON)
	srcAddr.SetNpi(c.cfg.SourceAddrNPI)
	if err := srcAddr.SetAddress(r.SourceAddr()); err != nil {
		return nil, fmt.Errorf("invalid source address %q: %w", r.SourceAddr(), err)
	}
	p.SourceAddr = srcAddr

	destAddr := pdu.NewAddress()
	destAddr.SetTon(c.cfg.DestAddrTON)
	destAddr.SetNpi(c.cfg.DestAddrNPI)
	if err := destAddr.SetAddress(r.DestinationAddr()); err != nil {
		return nil, fmt.Errorf("invalid destination address %q: %w", r.DestinationAddr(), err)
	}
	p.DestAddr = destAddr

	var coding data.Encoding = data.GSM7BIT
	if plan.UCS2 {
		coding = data.UCS2
	}
	if err := p.Message.SetMessageWithEncoding(content, coding); err != nil {
		return nil, fmt.Errorf("set message content: %w", err)
	}

	p.ProtocolID = 0
	p.ReplaceIfPresentFlag = 0
	if v, ok := r.IntParam(routable.ParamRegisteredDelivery); ok {
		p.RegisteredDelivery = byte(v)
	}
	if v, ok := r.IntParam(routable.ParamPriorityFlag); ok {
		p.PriorityFlag = byte(v)
	}
	if v, ok := r.IntParam(routable.ParamEsmClass); ok {
		p.EsmClass = byte(v)
	}

	if plan.Multipart() {
		p.RegisterOptionalParam(pdu.Field{Tag: pdu.TagSarMsgRefNum, Data: []byte{byte(ref >> 8), byte(ref)}})
		p.RegisterOptionalParam(pdu.Field{Tag: pdu.TagSarTotalSegments, Data: []byte{byte(plan.Count())}})
		p.RegisterOptionalParam(pdu.Field{Tag: pdu.TagSarSegmentSeqnum, Data: []byte{byte(seqn)}})
	}
	return p, nil
}

// =============================================================================
// gosmpp callbacks
// =============================================================================

func (c *SMPPConnector) logContext() context.Context {
	return logging.ContextWithConnectorID(context.Background(), c.cfg.ID)
}

func (c *SMPPConnector) onSubmitError(p pdu.PDU, err error) {
	slog.WarnContext(c.logContext(), "gosmpp OnSubmitError callback triggered",
		slog.Any("error", err), slog.Int("pdu_seq", int(p.GetSequenceNumber())))
}

func (c *SMPPConnector) onReceivingError(err error) {
	slog.ErrorContext(c.logContext(), "gosmpp OnReceivingError callback triggered", slog.Any("error", err))
}

func (c *SMPPConnector) onRebindingError(err error) {
	slog.ErrorContext(c.logContext(), "gosmpp OnRebindingError callback triggered", slog.Any("error", err))
}

// onClosed fires for our own Unbind and for link losses; only the latter is
// a drop.
func (c *SMPPConnector) onClosed(state gosmpp.State) {
	if c.closing.Load() || state == gosmpp.ExplicitClosing {
		slog.DebugContext(c.logContext(), "SMPP session closed on request", slog.String("final_state", state.String()))
		return
	}
	slog.WarnContext(c.logContext(), "SMPP session lost", slog.String("final_state", state.String()))
	c.connMu.Lock()
	c.sess = nil
	c.connMu.Unlock()
	c.failPending(errSessionClosed)
	c.machine.Dropped(fmt.Errorf("session closed: %s", state.String()))
}

func (c *SMPPConnector) handleReceivedPduRequest(p pdu.PDU) (pdu.PDU, bool) {
	logCtx := logging.ContextWithPDUInfo(c.logContext(), p.GetHeader().CommandID.String(), p.GetSequenceNumber())

	switch pd := p.(type) {
	case *pdu.DeliverSM:
		c.processDeliverSM(logCtx, pd)
		return pd.GetResponse(), false
	case *pdu.EnquireLink:
		slog.DebugContext(logCtx, "Received EnquireLink from SMSC")
		return pd.GetResponse(), false
	case *pdu.Unbind:
		slog.InfoContext(logCtx, "Received Unbind request from SMSC")
		return pd.GetResponse(), true
	case *pdu.DataSM:
		slog.InfoContext(logCtx, "Received DataSM from SMSC, not routed")
		return pd.GetResponse(), false
	case *pdu.AlertNotification:
		slog.InfoContext(logCtx, "Received AlertNotification from SMSC")
	default:
		slog.WarnContext(logCtx, "Received unexpected PDU type from SMSC")
	}
	return nil, false
}

func (c *SMPPConnector) handleExpectedPduResponse(response gosmpp.Response) {
	reqPDU := response.OriginalRequest.PDU
	switch resp := response.PDU.(type) {
	case *pdu.SubmitSMResp:
		c.resolve(reqPDU.GetSequenceNumber(), submitResult{messageID: resp.MessageID, status: resp.CommandStatus})
	case *pdu.EnquireLinkResp, *pdu.UnbindResp:
	default:
		slog.WarnContext(c.logContext(), "Received unexpected response PDU type",
			slog.String("resp_type", response.PDU.GetHeader().CommandID.String()))
	}
}

func (c *SMPPConnector) handleExpiredPduRequest(p pdu.PDU) bool {
	logCtx := logging.ContextWithPDUInfo(c.logContext(), p.GetHeader().CommandID.String(), p.GetSequenceNumber())
	switch p.(type) {
	case *pdu.SubmitSM:
		slog.WarnContext(logCtx, "SubmitSM expired without response")
		c.resolve(p.GetSequenceNumber(), submitResult{err: errors.New("submit_sm response timed out")})
		return false
	case *pdu.EnquireLink:
		slog.ErrorContext(logCtx, "EnquireLink expired, closing stale session")
		return true
	}
	return false
}

func (c *SMPPConnector) handleClosePduRequest(p pdu.PDU) {
	if _, ok := p.(*pdu.SubmitSM); ok {
		c.resolve(p.GetSequenceNumber(), submitResult{err: errSessionClosed})
	}
}

func (c *SMPPConnector) resolve(seq int32, res submitResult) {
	v, ok := c.pending.LoadAndDelete(seq)
	if !ok {
		slog.DebugContext(c.logContext(), "Response for unknown or abandoned submit_sm", slog.Int("pdu_seq", int(seq)))
		return
	}
	v.(chan submitResult) <- res
}

// processDeliverSM turns an MO deliver_sm into an MO Routable. Delivery
// receipts are logged and acknowledged only.
func (c *SMPPConnector) processDeliverSM(ctx context.Context, p *pdu.DeliverSM) {
	if (p.EsmClass>>2)&0x0F == 1 {
		slog.InfoContext(ctx, "Received delivery receipt, not routed")
		return
	}
	content, err := p.Message.GetMessage()
	if err != nil {
		slog.WarnContext(ctx, "Cannot decode deliver_sm content", slog.Any("error", err))
		return
	}
	coding := 0
	if enc := p.Message.Encoding(); enc != nil {
		coding = int(enc.DataCoding())
	}

	r := routable.New(routable.MO, map[string]any{
		routable.ParamSourceAddr:      p.SourceAddr.Address(),
		routable.ParamDestinationAddr: p.DestAddr.Address(),
		routable.ParamShortMessage:    content,
		routable.ParamDataCoding:      coding,
		routable.ParamEsmClass:        int(p.EsmClass),
	})
	r.SourceConnector = c.cfg.ID

	c.handlerMu.RLock()
	handler := c.deliver
	c.handlerMu.RUnlock()
	if handler == nil {
		slog.WarnContext(ctx, "Received MO message but no deliver handler is registered")
		return
	}
	slog.InfoContext(ctx, "Received MO message", slog.String("routable_id", r.ID))
	go func() {
		moCtx := logging.ContextWithRoutable(logging.ContextWithConnectorID(context.Background(), c.cfg.ID), r.ID, string(r.Direction))
		if err := handler(moCtx, r); err != nil {
			slog.WarnContext(moCtx, "MO message not delivered", slog.Any("error", err))
		}
	}()
}

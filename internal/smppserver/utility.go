package smppserver

import (
	"fmt"

	"github.com/linxGnu/gosmpp/pdu"
)

// commandName names a PDU for logging.
func commandName(p pdu.PDU) string {
	switch v := p.(type) {
	case *pdu.BindRequest:
		return bindName(v.BindingType)
	case *pdu.SubmitSM:
		return "SubmitSM"
	case *pdu.DeliverSM:
		return "DeliverSM"
	case *pdu.Unbind:
		return "Unbind"
	case *pdu.EnquireLink:
		return "EnquireLink"
	case *pdu.GenericNack:
		return "GenericNack"
	default:
		return fmt.Sprintf("%T", p)
	}
}

func bindName(t pdu.BindingType) string {
	switch t {
	case pdu.Transceiver:
		return "BindTransceiver"
	case pdu.Transmitter:
		return "BindTransmitter"
	case pdu.Receiver:
		return "BindReceiver"
	default:
		return "Bind"
	}
}

// canSubmit reports whether a session bound as t may send submit_sm.
func canSubmit(t pdu.BindingType) bool {
	return t == pdu.Transceiver || t == pdu.Transmitter
}

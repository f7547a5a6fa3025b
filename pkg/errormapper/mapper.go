// Package errormapper translates gateway error kinds into the status codes
// and bodies of each edge protocol.
package errormapper

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/linxGnu/gosmpp/data"
	"github.com/thrillee/aegisroute/pkg/codes"
)

// SMPP command statuses used by the SMPP edge.
const (
	StatusOK             = data.CommandStatusType(0x00000000) // ESME_ROK
	StatusSysErr         = data.CommandStatusType(0x00000008) // ESME_RSYSERR
	StatusInvDstAdr      = data.CommandStatusType(0x0000000B) // ESME_RINVDSTADR
	StatusBindFail       = data.CommandStatusType(0x0000000D) // ESME_RBINDFAIL
	StatusInvPaswd       = data.CommandStatusType(0x0000000E) // ESME_RINVPASWD
	StatusSubmitFail     = data.CommandStatusType(0x00000045) // ESME_RSUBMITFAIL
	StatusThrottled      = data.CommandStatusType(0x00000058) // ESME_RTHROTTLED
	StatusInvOptParamVal = data.CommandStatusType(0x000000C4) // ESME_RINVOPTPARAMVAL
)

// Edge messages.
const (
	MsgInterceptorNotSet       = "InterceptorPB not set !"
	MsgInterceptorNotConnected = "InterceptorPB not connected !"
	MsgInterceptionFailed      = "Failed running interception script, check log for details"
	MsgThrottled               = "User throughput exceeded"
	MsgNoRoute                 = "No route found"
	MsgCannotCharge            = "Cannot charge submit_sm, check log file for details"
	MsgCannotSend              = "Cannot send submit_sm, check log file for details"
)

// DefaultRejectStatus is used when a script vetoes without an HTTP status.
const DefaultRejectStatus = http.StatusBadRequest

// smppStatuser is implemented by errors carrying their own SMPP status,
// such as interception vetoes.
type smppStatuser interface {
	SMPPCommandStatus() int
}

// HTTP returns the status code and message the HTTP edge answers err with.
func HTTP(err error) (int, string) {
	var e *codes.Error
	if !errors.As(err, &e) {
		slog.Debug("No specific mapping found for error, returning default", slog.Any("error", err))
		return http.StatusInternalServerError, MsgCannotSend
	}
	switch e.Kind {
	case codes.KindInterceptionNotConfigured:
		return http.StatusServiceUnavailable, MsgInterceptorNotSet
	case codes.KindInterceptionUnavailable:
		return http.StatusServiceUnavailable, MsgInterceptorNotConnected
	case codes.KindInterceptionFailed:
		return http.StatusBadRequest, MsgInterceptionFailed
	case codes.KindInterceptionRejected:
		status := e.Status
		if status < 100 || status > 599 {
			status = DefaultRejectStatus
		}
		return status, fmt.Sprintf("Interception specific error code %d", status)
	case codes.KindAuthentication:
		return http.StatusForbidden, e.Message
	case codes.KindThrottled:
		return http.StatusForbidden, MsgThrottled
	case codes.KindInsufficientBalance:
		return http.StatusForbidden, MsgCannotCharge
	case codes.KindRouteNotFound:
		return http.StatusPreconditionFailed, MsgNoRoute
	case codes.KindConfiguration:
		return http.StatusBadRequest, e.Message
	}
	return http.StatusInternalServerError, MsgCannotSend
}

// SMPP returns the command status the SMPP edge answers err with.
func SMPP(err error) data.CommandStatusType {
	if err == nil {
		return StatusOK
	}
	var s smppStatuser
	if errors.As(err, &s) && s.SMPPCommandStatus() > 0 {
		return data.CommandStatusType(s.SMPPCommandStatus())
	}
	switch codes.KindOf(err) {
	case codes.KindAuthentication:
		return StatusInvPaswd
	case codes.KindThrottled:
		return StatusThrottled
	case codes.KindRouteNotFound:
		return StatusInvDstAdr
	case codes.KindConfiguration:
		return StatusInvOptParamVal
	case codes.KindNoAvailableConnector, codes.KindDispatch, codes.KindInsufficientBalance, codes.KindInterceptionRejected:
		return StatusSubmitFail
	}
	return StatusSysErr
}

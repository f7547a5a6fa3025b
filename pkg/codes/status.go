package codes

// Message outcome codes, used as log fields and metric labels.
const (
	OutcomeDispatched   = "dispatched"
	OutcomeRated        = "rated"
	OutcomeNoRoute      = "no_route"
	OutcomeNoConnector  = "no_connector"
	OutcomeRejected     = "rejected"
	OutcomeFailed       = "failed"
	OutcomeThrottled    = "throttled"
	OutcomeUnauthorized = "unauthorized"
	OutcomeNoBalance    = "no_balance"
)

// Interception outcome codes.
const (
	InterceptionPassed        = "passed"
	InterceptionSkipped       = "skipped" // no interceptor matched
	InterceptionMutated       = "mutated"
	InterceptionVetoed        = "vetoed"
	InterceptionSyntaxError   = "syntax_error"
	InterceptionRuntimeError  = "runtime_error"
	InterceptionNotConfigured = "not_configured"
	InterceptionUnavailable   = "unavailable"
)

// Connector types.
const (
	ConnectorSMPPClient = "smppc"
	ConnectorHTTP       = "http"
)

// Dispatch error codes reported by protocol adapters.
const (
	ErrorCodeWindowFull   = "SMSC_WINDOW_FULL"
	ErrorCodeTimeout      = "SMSC_TIMEOUT"
	ErrorCodeSubmitFailed = "SMSC_SUBMIT_FAIL"
	ErrorCodeHTTPFailed   = "HTTP_DELIVERY_FAIL"
	ErrorCodeSystemError  = "SYS_ERR"
)

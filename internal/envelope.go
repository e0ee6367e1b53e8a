package autorouter

import "net/http"

// ErrorCode is the machine-readable code carried in the error envelope.
type ErrorCode string

const (
	CodeAllUpstreamsUnavailable ErrorCode = "ALL_UPSTREAMS_UNAVAILABLE"
	CodeNoAuthorizedUpstreams   ErrorCode = "NO_AUTHORIZED_UPSTREAMS"
	CodeNoUpstreamsConfigured   ErrorCode = "NO_UPSTREAMS_CONFIGURED"
	CodeServiceUnavailable      ErrorCode = "SERVICE_UNAVAILABLE"
	CodeRequestTimeout          ErrorCode = "REQUEST_TIMEOUT"
	CodeClientDisconnected      ErrorCode = "CLIENT_DISCONNECTED"
	CodeStreamError             ErrorCode = "STREAM_ERROR"
)

// StatusClientClosedRequest is the nginx-style status for a client that went
// away before the response was written. Never sent on the wire for a closed
// connection; recorded in logs.
const StatusClientClosedRequest = 499

// HTTPStatus returns the fixed HTTP status for an error code.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeNoAuthorizedUpstreams:
		return http.StatusForbidden
	case CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case CodeClientDisconnected:
		return StatusClientClosedRequest
	case CodeStreamError:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

// ErrorType returns the envelope's error.type for a code.
func (c ErrorCode) ErrorType() string {
	switch c {
	case CodeRequestTimeout:
		return "timeout"
	case CodeNoAuthorizedUpstreams:
		return "client_error"
	case CodeStreamError:
		return "stream_error"
	default:
		return "service_unavailable"
	}
}

// ErrorBody is the client-facing error detail inside the envelope.
type ErrorBody struct {
	Message string    `json:"message"`
	Type    string    `json:"type"`
	Code    ErrorCode `json:"code"`
}

// ErrorEnvelope is the unified error payload returned by the proxy surface.
// Messages never carry upstream-identifying text (names, URLs).
type ErrorEnvelope struct {
	Error           ErrorBody `json:"error"`
	Reason          string    `json:"reason,omitempty"`
	DidSendUpstream bool      `json:"did_send_upstream"`
	RequestID       string    `json:"request_id,omitempty"`
	UserHint        string    `json:"user_hint,omitempty"`
}

// NewErrorEnvelope builds an envelope for code with the given client-safe
// message.
func NewErrorEnvelope(code ErrorCode, msg, requestID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Error: ErrorBody{
			Message: msg,
			Type:    code.ErrorType(),
			Code:    code,
		},
		RequestID: requestID,
	}
}

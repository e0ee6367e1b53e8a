package autorouter

import "errors"

// Sentinel errors for the AutoRouter domain.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrKeyExpired     = errors.New("api key expired")
	ErrKeyInactive    = errors.New("api key inactive")
	ErrQuotaExceeded  = errors.New("spending quota exceeded")
	ErrCircuitOpen    = errors.New("circuit open")
	ErrProbeBusy      = errors.New("half-open probe in flight")
	ErrBadRequest     = errors.New("bad request")
	ErrRevealDisabled = errors.New("key reveal disabled")
)

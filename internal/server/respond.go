package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	autorouter "github.com/g1331/autorouter/internal"
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, autorouter.ErrUnauthorized),
		errors.Is(err, autorouter.ErrKeyExpired),
		errors.Is(err, autorouter.ErrKeyInactive):
		return http.StatusUnauthorized
	case errors.Is(err, autorouter.ErrForbidden), errors.Is(err, autorouter.ErrRevealDisabled):
		return http.StatusForbidden
	case errors.Is(err, autorouter.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, autorouter.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, autorouter.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

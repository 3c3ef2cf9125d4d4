package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

var errorStatusCodes = map[error]int{
	ErrInvalidInput:     http.StatusBadRequest,
	ErrUnavailable:      http.StatusServiceUnavailable,
	ErrInvalidSignature: http.StatusForbidden,
	ErrInvalidConfig:    http.StatusInternalServerError,

	ErrSessionNotFound:  http.StatusNotFound,
	ErrDuplicateSession: http.StatusConflict,
	ErrStaleHandle:      http.StatusGone,
	ErrSessionNotActive: http.StatusConflict,
	ErrQueueFull:        http.StatusTooManyRequests,
}

// WriteError writes a standardized JSON error response
func WriteError(w http.ResponseWriter, err error) {
	var statusCode int
	var response map[string]interface{}

	var serr *Error
	switch {
	case err == nil:
		statusCode = http.StatusInternalServerError
		response = map[string]interface{}{"error": "Unknown error"}
	case errors.As(err, &serr):
		statusCode = HTTPStatusFromError(serr)
		response = serr.AsJSON()
	default:
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{"error": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(response)
}

// HTTPStatusFromError determines the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	for err != nil {
		if code, ok := errorStatusCodes[err]; ok {
			return code
		}
		unwrapped := errors.Unwrap(err)
		if unwrapped == err || unwrapped == nil {
			break
		}
		err = unwrapped
	}
	return http.StatusInternalServerError
}

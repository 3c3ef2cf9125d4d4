package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sentinel errors shared by the coaching server packages
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnavailable      = errors.New("service unavailable")
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// Session lifecycle errors
	ErrSessionNotFound  = errors.New("coaching session not found")
	ErrDuplicateSession = errors.New("call already has an active coaching session")
	ErrStaleHandle      = errors.New("session handle refers to a destroyed session")
	ErrSessionNotActive = errors.New("coaching session is not active")
	ErrQueueFull        = errors.New("session queue is full")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Error represents a structured error with its creation site and context fields
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int

	// Code is an optional machine readable code for API responses
	Code string
}

func build(skip int, original error, message, code string, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(skip + 1)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return build(1, errors.New(message), message, "", fields)
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return build(1, err, message, GetErrorCode(err), fields)
}

func (e *Error) clone(extra int) *Error {
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+extra),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return result
}

// WithField returns a copy of the error with one more context field
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(1)
	result.fields[key] = value
	return result
}

// WithFields returns a copy of the error with the given context fields merged in
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode returns a copy of the error carrying the given code
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(0)
	result.Code = code
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// AsJSON returns the error in JSON-friendly map format
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"error":    e.Error(),
		"location": e.Location(),
	}
	if e.Code != "" {
		result["code"] = e.Code
	}
	if len(e.fields) > 0 {
		result["context"] = e.fields
	}
	return result
}

// NewInvalidInput creates an ErrInvalidInput error
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return build(1, ErrInvalidInput, message, "INVALID_INPUT", fields)
}

// NewInvalidConfig creates an ErrInvalidConfig error naming the offending setting
func NewInvalidConfig(setting, details string) *Error {
	return build(1, ErrInvalidConfig, fmt.Sprintf("%s: %s", setting, details), "INVALID_CONFIG",
		[]map[string]interface{}{{"setting": setting}})
}

// NewInvalidSignature creates an ErrInvalidSignature error for a rejected webhook
func NewInvalidSignature(webhook string) *Error {
	return build(1, ErrInvalidSignature, fmt.Sprintf("%s webhook signature did not match", webhook), "INVALID_SIGNATURE",
		[]map[string]interface{}{{"webhook": webhook}})
}

// NewSessionNotFound creates an ErrSessionNotFound error for the given session
func NewSessionNotFound(sessionID string) *Error {
	return build(1, ErrSessionNotFound, fmt.Sprintf("coaching session not found: %s", sessionID), "SESSION_NOT_FOUND",
		[]map[string]interface{}{{"session_id": sessionID}})
}

// NewDuplicateSession creates an ErrDuplicateSession error for the given call
func NewDuplicateSession(callID, existingSessionID string) *Error {
	return build(1, ErrDuplicateSession, fmt.Sprintf("call %s already has an active coaching session", callID), "DUPLICATE_SESSION",
		[]map[string]interface{}{{"call_id": callID, "session_id": existingSessionID}})
}

// NewStaleHandle creates an ErrStaleHandle error
func NewStaleHandle(sessionID string, want, have uint64) *Error {
	return build(1, ErrStaleHandle, fmt.Sprintf("stale handle for session %s", sessionID), "STALE_HANDLE",
		[]map[string]interface{}{{"session_id": sessionID, "handle_generation": want, "current_generation": have}})
}

// NewSessionNotActive creates an ErrSessionNotActive error
func NewSessionNotActive(sessionID, state string) *Error {
	return build(1, ErrSessionNotActive, fmt.Sprintf("coaching session %s is %s", sessionID, state), "SESSION_NOT_ACTIVE",
		[]map[string]interface{}{{"session_id": sessionID, "state": state}})
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// Package errors maps application errors onto gofulmen error envelopes and
// writes them as the HTTP error body.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// Error codes used in HTTP envelopes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeRequestTooLarge    = "REQUEST_TOO_LARGE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

var codeStatus = map[string]int{
	CodeBadRequest:         http.StatusBadRequest,
	CodeValidation:         http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeMethodNotAllowed:   http.StatusMethodNotAllowed,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeRequestTooLarge:    http.StatusRequestEntityTooLarge,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
}

// StatusForCode returns the HTTP status for an envelope code, defaulting to 500.
func StatusForCode(code string) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// HTTPError is the body of an error envelope on the wire.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the envelope written for every error response:
//
//	{"error":{"code":"...","message":"...","request_id":"...","details":{...}}}
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// FromEnvelope projects a gofulmen envelope onto the wire body. The
// correlation id becomes the request id; context entries are merged over
// details.
func FromEnvelope(env *gferrors.ErrorEnvelope) HTTPError {
	if env == nil {
		return HTTPError{Code: CodeInternal, Message: "Internal server error"}
	}
	var details map[string]any
	if len(env.Details) > 0 || len(env.Context) > 0 {
		details = make(map[string]any, len(env.Details)+len(env.Context))
		for k, v := range env.Details {
			details[k] = v
		}
		for k, v := range env.Context {
			details[k] = v
		}
	}
	return HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Details:   details,
	}
}

// WriteEnvelope writes env as a JSON error response with status.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: FromEnvelope(env)})
}

// AppError pairs an envelope with the HTTP status it is served with.
type AppError struct {
	Status   int
	Envelope *gferrors.ErrorEnvelope
	Err      error
}

func newAppError(status int, code, message string, err error) *AppError {
	env := gferrors.NewErrorEnvelope(code, message).WithOriginal(err)
	return &AppError{Status: status, Envelope: env, Err: err}
}

// Code returns the envelope code.
func (e *AppError) Code() string {
	return e.Envelope.Code
}

// Message returns the envelope message.
func (e *AppError) Message() string {
	return e.Envelope.Message
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Envelope.Message, e.Err)
	}
	return e.Envelope.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e whose envelope carries details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	env := *e.Envelope
	out := *e
	out.Envelope = env.WithDetails(details)
	return &out
}

func NewBadRequest(message string, err error) *AppError {
	return newAppError(http.StatusBadRequest, CodeBadRequest, message, err)
}

func NewValidationError(message string, err error) *AppError {
	return newAppError(http.StatusBadRequest, CodeValidation, message, err)
}

func NewNotFound(message string) *AppError {
	return newAppError(http.StatusNotFound, CodeNotFound, message, nil)
}

func NewMethodNotAllowed(message string) *AppError {
	return newAppError(http.StatusMethodNotAllowed, CodeMethodNotAllowed, message, nil)
}

func NewExternalServiceError(message string, err error) *AppError {
	return newAppError(http.StatusServiceUnavailable, CodeServiceUnavailable, message, err)
}

func NewInternal(message string, err error) *AppError {
	return newAppError(http.StatusInternalServerError, CodeInternal, message, err)
}

// RespondWithError writes err as an envelope tagged with requestID.
// A bare *ErrorEnvelope is served with the status of its code. Any other
// error becomes INTERNAL_ERROR without leaking its text.
func RespondWithError(w http.ResponseWriter, requestID string, err error) {
	var (
		appErr *AppError
		env    *gferrors.ErrorEnvelope
	)
	switch {
	case stderrors.As(err, &appErr):
	case stderrors.As(err, &env):
		appErr = &AppError{Status: StatusForCode(env.Code), Envelope: env}
	default:
		appErr = NewInternal("Internal server error", nil)
	}

	out := *appErr.Envelope
	out.Original = nil
	WriteEnvelope(w, out.WithCorrelationID(requestID), appErr.Status)
}

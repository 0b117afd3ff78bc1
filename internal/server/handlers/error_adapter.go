package handlers

import (
	"errors"
	"net/http"

	apperrors "github.com/3leaps/keyaudit/internal/errors"
	"github.com/3leaps/keyaudit/internal/server/middleware"
	"github.com/3leaps/keyaudit/pkg/jobs"
)

// HTTPErrorResponder writes err to w.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultHTTPErrorResponder

func defaultHTTPErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, middleware.GetRequestID(r.Context()), toAppError(err))
}

// toAppError maps controller errors onto envelopes. Errors it does not
// recognise pass through and are served as INTERNAL_ERROR.
func toAppError(err error) error {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, jobs.ErrClosed):
		return apperrors.NewExternalServiceError(jobs.MsgShutdown, err)
	default:
		return err
	}
}

// SetHTTPErrorResponder replaces the responder; nil restores the default.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		responder = defaultHTTPErrorResponder
	}
	httpErrorResponder = responder
}

func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultHTTPErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

// NotFound writes the NOT_FOUND envelope.
func NotFound(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, apperrors.NewNotFound("Resource not found: "+r.URL.Path))
}

// MethodNotAllowed writes the METHOD_NOT_ALLOWED envelope.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, apperrors.NewMethodNotAllowed("Method "+r.Method+" not allowed for "+r.URL.Path))
}

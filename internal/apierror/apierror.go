// Package apierror translates engine errors into HTTP responses.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicflow/engine/internal/domain/audit"
	"github.com/clinicflow/engine/internal/domain/monitoring"
	"github.com/clinicflow/engine/internal/domain/sample"
	"github.com/clinicflow/engine/internal/domain/timeline"
	"github.com/clinicflow/engine/internal/domain/transition"
)

// Body is the JSON error payload.
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Classify returns the status and machine code for err.
func Classify(err error) (int, string) {
	var (
		illegal      *transition.IllegalTransitionError
		missingCause *transition.MissingCauseError
		window       *transition.WindowViolationError
		duplicate    *monitoring.DuplicateBindingError
		sequence     *monitoring.SequenceConflictError
		unattributed *audit.UnattributedWriteError
		httpErr      *echo.HTTPError
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code, codeForStatus(httpErr.Code)
	case errors.As(err, &illegal):
		return http.StatusConflict, "illegal_transition"
	case errors.As(err, &duplicate):
		return http.StatusConflict, "duplicate_binding"
	case errors.As(err, &sequence):
		return http.StatusConflict, "sequence_conflict"
	case errors.As(err, &missingCause):
		return http.StatusUnprocessableEntity, "missing_cause"
	case errors.As(err, &window):
		return http.StatusUnprocessableEntity, "window_violation"
	case errors.Is(err, transition.ErrInvalidInput), errors.Is(err, audit.ErrInvalidWindow):
		return http.StatusUnprocessableEntity, "invalid_input"
	case errors.Is(err, sample.ErrNotFound),
		errors.Is(err, sample.ErrTreatmentNotFound),
		errors.Is(err, monitoring.ErrNotFound),
		errors.Is(err, monitoring.ErrTreatmentNotFound),
		errors.Is(err, monitoring.ErrAppointmentNotFound),
		errors.Is(err, timeline.ErrNotFound),
		errors.Is(err, audit.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &unattributed):
		return http.StatusInternalServerError, "unattributed_write"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	if status >= 500 {
		return "internal"
	}
	return "error"
}

// HTTPErrorHandler is installed as echo's error handler. Server errors are
// logged with the request id and reported without internal detail.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, code := Classify(err)

		message := err.Error()
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			message = fmt.Sprint(httpErr.Message)
		}

		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Str("code", code).
				Msg("request failed")
			if code != "timeout" {
				message = http.StatusText(status)
			}
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, Body{Code: code, Message: message})
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}

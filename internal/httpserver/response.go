package httpserver

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	Category      string `json:"category,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsDeviceBusy(err), errors.IsCategory(err, errors.CategoryState):
		return http.StatusConflict
	case errors.IsDependencyMissing(err):
		return http.StatusFailedDependency
	case errors.IsCategory(err, errors.CategoryCancellation):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as an ErrorResponse with the status its category maps to.
func (s *Server) fail(c echo.Context, err error, message string) error {
	code := statusFor(err)
	resp := ErrorResponse{
		Error:         err.Error(),
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		resp.Category = ee.GetCategory()
	}

	log := s.log.With(
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("path", c.Request().URL.Path),
		logger.Int("code", code))
	if code >= http.StatusInternalServerError {
		log.Error(message, logger.Error(err))
	} else {
		log.Debug(message, logger.Error(err))
	}
	return c.JSON(code, resp)
}

// badRequest builds a validation error.
func badRequest(format string, args ...any) error {
	return errors.Newf(format, args...).
		Component("httpserver").
		Category(errors.CategoryValidation).
		Build()
}

// handleHTTPError renders echo's own errors, such as unknown routes, in the
// same shape as handler errors.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if err := c.JSON(code, ErrorResponse{
		Error:         msg,
		Message:       http.StatusText(code),
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}); err != nil {
		s.log.Warn("error response not written", logger.Error(err))
	}
}

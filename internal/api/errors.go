package api

import (
	"errors"
	"medtrace/pkg/domain"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func errorJSON(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, ErrorResponse{Error: msg, Code: code})
}

// statusFor maps a service error onto an HTTP status and response body.
func statusFor(err error) (int, ErrorResponse) {
	var (
		validation domain.ValidationError
		permission domain.PermissionError
		notFound   domain.NotFoundError
		conflict   domain.ConflictError
		external   domain.ExternalServiceError
		invariant  domain.InternalInvariantError
		httpErr    *echo.HTTPError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "validation", Field: validation.Field}
	case errors.As(err, &permission):
		return http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: "permission_denied"}
	case errors.As(err, &notFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"}
	case errors.As(err, &conflict):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: string(conflict.Reason)}
	case errors.As(err, &external):
		status := http.StatusBadGateway
		if external.Timeout() {
			status = http.StatusGatewayTimeout
		}
		return status, ErrorResponse{Error: err.Error(), Code: "external_service", Retryable: true}
	case errors.As(err, &invariant):
		return http.StatusInternalServerError, ErrorResponse{Error: "internal invariant violated", Code: "internal"}
	case errors.As(err, &httpErr):
		msg := http.StatusText(httpErr.Code)
		if s, ok := httpErr.Message.(string); ok {
			msg = s
		}
		return httpErr.Code, ErrorResponse{Error: msg, Code: "http"}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal"}
}

// errorHandler replaces echo's default so every error body has one shape.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		loggerFrom(c).Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		loggerFrom(c).Warn("failed to write error response", zap.Error(err))
	}
}

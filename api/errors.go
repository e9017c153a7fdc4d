package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"trackearly-api/domain"
)

// ErrorHandler renders every error in the JSON envelope used by the task routes.
// Only server faults are logged with their cause; clients get a generic message.
func ErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := errorResponseFor(err)
		if status >= http.StatusInternalServerError && logger != nil {
			logger.WithError(err).WithFields(log.Fields{
				"method": c.Request().Method,
				"path":   c.Request().URL.Path,
			}).Error("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil && logger != nil {
			logger.WithError(werr).Warn("failed to write error response")
		}
	}
}

func errorResponseFor(err error) (int, errorResponse) {
	var ve *domain.ValidationError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, errorResponse{Error: ve.Message, Field: ve.Field}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: notFoundMessage}
	case errors.As(err, &he):
		if he.Code >= http.StatusInternalServerError {
			return he.Code, errorResponse{Error: internalMessage}
		}
		msg := http.StatusText(he.Code)
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		return he.Code, errorResponse{Error: msg}
	default:
		return http.StatusInternalServerError, errorResponse{Error: internalMessage}
	}
}

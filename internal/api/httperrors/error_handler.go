package httperrors

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrorHandler renders every error returned by a handler as JSON. Internal errors
// are logged and hidden from the caller.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		code int64
		body interface{}
	)

	var (
		httpErr       *HTTPError
		validationErr *HTTPValidationError
		echoErr       *echo.HTTPError
	)

	switch {
	case errors.As(err, &validationErr):
		code, body = *validationErr.Code, validationErr
	case errors.As(err, &httpErr):
		code, body = *httpErr.Code, httpErr
	case errors.As(err, &echoErr):
		mapped := NewFromEcho(echoErr)
		code, body = *mapped.Code, mapped
	default:
		if mapped, ok := FromRelayError(err); ok {
			code, body = *mapped.Code, mapped
			break
		}

		log.Ctx(c.Request().Context()).Error().Err(err).Msg("Unhandled error while processing request")
		code, body = *ErrInternalServerError.Code, ErrInternalServerError
	}

	var sendErr error
	if c.Request().Method == http.MethodHead {
		sendErr = c.NoContent(int(code))
	} else {
		sendErr = c.JSON(int(code), body)
	}
	if sendErr != nil {
		log.Ctx(c.Request().Context()).Error().Err(sendErr).Msg("Failed to send error response")
	}
}

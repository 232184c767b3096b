package util

import (
	"net/http"

	oerrors "github.com/go-openapi/errors"
	"github.com/go-openapi/runtime"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github/chapool/go-relay/internal/api/httperrors"
	"github/chapool/go-relay/internal/types"
)

// BindAndValidateBody binds the request body to v and validates it against its
// schema, returning an HTTPValidationError listing every violation.
func BindAndValidateBody(c echo.Context, v runtime.Validatable) error {
	binder, ok := c.Echo().Binder.(*echo.DefaultBinder)
	if !ok {
		return errors.New("echo binder is not an echo.DefaultBinder")
	}

	if err := binder.BindBody(c, v); err != nil {
		LogFromEchoContext(c).Debug().Err(err).Msg("Failed to bind request body")
		return httperrors.NewHTTPErrorWithDetail(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, http.StatusText(http.StatusBadRequest), "request body is not valid JSON")
	}

	return validatePayload(c, v)
}

// ValidateAndReturn validates v against its schema before sending it, an invalid
// response is never sent.
func ValidateAndReturn(c echo.Context, code int, v runtime.Validatable) error {
	if err := v.Validate(strfmt.Default); err != nil {
		LogFromEchoContext(c).Error().Err(err).Msg("Response did not match schema")
		return httperrors.ErrInternalServerError
	}

	return c.JSON(code, v)
}

func validatePayload(c echo.Context, v runtime.Validatable) error {
	err := v.Validate(strfmt.Default)
	if err == nil {
		return nil
	}

	var details []*types.HTTPValidationErrorDetail

	var composite *oerrors.CompositeError
	var validation *oerrors.Validation
	switch {
	case errors.As(err, &composite):
		details = flattenValidationErrors(composite.Errors)
	case errors.As(err, &validation):
		details = flattenValidationErrors([]error{validation})
	default:
		LogFromEchoContext(c).Debug().Err(err).Msg("Failed to validate payload")
		return httperrors.ErrBadRequest
	}

	LogFromEchoContext(c).Debug().Int("violations", len(details)).Msg("Payload did not match schema")

	return httperrors.NewHTTPValidationError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, http.StatusText(http.StatusBadRequest), details)
}

func flattenValidationErrors(errs []error) []*types.HTTPValidationErrorDetail {
	details := make([]*types.HTTPValidationErrorDetail, 0, len(errs))

	for _, err := range errs {
		var composite *oerrors.CompositeError
		if errors.As(err, &composite) {
			details = append(details, flattenValidationErrors(composite.Errors)...)
			continue
		}

		var validation *oerrors.Validation
		if errors.As(err, &validation) {
			details = append(details, &types.HTTPValidationErrorDetail{
				Key:   swag.String(validation.Name),
				In:    swag.String(validation.In),
				Error: swag.String(validation.Error()),
			})
		}
	}

	return details
}

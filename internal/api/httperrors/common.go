package httperrors

import (
	"net/http"

	"github/chapool/go-relay/internal/types"
)

var (
	ErrBadRequest          = NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, http.StatusText(http.StatusBadRequest))
	ErrNotFound            = NewHTTPError(http.StatusNotFound, types.PublicHTTPErrorTypeGeneric, http.StatusText(http.StatusNotFound))
	ErrInternalServerError = NewHTTPError(http.StatusInternalServerError, types.PublicHTTPErrorTypeGeneric, http.StatusText(http.StatusInternalServerError))
)

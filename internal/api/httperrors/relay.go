package httperrors

import (
	"net/http"

	"github.com/pkg/errors"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/types"
)

var relayErrors = []struct {
	sentinel  error
	code      int
	errorType types.PublicHTTPErrorType
	title     string
}{
	{txn.ErrInvalidIntent, http.StatusBadRequest, types.PublicHTTPErrorTypeInvalidIntent, "The transaction intent is invalid."},
	{txn.ErrInvalidMessage, http.StatusBadRequest, types.PublicHTTPErrorTypeInvalidMessage, "The message is not valid hex."},
	{txn.ErrUnsupportedMethod, http.StatusBadRequest, types.PublicHTTPErrorTypeUnsupportedMethod, "The JSON-RPC method is not supported."},
	{txn.ErrKeyUnavailable, http.StatusForbidden, types.PublicHTTPErrorTypeKeyUnavailable, "The signing key is not available."},
	{txn.ErrUnauthorized, http.StatusUnauthorized, types.PublicHTTPErrorTypeGeneric, http.StatusText(http.StatusUnauthorized)},
	{txn.ErrNotFound, http.StatusNotFound, types.PublicHTTPErrorTypeNotFound, "The transaction does not exist."},
	{txn.ErrNotCancellable, http.StatusConflict, types.PublicHTTPErrorTypeNotCancellable, "The transaction can no longer be cancelled."},
	{txn.ErrUpstreamUnavailable, http.StatusServiceUnavailable, types.PublicHTTPErrorTypeUpstreamUnavailable, "The blockchain node is unavailable."},
}

// FromRelayError converts a relay error into its public HTTP error. The second result
// is false for errors without a public representation.
func FromRelayError(err error) (*HTTPError, bool) {
	for _, re := range relayErrors {
		if errors.Is(err, re.sentinel) {
			httpErr := NewHTTPErrorWithDetail(re.code, re.errorType, re.title, err.Error())
			httpErr.Internal = err
			return httpErr, true
		}
	}

	return nil, false
}

package types

import (
	"github.com/go-openapi/errors"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/validate"
)

// PostCancelPayload post cancel payload
//
// swagger:model postCancelPayload
type PostCancelPayload struct {

	// Why the transaction is no longer wanted
	// Max Length: 500
	Reason string `json:"reason,omitempty"`
}

// Validate validates this post cancel payload
func (m *PostCancelPayload) Validate(formats strfmt.Registry) error {
	var res []error

	if err := validate.MaxLength("reason", "body", m.Reason, 500); err != nil {
		res = append(res, err)
	}

	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

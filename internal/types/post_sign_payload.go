package types

import (
	"github.com/go-openapi/errors"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/go-openapi/validate"
)

// PostSignPayload post sign payload
//
// swagger:model postSignPayload
type PostSignPayload struct {

	// Hex encoded message to sign as an EIP-191 personal message
	// Required: true
	Message *string `json:"message"`

	// Signing key to sign with
	// Required: true
	// Min Length: 1
	SigningKeyID *string `json:"signingKeyId"`
}

// Validate validates this post sign payload
func (m *PostSignPayload) Validate(formats strfmt.Registry) error {
	var res []error

	if err := validate.Required("message", "body", m.Message); err != nil {
		res = append(res, err)
	}

	if err := m.validateSigningKeyID(formats); err != nil {
		res = append(res, err)
	}

	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

func (m *PostSignPayload) validateSigningKeyID(formats strfmt.Registry) error {
	if err := validate.Required("signingKeyId", "body", m.SigningKeyID); err != nil {
		return err
	}

	if err := validate.MinLength("signingKeyId", "body", *m.SigningKeyID, 1); err != nil {
		return err
	}

	return nil
}

// MarshalBinary interface implementation
func (m *PostSignPayload) MarshalBinary() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return swag.WriteJSON(m)
}

// UnmarshalBinary interface implementation
func (m *PostSignPayload) UnmarshalBinary(b []byte) error {
	var res PostSignPayload
	if err := swag.ReadJSON(b, &res); err != nil {
		return err
	}
	*m = res
	return nil
}

// Signature signature
//
// swagger:model signature
type Signature struct {

	// R component
	// Required: true
	R *string `json:"r"`

	// S component
	// Required: true
	S *string `json:"s"`

	// 65 byte hex encoded signature
	// Required: true
	Sig *string `json:"sig"`

	// Recovery ID, 27 or 28
	// Required: true
	V *int64 `json:"v"`
}

// Validate validates this signature
func (m *Signature) Validate(formats strfmt.Registry) error {
	var res []error

	if err := validate.Required("r", "body", m.R); err != nil {
		res = append(res, err)
	}

	if err := validate.Required("s", "body", m.S); err != nil {
		res = append(res, err)
	}

	if err := validate.Required("sig", "body", m.Sig); err != nil {
		res = append(res, err)
	}

	if err := validate.Required("v", "body", m.V); err != nil {
		res = append(res, err)
	}

	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

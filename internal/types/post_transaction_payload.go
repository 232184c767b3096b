package types

import (
	"github.com/go-openapi/errors"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/go-openapi/validate"
)

const (
	addressPattern  = `^0x[0-9a-fA-F]{40}$`
	quantityPattern = `^0x(0|[1-9a-fA-F][0-9a-fA-F]*)$`
	dataPattern     = `^0x([0-9a-fA-F]{2})*$`
)

var speedEnum = []interface{}{"safeLow", "average", "fast", "fastest"}

// PostTransactionPayload post transaction payload
//
// swagger:model postTransactionPayload
type PostTransactionPayload struct {

	// Chain the transaction is meant for, defaults to the relay's chain
	// Minimum: 1
	ChainID int64 `json:"chainId,omitempty"`

	// Hex encoded call data
	// Pattern: ^0x([0-9a-fA-F]{2})*$
	Data string `json:"data,omitempty"`

	// Hex quantity gas price in wei, takes precedence over speed
	// Pattern: ^0x(0|[1-9a-fA-F][0-9a-fA-F]*)$
	GasPrice string `json:"gasPrice,omitempty"`

	// Gas limit of the transaction
	// Required: true
	// Minimum: 21000
	GasLimit *int64 `json:"gasLimit"`

	// Resubmitting with the same key returns the existing transaction
	// Max Length: 255
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	// Signing key the relay signs with
	// Required: true
	// Min Length: 1
	SigningKeyID *string `json:"signingKeyId"`

	// Gas price tier
	// Enum: [safeLow average fast fastest]
	Speed string `json:"speed,omitempty"`

	// Recipient address
	// Required: true
	// Pattern: ^0x[0-9a-fA-F]{40}$
	To *string `json:"to"`

	// Hex quantity value in wei
	// Pattern: ^0x(0|[1-9a-fA-F][0-9a-fA-F]*)$
	Value string `json:"value,omitempty"`
}

// Validate validates this post transaction payload
func (m *PostTransactionPayload) Validate(formats strfmt.Registry) error {
	var res []error

	if err := m.validateChainID(formats); err != nil {
		res = append(res, err)
	}

	if err := m.validateData(formats); err != nil {
		res = append(res, err)
	}

	if err := m.validateGasPrice(formats); err != nil {
		res = append(res, err)
	}

	if err := m.validateGasLimit(formats); err != nil {
		res = append(res, err)
	}

	if err := m.validateIdempotencyKey(formats); err != nil {
		res = append(res, err)
	}

	if err := m.validateSigningKeyID(formats); err != nil {
		res = append(res, err)
	}

	if err := m.validateSpeed(formats); err != nil {
		res = append(res, err)
	}

	if err := m.validateTo(formats); err != nil {
		res = append(res, err)
	}

	if err := m.validateValue(formats); err != nil {
		res = append(res, err)
	}

	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

func (m *PostTransactionPayload) validateChainID(formats strfmt.Registry) error {
	if swag.IsZero(m.ChainID) {
		return nil
	}

	if err := validate.MinimumInt("chainId", "body", m.ChainID, 1, false); err != nil {
		return err
	}

	return nil
}

func (m *PostTransactionPayload) validateData(formats strfmt.Registry) error {
	if swag.IsZero(m.Data) {
		return nil
	}

	if err := validate.Pattern("data", "body", m.Data, dataPattern); err != nil {
		return err
	}

	return nil
}

func (m *PostTransactionPayload) validateGasPrice(formats strfmt.Registry) error {
	if swag.IsZero(m.GasPrice) {
		return nil
	}

	if err := validate.Pattern("gasPrice", "body", m.GasPrice, quantityPattern); err != nil {
		return err
	}

	return nil
}

func (m *PostTransactionPayload) validateGasLimit(formats strfmt.Registry) error {
	if err := validate.Required("gasLimit", "body", m.GasLimit); err != nil {
		return err
	}

	if err := validate.MinimumInt("gasLimit", "body", *m.GasLimit, 21000, false); err != nil {
		return err
	}

	return nil
}

func (m *PostTransactionPayload) validateIdempotencyKey(formats strfmt.Registry) error {
	if swag.IsZero(m.IdempotencyKey) {
		return nil
	}

	if err := validate.MaxLength("idempotencyKey", "body", m.IdempotencyKey, 255); err != nil {
		return err
	}

	return nil
}

func (m *PostTransactionPayload) validateSigningKeyID(formats strfmt.Registry) error {
	if err := validate.Required("signingKeyId", "body", m.SigningKeyID); err != nil {
		return err
	}

	if err := validate.MinLength("signingKeyId", "body", *m.SigningKeyID, 1); err != nil {
		return err
	}

	return nil
}

func (m *PostTransactionPayload) validateSpeed(formats strfmt.Registry) error {
	if swag.IsZero(m.Speed) {
		return nil
	}

	if err := validate.EnumCase("speed", "body", m.Speed, speedEnum, true); err != nil {
		return err
	}

	return nil
}

func (m *PostTransactionPayload) validateTo(formats strfmt.Registry) error {
	if err := validate.Required("to", "body", m.To); err != nil {
		return err
	}

	if err := validate.Pattern("to", "body", *m.To, addressPattern); err != nil {
		return err
	}

	return nil
}

func (m *PostTransactionPayload) validateValue(formats strfmt.Registry) error {
	if swag.IsZero(m.Value) {
		return nil
	}

	if err := validate.Pattern("value", "body", m.Value, quantityPattern); err != nil {
		return err
	}

	return nil
}

// MarshalBinary interface implementation
func (m *PostTransactionPayload) MarshalBinary() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return swag.WriteJSON(m)
}

// UnmarshalBinary interface implementation
func (m *PostTransactionPayload) UnmarshalBinary(b []byte) error {
	var res PostTransactionPayload
	if err := swag.ReadJSON(b, &res); err != nil {
		return err
	}
	*m = res
	return nil
}

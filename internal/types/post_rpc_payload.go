package types

import (
	"encoding/json"

	"github.com/go-openapi/errors"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/go-openapi/validate"
)

// PostRPCPayload post RPC payload
//
// swagger:model postRpcPayload
type PostRPCPayload struct {

	// JSON-RPC method
	// Required: true
	// Min Length: 1
	Method *string `json:"method"`

	// Positional JSON-RPC parameters
	Params []json.RawMessage `json:"params"`
}

// Validate validates this post RPC payload
func (m *PostRPCPayload) Validate(formats strfmt.Registry) error {
	var res []error

	if err := m.validateMethod(formats); err != nil {
		res = append(res, err)
	}

	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

func (m *PostRPCPayload) validateMethod(formats strfmt.Registry) error {
	if err := validate.Required("method", "body", m.Method); err != nil {
		return err
	}

	if err := validate.MinLength("method", "body", *m.Method, 1); err != nil {
		return err
	}

	return nil
}

// MarshalBinary interface implementation
func (m *PostRPCPayload) MarshalBinary() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return swag.WriteJSON(m)
}

// UnmarshalBinary interface implementation
func (m *PostRPCPayload) UnmarshalBinary(b []byte) error {
	var res PostRPCPayload
	if err := swag.ReadJSON(b, &res); err != nil {
		return err
	}
	*m = res
	return nil
}

// RPCResult RPC result
//
// swagger:model rpcResult
type RPCResult struct {

	// Raw JSON-RPC result
	Result json.RawMessage `json:"result"`
}

// Validate validates this RPC result
func (m *RPCResult) Validate(formats strfmt.Registry) error {
	return nil
}

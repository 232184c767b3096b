package types

import (
	"github.com/go-openapi/errors"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/go-openapi/validate"
)

// Transaction transaction snapshot
//
// swagger:model transaction
type Transaction struct {

	// Chain ID
	// Required: true
	ChainID *int64 `json:"chainId"`

	// Creation time
	// Required: true
	// Format: date-time
	CreatedAt *strfmt.DateTime `json:"createdAt"`

	// Hex encoded call data
	Data string `json:"data"`

	// Reason the transaction failed
	FailureReason string `json:"failureReason,omitempty"`

	// Sender address
	// Required: true
	From *string `json:"from"`

	// Gas limit
	// Required: true
	GasLimit *int64 `json:"gasLimit"`

	// Hex quantity current gas price in wei
	// Required: true
	GasPrice *string `json:"gasPrice"`

	// Current transaction hash
	// Required: true
	Hash *string `json:"hash"`

	// Every broadcast of this transaction, oldest first
	// Required: true
	HashHistory []*HashEntry `json:"hashHistory"`

	// False once the transaction was replaced by a no-op
	IntentFulfilled bool `json:"intentFulfilled"`

	// Block the transaction was mined in
	MinedBlockNumber int64 `json:"minedBlockNumber,omitempty"`

	// Time the transaction was observed mined
	// Format: date-time
	MinedAt strfmt.DateTime `json:"minedAt,omitempty"`

	// Account nonce
	// Required: true
	Nonce *int64 `json:"nonce"`

	// Receipt status of the mined transaction was failure
	Reverted bool `json:"reverted,omitempty"`

	// Gas price tier
	Speed string `json:"speed,omitempty"`

	// Lifecycle status
	// Required: true
	// Enum: [pending sent submitted inmempool mined confirmed failed]
	Status *string `json:"status"`

	// Recipient address
	// Required: true
	To *string `json:"to"`

	// Relay transaction ID, stable across replacements
	// Required: true
	TransactionID *string `json:"transactionId"`

	// Hex quantity value in wei
	// Required: true
	Value *string `json:"value"`
}

var transactionStatusEnum = []interface{}{"pending", "sent", "submitted", "inmempool", "mined", "confirmed", "failed"}

// Validate validates this transaction
func (m *Transaction) Validate(formats strfmt.Registry) error {
	var res []error

	required := []struct {
		name  string
		value interface{}
	}{
		{"chainId", m.ChainID},
		{"from", m.From},
		{"gasLimit", m.GasLimit},
		{"gasPrice", m.GasPrice},
		{"hash", m.Hash},
		{"nonce", m.Nonce},
		{"to", m.To},
		{"transactionId", m.TransactionID},
		{"value", m.Value},
	}
	for _, field := range required {
		if err := validate.Required(field.name, "body", field.value); err != nil {
			res = append(res, err)
		}
	}

	if err := m.validateCreatedAt(formats); err != nil {
		res = append(res, err)
	}

	if err := m.validateHashHistory(formats); err != nil {
		res = append(res, err)
	}

	if err := m.validateStatus(formats); err != nil {
		res = append(res, err)
	}

	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

func (m *Transaction) validateCreatedAt(formats strfmt.Registry) error {
	if err := validate.Required("createdAt", "body", m.CreatedAt); err != nil {
		return err
	}

	if err := validate.FormatOf("createdAt", "body", "date-time", m.CreatedAt.String(), formats); err != nil {
		return err
	}

	return nil
}

func (m *Transaction) validateHashHistory(formats strfmt.Registry) error {
	if err := validate.Required("hashHistory", "body", m.HashHistory); err != nil {
		return err
	}

	for i := 0; i < len(m.HashHistory); i++ {
		if swag.IsZero(m.HashHistory[i]) {
			continue
		}

		if err := m.HashHistory[i].Validate(formats); err != nil {
			if ve, ok := err.(*errors.Validation); ok {
				return ve.ValidateName("hashHistory" + "." + swag.FormatInt64(int64(i)))
			}
			return err
		}
	}

	return nil
}

func (m *Transaction) validateStatus(formats strfmt.Registry) error {
	if err := validate.Required("status", "body", m.Status); err != nil {
		return err
	}

	if err := validate.EnumCase("status", "body", *m.Status, transactionStatusEnum, true); err != nil {
		return err
	}

	return nil
}

// MarshalBinary interface implementation
func (m *Transaction) MarshalBinary() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return swag.WriteJSON(m)
}

// UnmarshalBinary interface implementation
func (m *Transaction) UnmarshalBinary(b []byte) error {
	var res Transaction
	if err := swag.ReadJSON(b, &res); err != nil {
		return err
	}
	*m = res
	return nil
}

// HashEntry hash entry
//
// swagger:model hashEntry
type HashEntry struct {

	// Broadcast time
	// Required: true
	// Format: date-time
	BroadcastAt *strfmt.DateTime `json:"broadcastAt"`

	// Hex quantity gas price in wei
	// Required: true
	GasPrice *string `json:"gasPrice"`

	// Filler occupying the nonce of a failed transaction
	GapFill bool `json:"gapFill,omitempty"`

	// Transaction hash
	// Required: true
	Hash *string `json:"hash"`

	// Account nonce
	// Required: true
	Nonce *int64 `json:"nonce"`

	// Zero value self transfer replacing the intent
	NoOp bool `json:"noOp,omitempty"`

	// Status of this broadcast
	// Required: true
	Status *string `json:"status"`
}

// Validate validates this hash entry
func (m *HashEntry) Validate(formats strfmt.Registry) error {
	var res []error

	if err := validate.Required("broadcastAt", "body", m.BroadcastAt); err != nil {
		res = append(res, err)
	}

	if err := validate.Required("gasPrice", "body", m.GasPrice); err != nil {
		res = append(res, err)
	}

	if err := validate.Required("hash", "body", m.Hash); err != nil {
		res = append(res, err)
	}

	if err := validate.Required("nonce", "body", m.Nonce); err != nil {
		res = append(res, err)
	}

	if err := validate.Required("status", "body", m.Status); err != nil {
		res = append(res, err)
	}

	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

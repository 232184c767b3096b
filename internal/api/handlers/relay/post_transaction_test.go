package relay_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/test"
	"github/chapool/go-relay/internal/types"
)

func submit(t *testing.T, s *api.Server, payload test.GenericPayload) *types.Transaction {
	t.Helper()

	res := test.PerformRequest(t, s, "POST", "/api/v1/transactions", payload, nil)
	require.Equal(t, http.StatusOK, res.Result().StatusCode, res.Body.String())

	var response types.Transaction
	test.ParseResponseAndValidate(t, res, &response)

	return &response
}

func transferPayload() test.GenericPayload {
	return test.GenericPayload{
		"to":           test.Recipient.Hex(),
		"value":        "0xde0b6b3a7640000",
		"gasLimit":     21000,
		"speed":        "fast",
		"signingKeyId": test.SigningKeyID,
	}
}

func TestPostTransaction(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		response := submit(t, s, transferPayload())

		assert.NotEmpty(t, *response.TransactionID)
		assert.Equal(t, "sent", *response.Status)
		assert.Equal(t, test.Recipient.Hex(), *response.To)
		assert.Equal(t, "0xde0b6b3a7640000", *response.Value)
		assert.Equal(t, int64(0), *response.Nonce)
		assert.Equal(t, int64(test.ChainID), *response.ChainID)
		assert.Equal(t, "fast", response.Speed)
		assert.True(t, response.IntentFulfilled)
		require.Len(t, response.HashHistory, 1)
		assert.Equal(t, *response.Hash, *response.HashHistory[0].Hash)

		require.NoError(t, s.Relay.Drain(context.Background()))

		node := test.FakeNodeOf(t, s)
		assert.True(t, node.InPool(common.HexToHash(*response.Hash)))

		res := test.PerformRequest(t, s, "GET", "/api/v1/transactions/"+*response.TransactionID, nil, nil)
		require.Equal(t, http.StatusOK, res.Result().StatusCode)

		var current types.Transaction
		test.ParseResponseAndValidate(t, res, &current)
		assert.Equal(t, "submitted", *current.Status)
		assert.Equal(t, *response.Hash, *current.Hash)
	})
}

func TestPostTransactionGasPriceOverride(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		payload := transferPayload()
		delete(payload, "speed")
		payload["gasPrice"] = "0x4a817c800"

		response := submit(t, s, payload)
		assert.Equal(t, "0x4a817c800", *response.GasPrice)
	})
}

func TestPostTransactionIdempotencyKey(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		payload := transferPayload()
		payload["idempotencyKey"] = "order-42"

		first := submit(t, s, payload)
		second := submit(t, s, payload)

		assert.Equal(t, *first.TransactionID, *second.TransactionID)
		assert.Equal(t, *first.Nonce, *second.Nonce)
	})
}

func TestPostTransactionSequentialNonces(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		first := submit(t, s, transferPayload())
		second := submit(t, s, transferPayload())

		assert.NotEqual(t, *first.TransactionID, *second.TransactionID)
		assert.Equal(t, *first.Nonce+1, *second.Nonce)
	})
}

func TestPostTransactionBadRequest(t *testing.T) {
	tests := []struct {
		name   string
		modify func(p test.GenericPayload)
	}{
		{"missing recipient", func(p test.GenericPayload) { delete(p, "to") }},
		{"malformed recipient", func(p test.GenericPayload) { p["to"] = "0x1234" }},
		{"malformed value", func(p test.GenericPayload) { p["value"] = "1000" }},
		{"gas limit below intrinsic gas", func(p test.GenericPayload) { p["gasLimit"] = 20999 }},
		{"unknown speed", func(p test.GenericPayload) { p["speed"] = "ludicrous" }},
		{"missing signing key", func(p test.GenericPayload) { delete(p, "signingKeyId") }},
	}

	test.WithTestServer(t, func(s *api.Server) {
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				payload := transferPayload()
				tt.modify(payload)

				res := test.PerformRequest(t, s, "POST", "/api/v1/transactions", payload, nil)
				assert.Equal(t, http.StatusBadRequest, res.Result().StatusCode, res.Body.String())
			})
		}
	})
}

func TestPostTransactionInvalidIntent(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		payload := transferPayload()
		payload["chainId"] = 1

		res := test.PerformRequest(t, s, "POST", "/api/v1/transactions", payload, nil)
		require.Equal(t, http.StatusBadRequest, res.Result().StatusCode)

		var response types.PublicHTTPError
		test.ParseResponseAndValidate(t, res, &response)
		assert.Equal(t, types.PublicHTTPErrorTypeInvalidIntent, *response.Type)
	})
}

func TestPostTransactionUnknownKey(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		payload := transferPayload()
		payload["signingKeyId"] = "nobody"

		res := test.PerformRequest(t, s, "POST", "/api/v1/transactions", payload, nil)
		require.Equal(t, http.StatusForbidden, res.Result().StatusCode)

		var response types.PublicHTTPError
		test.ParseResponseAndValidate(t, res, &response)
		assert.Equal(t, types.PublicHTTPErrorTypeKeyUnavailable, *response.Type)
	})
}

func TestPostTransactionLocked(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		s.Seeds.Clear()

		res := test.PerformRequest(t, s, "POST", "/api/v1/transactions", transferPayload(), nil)
		assert.Equal(t, http.StatusForbidden, res.Result().StatusCode)
	})
}

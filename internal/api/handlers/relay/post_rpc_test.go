package relay_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/test"
	"github/chapool/go-relay/internal/types"
)

func TestPostRPC(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		var gotMethod string
		var gotParams []json.RawMessage
		test.FakeNodeOf(t, s).RPC = func(method string, params []json.RawMessage) (json.RawMessage, error) {
			gotMethod, gotParams = method, params
			return json.RawMessage(`"0x1bc16d674ec80000"`), nil
		}

		res := test.PerformRequest(t, s, "POST", "/api/v1/rpc", test.GenericPayload{
			"method": "eth_getBalance",
			"params": []interface{}{test.Recipient.Hex(), "latest"},
		}, nil)
		require.Equal(t, http.StatusOK, res.Result().StatusCode, res.Body.String())

		var response types.RPCResult
		test.ParseResponseAndValidate(t, res, &response)
		assert.JSONEq(t, `"0x1bc16d674ec80000"`, string(response.Result))
		assert.Equal(t, "eth_getBalance", gotMethod)
		require.Len(t, gotParams, 2)
		assert.JSONEq(t, `"latest"`, string(gotParams[1]))
	})
}

func TestPostRPCUnsupportedMethod(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		for _, method := range []string{"eth_sendRawTransaction", "eth_sign", "personal_unlockAccount", "eth_subscribe"} {
			res := test.PerformRequest(t, s, "POST", "/api/v1/rpc", test.GenericPayload{
				"method": method,
			}, nil)
			require.Equal(t, http.StatusBadRequest, res.Result().StatusCode, method)

			var response types.PublicHTTPError
			test.ParseResponseAndValidate(t, res, &response)
			assert.Equal(t, types.PublicHTTPErrorTypeUnsupportedMethod, *response.Type)
		}
	})
}

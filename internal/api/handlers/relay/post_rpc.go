package relay

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/types"
	"github/chapool/go-relay/internal/util"
)

func PostRPCRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1Relay.POST("/rpc", postRPCHandler(s))
}

// postRPCHandler forwards read-only JSON-RPC calls to the node. Methods that send
// transactions, sign or subscribe are refused.
func postRPCHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body types.PostRPCPayload
		if err := util.BindAndValidateBody(c, &body); err != nil {
			return err
		}

		result, err := s.Relay.Call(c.Request().Context(), *body.Method, body.Params)
		if err != nil {
			return err
		}

		return util.ValidateAndReturn(c, http.StatusOK, &types.RPCResult{Result: result})
	}
}

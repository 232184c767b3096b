package relay

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-openapi/swag"
	"github.com/labstack/echo/v4"
	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/types"
	"github/chapool/go-relay/internal/util"
)

func PostSignRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1Relay.POST("/sign", postSignHandler(s))
}

func postSignHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body types.PostSignPayload
		if err := util.BindAndValidateBody(c, &body); err != nil {
			return err
		}

		sig, err := s.Relay.Sign(c.Request().Context(), *body.SigningKeyID, *body.Message)
		if err != nil {
			return err
		}

		return util.ValidateAndReturn(c, http.StatusOK, &types.Signature{
			Sig: swag.String(hexutil.Encode(sig.Sig)),
			R:   swag.String(sig.R.Hex()),
			S:   swag.String(sig.S.Hex()),
			V:   swag.Int64(int64(sig.V)),
		})
	}
}

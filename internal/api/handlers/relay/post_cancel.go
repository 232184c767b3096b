package relay

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/types"
	"github/chapool/go-relay/internal/util"
)

func PostCancelRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1Relay.POST("/transactions/:id/cancel", postCancelHandler(s))
}

// postCancelHandler stops tracking a transaction that was not mined yet. Mined
// transactions can no longer be cancelled.
func postCancelHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		var body types.PostCancelPayload
		if err := util.BindAndValidateBody(c, &body); err != nil {
			return err
		}

		util.LogFromContext(ctx).Info().Str("transaction_id", c.Param("id")).Msg("Cancelling transaction")

		rec, err := s.Relay.Cancel(ctx, c.Param("id"), body.Reason)
		if err != nil {
			return err
		}

		return util.ValidateAndReturn(c, http.StatusOK, toTransaction(rec))
	}
}

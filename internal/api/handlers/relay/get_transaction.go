package relay

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/util"
)

func GetTransactionRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1Relay.GET("/transactions/:id", getTransactionHandler(s))
}

func getTransactionHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		rec, err := s.Relay.Query(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}

		return util.ValidateAndReturn(c, http.StatusOK, toTransaction(rec))
	}
}

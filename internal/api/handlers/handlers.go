package handlers

import (
	"github.com/labstack/echo/v4"
	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/api/handlers/common"
	"github/chapool/go-relay/internal/api/handlers/relay"
)

func AttachAllRoutes(s *api.Server) {
	// attach our routes
	s.Router.Routes = []*echo.Route{
		common.GetHealthyRoute(s),
		common.GetReadyRoute(s),
		relay.GetTransactionRoute(s),
		relay.PostCancelRoute(s),
		relay.PostRPCRoute(s),
		relay.PostSignRoute(s),
		relay.PostTransactionRoute(s),
	}
}

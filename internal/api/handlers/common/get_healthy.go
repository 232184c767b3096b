package common

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/custody"
)

func GetHealthyRoute(s *api.Server) *echo.Route {
	return s.Router.Management.GET("/healthy", getHealthyHandler(s))
}

// Liveness check
// Returns a plain text report with one line per probe and 521 if any probe failed.
// Unlike /-/ready this checks that the relay's dependencies actually answer.
func getHealthyHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), s.Config.Management.LivenessTimeout)
		defer cancel()

		var b strings.Builder
		healthy := true

		probe := func(name string, err error) {
			if err != nil {
				healthy = false
				fmt.Fprintf(&b, "%s: %v\n", name, err)
				return
			}

			fmt.Fprintf(&b, "%s: ok\n", name)
		}

		probe("database", s.DB.PingContext(ctx))

		_, err := s.Node.BlockNumber(ctx)
		probe("node", err)

		if !s.Seeds.Unlocked() {
			probe("custody", custody.ErrLocked)
		} else {
			probe("custody", nil)
		}

		if !healthy {
			return c.String(521, b.String())
		}

		return c.String(http.StatusOK, b.String())
	}
}

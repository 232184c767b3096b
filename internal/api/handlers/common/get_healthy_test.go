package common_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/test"
)

func TestGetHealthy(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		res := test.PerformRequest(t, s, "GET", "/-/healthy", nil, nil)
		require.Equal(t, http.StatusOK, res.Result().StatusCode)
		assert.Contains(t, res.Body.String(), "database: ok")
		assert.Contains(t, res.Body.String(), "node: ok")
		assert.Contains(t, res.Body.String(), "custody: ok")
	})
}

func TestGetHealthyNodeDown(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		test.FakeNodeOf(t, s).SetDown(true)

		res := test.PerformRequest(t, s, "GET", "/-/healthy", nil, nil)
		require.Equal(t, 521, res.Result().StatusCode)
		assert.Contains(t, res.Body.String(), "database: ok")
		assert.Contains(t, res.Body.String(), "node: dial tcp")
	})
}

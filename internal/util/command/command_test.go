package command_test

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/test"
	"github/chapool/go-relay/internal/util/command"
)

func TestWithServer(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		ctx := t.Context()

		var testError = errors.New("test error")

		s.Config.Logger.PrettyPrintConsole = false
		resultErr := command.WithServer(ctx, s.Config, func(ctx context.Context, s *api.Server) error {
			var database string
			err := s.DB.QueryRowContext(ctx, "SELECT current_database();").Scan(&database)
			require.NoError(t, err)

			assert.NotEmpty(t, database)
			assert.NotNil(t, s.Relay)

			return testError
		})

		assert.Equal(t, testError, resultErr)
	})
}

func TestNewSubcommandGroup(t *testing.T) {
	first := &cobra.Command{Use: "first"}
	second := &cobra.Command{Use: "second"}

	group := command.NewSubcommandGroup("group", first, second)

	assert.Equal(t, "group", group.Use)
	require.Len(t, group.Commands(), 2)
	assert.True(t, group.HasSubCommands())
}

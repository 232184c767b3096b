package keys

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/custody"
	"github/chapool/go-relay/internal/util/command"
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("keys",
		newAdd(),
		newList(),
	)
}

func newAdd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <signing-key-id>",
		Short: "Registers a signing key at the next unused derivation path",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.DefaultServiceConfigFromEnv()

			err := command.WithServer(cmd.Context(), cfg, func(ctx context.Context, s *api.Server) error {
				ks := custody.NewFileKeystore(s.Config.Custody.KeystorePath, custody.StandardScryptParams)
				if err := custody.Unlock(ctx, s.Config.Custody, ks, s.Seeds, custody.TerminalPrompt); err != nil {
					return err
				}

				key, err := s.Keys.AddKey(ctx, args[0])
				if err != nil {
					return err
				}

				//nolint:forbidigo // CLI output
				fmt.Printf("%s\t%s\t%s\n", key.ID, key.Address.Hex(), key.DerivationPath)

				return nil
			})
			if err != nil {
				log.Fatal().Err(err).Str("signing_key_id", args[0]).Msg("Failed to add signing key")
			}
		},
	}
}

func newList() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists the registered signing keys",
		Run: func(cmd *cobra.Command, _ []string) {
			cfg := config.DefaultServiceConfigFromEnv()

			err := command.WithServer(cmd.Context(), cfg, func(ctx context.Context, s *api.Server) error {
				keys, err := custody.NewPostgresRegistry(s.DB).List(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tADDRESS\tPATH\tENABLED")
				for _, key := range keys {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", key.ID, key.Address.Hex(), key.DerivationPath, key.Enabled)
				}

				return w.Flush()
			})
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to list signing keys")
			}
		},
	}
}

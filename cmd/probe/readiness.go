package probe

import (
	"context"

	"github.com/dropbox/godropbox/time2"
	"github.com/spf13/cobra"
	"github/chapool/go-relay/internal/chain"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/metrics"
)

func newReadiness() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "readiness",
		Short: "Runs readiness probes",
		Long:  `Checks that the database and the blockchain node answer. Exits 1 if any probe fails.`,
		Run: func(cmd *cobra.Command, _ []string) {
			cfg := config.DefaultServiceConfigFromEnv()

			errs := readinessProbes(cmd.Context(), cfg)
			report(errs, verbose)
		},
	}

	cmd.Flags().BoolVarP(&verbose, verboseFlag, "v", false, "Print every probe result.")

	return cmd
}

func readinessProbes(ctx context.Context, cfg config.Server) map[string]error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Management.ReadinessTimeout)
	defer cancel()

	return map[string]error{
		"database": pingDatabase(ctx, cfg),
		"node":     pingNode(ctx, cfg),
	}
}

func pingNode(ctx context.Context, cfg config.Server) error {
	client, err := chain.NewClient(ctx, cfg.Chain, time2.DefaultClock, metrics.New())
	if err != nil {
		return err
	}
	defer client.Close()

	_, err = client.BlockNumber(ctx)
	return err
}

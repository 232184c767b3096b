package probe

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github/chapool/go-relay/internal/config"

	// Import postgres driver for database/sql package
	_ "github.com/lib/pq"
)

func newLiveness() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "liveness",
		Short: "Runs liveness probes",
		Long:  `Checks that the database answers and every configured path is writeable. Exits 1 if any probe fails.`,
		Run: func(cmd *cobra.Command, _ []string) {
			cfg := config.DefaultServiceConfigFromEnv()

			errs := livenessProbes(cmd.Context(), cfg)
			report(errs, verbose)
		},
	}

	cmd.Flags().BoolVarP(&verbose, verboseFlag, "v", false, "Print every probe result.")

	return cmd
}

func livenessProbes(ctx context.Context, cfg config.Server) map[string]error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Management.LivenessTimeout)
	defer cancel()

	errs := map[string]error{
		"database": pingDatabase(ctx, cfg),
	}

	for _, path := range cfg.Management.ProbeWriteablePathsAbs {
		errs["path "+path] = probeWriteable(path)
	}

	return errs
}

func pingDatabase(ctx context.Context, cfg config.Server) error {
	db, err := sql.Open("postgres", cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	defer db.Close()

	return db.PingContext(ctx)
}

func probeWriteable(dir string) error {
	f, err := os.CreateTemp(filepath.Clean(dir), ".probe-*")
	if err != nil {
		return errors.Wrap(err, "path is not writeable")
	}

	name := f.Name()
	if err := f.Close(); err != nil {
		return err
	}

	return os.Remove(name)
}

func report(errs map[string]error, verbose bool) {
	failed := false
	for name, err := range errs {
		if err != nil {
			failed = true
			log.Error().Err(err).Str("probe", name).Msg("Probe failed")
			continue
		}

		if verbose {
			log.Info().Str("probe", name).Msg("Probe succeeded")
		}
	}

	if failed {
		os.Exit(1)
	}
}

package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/api/router"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/custody"
	"github/chapool/go-relay/internal/relay/store/migrations"
	"github/chapool/go-relay/internal/util/command"
	"golang.org/x/sync/errgroup"
)

const (
	migrateFlag         = "migrate"
	defaultDrainTimeout = 30 * time.Second
)

type Flags struct {
	ApplyMigrations bool
}

func New() *cobra.Command {
	var flags Flags

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Starts the relay",
		Long: `Starts the HTTP API, the confirmation watcher, the reprice loop and the
retention purge. Signing keys are unlocked from the keystore before anything
is served.`,
		Run: func(_ *cobra.Command, _ []string) {
			runServer(flags)
		},
	}

	cmd.Flags().BoolVarP(&flags.ApplyMigrations, migrateFlag, "m", false, "Apply migrations before starting the server.")

	return cmd
}

func runServer(flags Flags) {
	cfg := config.DefaultServiceConfigFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := command.WithServer(ctx, cfg, func(ctx context.Context, s *api.Server) error {
		if flags.ApplyMigrations {
			n, err := migrate.ExecContext(ctx, s.DB, "postgres", migrations.Source(), migrate.Up)
			if err != nil {
				return err
			}
			log.Info().Int("applied", n).Msg("Applied migrations")
		}

		ks := custody.NewFileKeystore(s.Config.Custody.KeystorePath, custody.StandardScryptParams)
		if err := custody.Unlock(ctx, s.Config.Custody, ks, s.Seeds, custody.TerminalPrompt); err != nil {
			log.Error().Err(err).Msg("Failed to unlock signing keys")
			return err
		}

		if err := router.Init(s); err != nil {
			log.Error().Err(err).Msg("Failed to initialize router")
			return err
		}

		return run(ctx, s)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}

	log.Info().Msg("Server stopped")
}

// run serves until ctx is cancelled. Background workers stop with ctx, in-flight
// broadcasts are drained by the server shutdown.
func run(ctx context.Context, s *api.Server) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.Watcher.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return s.Relay.RunRepricer(gctx)
	})

	if s.Config.Relay.Retention > 0 && s.Config.Relay.PurgeSchedule != "" {
		if err := s.Purger.Start(gctx, s.Config.Relay.PurgeSchedule); err != nil {
			return err
		}
	}

	g.Go(func() error {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultDrainTimeout)
		defer cancel()

		if err := s.Echo.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Failed to shutdown echo server")
		}

		return nil
	})

	log.Info().Str("listen_address", s.Config.Echo.ListenAddress).Msg("Relay started")

	return g.Wait()
}

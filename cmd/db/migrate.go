package db

import (
	"context"
	"database/sql"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/relay/store/migrations"

	// Import postgres driver for database/sql package
	_ "github.com/lib/pq"
)

func newMigrate() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Executes all migrations which are not yet applied.",
		Run: func(cmd *cobra.Command, _ []string) {
			migrateCmdFunc(cmd.Context())
		},
	}
}

func migrateCmdFunc(ctx context.Context) {
	cfg := config.DefaultServiceConfigFromEnv()

	db, err := sql.Open("postgres", cfg.Database.ConnectionString())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()

	if ctx == nil {
		ctx = context.Background()
	}

	n, err := migrate.ExecContext(ctx, db, "postgres", migrations.Source(), migrate.Up)
	if err != nil {
		log.Fatal().Err(err).Msg("Error while applying migrations")
	}

	log.Info().Int("appliedMigrationsCount", n).Msg("Applied migrations")
}

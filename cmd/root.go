package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github/chapool/go-relay/cmd/db"
	"github/chapool/go-relay/cmd/env"
	"github/chapool/go-relay/cmd/keys"
	"github/chapool/go-relay/cmd/probe"
	"github/chapool/go-relay/cmd/server"
	"github/chapool/go-relay/cmd/tx"
	"github/chapool/go-relay/internal/config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Version: config.GetFormattedBuildArgs(),
	Use:     "app",
	Short:   config.ModuleName,
	Long: fmt.Sprintf(`%v

A transaction relay for EVM chains: it signs, broadcasts, reprices and
tracks transactions until they are confirmed.
Requires configuration through ENV.`, config.ModuleName),
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	// attach the subcommands
	rootCmd.AddCommand(
		db.New(),
		env.New(),
		keys.New(),
		probe.New(),
		server.New(),
		tx.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Failed to execute root command")
		os.Exit(1)
	}
}

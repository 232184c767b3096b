package tx

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/util/command"
)

func newCheck() *cobra.Command {
	return &cobra.Command{
		Use:   "check <transaction-id|hash>",
		Short: "Compares a relayed transaction with what the node knows about it",
		Long: `Prints the stored record and, for every hash of its replacement chain,
whether the node has it in the mempool or in a block.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.DefaultServiceConfigFromEnv()

			err := command.WithServer(cmd.Context(), cfg, func(ctx context.Context, s *api.Server) error {
				return check(ctx, s, args[0])
			})
			if err != nil {
				log.Fatal().Err(err).Str("ref", args[0]).Msg("Failed to check transaction")
			}
		},
	}
}

func check(ctx context.Context, s *api.Server, ref string) error {
	var (
		rec *txn.Record
		err error
	)

	if strings.HasPrefix(ref, "0x") && len(ref) == 66 {
		rec, err = s.Store.GetByHash(ctx, common.HexToHash(ref))
	} else {
		rec, err = s.Store.Get(ctx, ref)
	}
	if err != nil {
		return errors.Wrap(err, "failed to load record")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "transaction\t%s\n", rec.ID)
	fmt.Fprintf(w, "status\t%s\n", rec.Status)
	fmt.Fprintf(w, "from\t%s\n", rec.From.Hex())
	fmt.Fprintf(w, "nonce\t%d\n", rec.Nonce)
	fmt.Fprintf(w, "current hash\t%s\n", rec.CurrentHash.Hex())
	if rec.Metadata.FailureReason != "" {
		fmt.Fprintf(w, "failure\t%s\n", rec.Metadata.FailureReason)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "HASH\tPRICE\tSTATUS\tNODE")
	for _, e := range rec.HashHistory {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Hash.Hex(), e.GasPrice, e.Status, observe(ctx, s, e.Hash))
	}

	return w.Flush()
}

func observe(ctx context.Context, s *api.Server, hash common.Hash) string {
	receipt, err := s.Node.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		status := "success"
		if receipt.Status == types.ReceiptStatusFailed {
			status = "reverted"
		}
		return fmt.Sprintf("mined in %s (%s)", receipt.BlockNumber, status)
	case !errors.Is(err, ethereum.NotFound):
		return "error: " + err.Error()
	}

	_, pending, err := s.Node.TransactionByHash(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return "unknown"
	case err != nil:
		return "error: " + err.Error()
	case pending:
		return "in mempool"
	default:
		return "known"
	}
}

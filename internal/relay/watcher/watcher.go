package watcher

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/metrics"
	"github/chapool/go-relay/internal/relay/txn"
	"golang.org/x/sync/errgroup"
)

// Node is the read-only chain surface the watcher polls.
type Node interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Sink receives observations, it is the lifecycle manager.
type Sink interface {
	ActiveRecords(ctx context.Context) ([]*txn.Record, error)
	OnConfirmationEvent(ctx context.Context, hash common.Hash, obs txn.Observation) error
}

const defaultConcurrency = 8

// Watcher polls the node for the fate of every active record and reports what it
// sees. Observations are delivered at least once, the sink must be idempotent.
type Watcher struct {
	node        Node
	sink        Sink
	interval    time.Duration
	depth       uint64
	concurrency int
	metrics     *metrics.Service
}

func New(node Node, sink Sink, cfg config.Relay, m *metrics.Service) *Watcher {
	depth := cfg.ConfirmationDepth
	if depth == 0 {
		depth = 1
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}

	return &Watcher{
		node:        node,
		sink:        sink,
		interval:    interval,
		depth:       depth,
		concurrency: defaultConcurrency,
		metrics:     m,
	}
}

// Run polls every interval until ctx is done. Failed polls are retried on the next tick.
func (w *Watcher) Run(ctx context.Context) {
	log.Info().Dur("interval", w.interval).Uint64("confirmation_depth", w.depth).Msg("Starting confirmation watcher")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Confirmation watcher stopped by context")
			return
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to poll active transactions")
			}
		}
	}
}

// Poll runs a single pass over all active records.
func (w *Watcher) Poll(ctx context.Context) error {
	head, err := w.node.BlockNumber(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get latest block number")
	}

	records, err := w.sink.ActiveRecords(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list active records")
	}

	if w.metrics != nil {
		w.metrics.ActiveRecords.Set(float64(len(records)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for _, rec := range records {
		g.Go(func() error {
			if err := w.check(gctx, head, rec); err != nil {
				log.Warn().Err(err).Str("transaction_id", rec.ID).Str("hash", rec.CurrentHash.Hex()).Msg("Failed to check transaction, retrying next poll")
			}
			return nil
		})
	}

	return g.Wait()
}

func (w *Watcher) check(ctx context.Context, head uint64, rec *txn.Record) error {
	if rec.Status == txn.StatusMined {
		evicted, err := w.checkMined(ctx, head, rec)
		if err != nil || !evicted {
			return err
		}

		// the transaction may already sit in another block or be back in the mempool
		regressed := *rec
		regressed.Status = txn.StatusSubmitted
		rec = &regressed
	}

	return w.checkPending(ctx, rec)
}

// checkMined confirms a mined record once it is deep enough, or reports it evicted
// when its block is no longer canonical.
func (w *Watcher) checkMined(ctx context.Context, head uint64, rec *txn.Record) (bool, error) {
	header, err := w.node.HeaderByNumber(ctx, new(big.Int).SetUint64(rec.MinedBlockNumber))
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		return false, errors.Wrap(err, "failed to get mined block header")
	}

	canonical := err == nil && header.Hash() == rec.MinedBlockHash
	if canonical {
		receipt, err := w.node.TransactionReceipt(ctx, rec.MinedHash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			canonical = false
		case err != nil:
			return false, errors.Wrap(err, "failed to get receipt")
		default:
			canonical = receipt.BlockHash == rec.MinedBlockHash
		}
	}

	if !canonical {
		log.Warn().
			Str("transaction_id", rec.ID).
			Str("hash", rec.MinedHash.Hex()).
			Uint64("block_number", rec.MinedBlockNumber).
			Str("block_hash", rec.MinedBlockHash.Hex()).
			Msg("Block reorg detected, transaction evicted")

		return true, w.sink.OnConfirmationEvent(ctx, rec.MinedHash, txn.Observation{
			Kind:        txn.ObservedEvicted,
			BlockNumber: rec.MinedBlockNumber,
			BlockHash:   rec.MinedBlockHash,
		})
	}

	if head < rec.MinedBlockNumber {
		return false, nil
	}

	depth := head - rec.MinedBlockNumber + 1
	if depth < w.depth {
		return false, nil
	}

	return false, w.sink.OnConfirmationEvent(ctx, rec.MinedHash, txn.Observation{
		Kind:        txn.ObservedConfirmed,
		BlockNumber: rec.MinedBlockNumber,
		BlockHash:   rec.MinedBlockHash,
		Depth:       depth,
	})
}

// checkPending looks for a receipt of any hash of the lineage, newest first, then
// for the current hash in the mempool.
func (w *Watcher) checkPending(ctx context.Context, rec *txn.Record) error {
	for i := len(rec.HashHistory) - 1; i >= 0; i-- {
		hash := rec.HashHistory[i].Hash

		receipt, err := w.node.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "failed to get receipt of %s", hash.Hex())
		}

		return w.sink.OnConfirmationEvent(ctx, hash, txn.Observation{
			Kind:        txn.ObservedMined,
			BlockNumber: receipt.BlockNumber.Uint64(),
			BlockHash:   receipt.BlockHash,
			Reverted:    receipt.Status == types.ReceiptStatusFailed,
		})
	}

	if rec.CurrentHash == (common.Hash{}) {
		return nil
	}

	_, pending, err := w.node.TransactionByHash(ctx, rec.CurrentHash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return w.sink.OnConfirmationEvent(ctx, rec.CurrentHash, txn.Observation{Kind: txn.ObservedDropped})
	case err != nil:
		return errors.Wrap(err, "failed to look up transaction")
	case pending && rec.Status.Rank() < txn.StatusInMempool.Rank():
		return w.sink.OnConfirmationEvent(ctx, rec.CurrentHash, txn.Observation{Kind: txn.ObservedInMempool})
	default:
		return nil
	}
}

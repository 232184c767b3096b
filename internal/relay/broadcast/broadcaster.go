package broadcast

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github/chapool/go-relay/internal/chain"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/metrics"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/util"
)

// Sender submits signed transactions to the network.
type Sender interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Broadcaster hands raw signed transactions to the node. Transport failures are
// retried a bounded number of times, node rejections are returned classified.
type Broadcaster struct {
	sender  Sender
	retries int
	delay   time.Duration
	timeout time.Duration
	metrics *metrics.Service
}

func New(sender Sender, cfg config.Chain, m *metrics.Service) *Broadcaster {
	return &Broadcaster{
		sender:  sender,
		retries: cfg.BroadcastRetries,
		delay:   cfg.BroadcastRetryDelay,
		timeout: cfg.RequestTimeout,
		metrics: m,
	}
}

// Broadcast sends raw. It returns nil when the node accepted the transaction or
// already knew it, a *txn.NodeRejectedError when the node refused it, and a
// txn.ErrUpstreamUnavailable wrapped error when the node could not be reached.
func (b *Broadcaster) Broadcast(ctx context.Context, raw []byte) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return errors.Wrap(err, "failed to decode raw transaction")
	}

	log := util.LogFromContext(ctx).With().Str("hash", tx.Hash().Hex()).Uint64("nonce", tx.Nonce()).Logger()

	var lastErr error
	for attempt := 0; attempt <= b.retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, b.delay); err != nil {
				return errors.Wrap(txn.ErrUpstreamUnavailable, err.Error())
			}
		}

		err := b.send(ctx, tx)
		if err == nil || IsAlreadyKnown(err) {
			log.Debug().Int("attempt", attempt).Msg("Transaction accepted by node")
			return nil
		}

		if class, ok := Classify(err); ok || chain.IsNodeError(err) {
			b.reject(class)
			log.Warn().Err(err).Str("rejection_class", string(class)).Msg("Node rejected transaction")
			return &txn.NodeRejectedError{Class: class, Err: err}
		}

		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("Failed to reach node, retrying broadcast")

		if errors.Is(err, txn.ErrUpstreamUnavailable) {
			// breaker is open
			break
		}
	}

	if errors.Is(lastErr, txn.ErrUpstreamUnavailable) {
		return lastErr
	}

	return errors.Wrap(txn.ErrUpstreamUnavailable, lastErr.Error())
}

func (b *Broadcaster) send(ctx context.Context, tx *types.Transaction) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	return b.sender.SendTransaction(ctx, tx)
}

func (b *Broadcaster) reject(class txn.RejectionClass) {
	if b.metrics != nil {
		b.metrics.Rejections.WithLabelValues(string(class)).Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

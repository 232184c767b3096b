package relay

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/util"
)

// applyVerdict records the node's answer to the broadcast of hash. Rejections of a
// lineage the node never accepted are recovered a bounded number of times, after
// that the record fails.
func (m *Manager) applyVerdict(ctx context.Context, id string, hash common.Hash, sendErr error) {
	log := util.LogFromContext(ctx).With().Str("transaction_id", id).Str("hash", hash.Hex()).Logger()

	unlock := m.locks.Lock(id)
	next, err := m.verdict(ctx, id, hash, sendErr, &log)
	unlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to apply broadcast result")
		return
	}

	if next != nil {
		next()
	}
}

func (m *Manager) verdict(ctx context.Context, id string, hash common.Hash, sendErr error, log *zerolog.Logger) (func(), error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	entry, ok := rec.Entry(hash)
	if !ok {
		return nil, errors.Errorf("hash %s is not part of the record", hash.Hex())
	}

	if sendErr == nil {
		entry.Accepted = true
		if entry.GapFill {
			entry.Status = txn.StatusSubmitted
			log.Info().Msg("Nonce gap filler accepted")
			return nil, m.save(ctx, rec)
		}

		if hash == rec.CurrentHash && rec.Status == txn.StatusSent {
			entry.Status = txn.StatusSubmitted
			m.transition(rec, txn.StatusSubmitted)
		}
		return nil, m.save(ctx, rec)
	}

	rejected, ok := txn.RejectionOf(sendErr)
	if !ok {
		// the watcher reports the hash as dropped and it gets rebroadcast
		log.Warn().Err(sendErr).Msg("Broadcast did not reach the node")
		return nil, nil
	}

	log.Warn().Str("class", string(rejected.Class)).Err(rejected.Err).Msg("Node rejected transaction")
	rec.Metadata.RejectionClass = string(rejected.Class)

	if entry.GapFill {
		entry.Status = txn.StatusFailed
		return nil, m.save(ctx, rec)
	}

	if hash != rec.CurrentHash || rec.Status.Terminal() || rec.Status.Rank() >= txn.StatusMined.Rank() {
		return nil, m.save(ctx, rec)
	}

	if rec.EverAccepted() {
		// an earlier broadcast of the lineage is still live on the network
		m.restoreAccepted(rec, entry)
		return nil, m.save(ctx, rec)
	}

	var next func()
	switch {
	case rejected.Class == txn.RejectionUnderpriced && rec.Metadata.RecoveryAttempts < maxRecoveryAttempts:
		rec.Metadata.RecoveryAttempts++
		next = func() {
			if err := m.reprice(ctx, id, true); err != nil {
				log.Error().Err(err).Msg("Failed to reprice underpriced transaction")
			}
		}

	case rejected.Class == txn.RejectionNonceTooLow && rec.Metadata.RecoveryAttempts < maxRecoveryAttempts:
		rec.Metadata.RecoveryAttempts++
		next = func() {
			if err := m.refreshNonce(ctx, id, hash); err != nil {
				log.Error().Err(err).Msg("Failed to resubmit transaction with a fresh nonce")
			}
		}

	default:
		m.fail(rec, rejected.Error())
		log.Warn().Msg("Transaction failed")

		// a used nonce leaves no gap behind
		if m.cfg.FillNonceGaps && rejected.Class != txn.RejectionNonceTooLow {
			next = func() {
				if err := m.fillGap(ctx, id); err != nil {
					log.Error().Err(err).Msg("Failed to fill nonce gap")
				}
			}
		}
	}

	if err := m.save(ctx, rec); err != nil {
		return nil, err
	}

	return next, nil
}

// restoreAccepted makes the newest accepted broadcast current again after its
// replacement was refused.
func (m *Manager) restoreAccepted(rec *txn.Record, refused *txn.HashEntry) {
	refused.Status = txn.StatusFailed

	live, ok := rec.LatestAccepted()
	if !ok {
		return
	}

	live.Status = txn.StatusSubmitted
	rec.CurrentHash = live.Hash
	rec.GasPrice = live.GasPrice
	rec.Nonce = live.Nonce
	rec.RawTx = nil
	rec.Metadata.NoOp = live.NoOp
	rec.Metadata.IntentFulfilled = !live.NoOp
	m.transition(rec, txn.StatusSubmitted)
}

// refreshNonce re-signs a record refused with nonce too low under a newly allocated
// nonce and broadcasts it again under the same transaction ID.
func (m *Manager) refreshNonce(ctx context.Context, id string, refused common.Hash) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.CurrentHash != refused || rec.Status != txn.StatusSent {
		return nil
	}

	nonce, err := m.nonces.Allocate(ctx, rec.SigningKeyID, rec.From)
	if err != nil {
		return err
	}

	signed, raw, err := m.sign(ctx, rec, nonce, rec.GasPrice, rec.Metadata.NoOp)
	if err != nil {
		return err
	}

	unlock := m.locks.Lock(id)
	rec, err = m.store.Get(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if rec.CurrentHash != refused || rec.Status != txn.StatusSent {
		unlock()
		return nil
	}

	now := m.clock.Now()
	rec.AppendHash(txn.HashEntry{
		Hash:        signed.Hash(),
		Nonce:       nonce,
		GasPrice:    rec.GasPrice,
		NoOp:        rec.Metadata.NoOp,
		BroadcastAt: now,
	})
	rec.RawTx = raw

	err = m.save(ctx, rec)
	unlock()
	if err != nil {
		return err
	}

	m.metrics.Replacements.WithLabelValues("nonce_refresh").Inc()
	util.LogFromContext(ctx).Info().
		Str("transaction_id", id).
		Uint64("nonce", nonce).
		Str("hash", rec.CurrentHash.Hex()).
		Msg("Resubmitting transaction with fresh nonce")

	m.dispatch(ctx, id, rec.CurrentHash, raw)

	return nil
}

// fillGap occupies the nonce of a record that failed before the node ever accepted
// it with a zero value self transfer, so later nonces of the key are not blocked.
func (m *Manager) fillGap(ctx context.Context, id string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !needsGapFill(rec) {
		return nil
	}

	speed := rec.Speed
	if !speed.Valid() {
		speed = txn.SpeedAverage
	}

	price, err := m.prices.PriceFor(ctx, speed, rec.ChainID)
	if err != nil {
		return err
	}

	signed, raw, err := m.sign(ctx, rec, rec.Nonce, m.capped(price), true)
	if err != nil {
		return err
	}

	unlock := m.locks.Lock(id)
	rec, err = m.store.Get(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if !needsGapFill(rec) {
		unlock()
		return nil
	}

	rec.AppendGapFill(txn.HashEntry{
		Hash:        signed.Hash(),
		Nonce:       rec.Nonce,
		GasPrice:    signed.GasPrice(),
		BroadcastAt: m.clock.Now(),
	})

	err = m.save(ctx, rec)
	unlock()
	if err != nil {
		return err
	}

	m.metrics.Replacements.WithLabelValues("gap_fill").Inc()
	util.LogFromContext(ctx).Info().
		Str("transaction_id", id).
		Uint64("nonce", rec.Nonce).
		Str("hash", signed.Hash().Hex()).
		Msg("Filling nonce gap of failed transaction")

	m.dispatch(ctx, id, signed.Hash(), raw)

	return nil
}

func needsGapFill(rec *txn.Record) bool {
	return rec.Status == txn.StatusFailed && rec.Metadata.GapFillHash == nil && !rec.EverAccepted()
}

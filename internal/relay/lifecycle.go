package relay

import (
	"bytes"
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/util"
)

// OnConfirmationEvent applies a network observation for hash to the record owning
// it. Observations are idempotent: repeating one, or receiving one that no longer
// matches the record, leaves the record untouched.
func (m *Manager) OnConfirmationEvent(ctx context.Context, hash common.Hash, obs txn.Observation) error {
	owner, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return err
	}

	log := util.LogFromContext(ctx).With().
		Str("transaction_id", owner.ID).
		Str("hash", hash.Hex()).
		Str("observation", obs.Kind.String()).
		Logger()

	unlock := m.locks.Lock(owner.ID)
	rebroadcast, err := m.observe(ctx, owner.ID, hash, obs)
	unlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to apply observation")
		return err
	}

	if rebroadcast != nil {
		log.Info().Msg("Transaction dropped from mempool, rebroadcasting")
		m.dispatch(ctx, owner.ID, hash, rebroadcast)
	}

	return nil
}

// observe mutates the record under its lock and returns raw bytes to rebroadcast
// once the lock is released.
func (m *Manager) observe(ctx context.Context, id string, hash common.Hash, obs txn.Observation) ([]byte, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Status.Terminal() {
		return nil, nil
	}

	entry, ok := rec.Entry(hash)
	if !ok || entry.GapFill {
		return nil, nil
	}

	switch obs.Kind {
	case txn.ObservedInMempool:
		if hash != rec.CurrentHash || rec.Status.Rank() >= txn.StatusInMempool.Rank() {
			return nil, nil
		}
		entry.Accepted = true
		entry.Status = txn.StatusInMempool
		m.transition(rec, txn.StatusInMempool)

	case txn.ObservedMined:
		if rec.Status == txn.StatusMined && rec.MinedHash == hash && rec.MinedBlockHash == obs.BlockHash {
			return nil, nil
		}
		m.mined(rec, entry, obs)

	case txn.ObservedConfirmed:
		if rec.Status != txn.StatusMined || rec.MinedHash != hash {
			return nil, nil
		}
		if obs.BlockHash != (common.Hash{}) && obs.BlockHash != rec.MinedBlockHash {
			return nil, nil
		}
		if obs.Depth < m.cfg.ConfirmationDepth {
			return nil, nil
		}
		entry.Status = txn.StatusConfirmed
		m.transition(rec, txn.StatusConfirmed)

	case txn.ObservedEvicted:
		if rec.Status != txn.StatusMined || rec.MinedHash != hash {
			return nil, nil
		}
		if obs.BlockHash != (common.Hash{}) && obs.BlockHash != rec.MinedBlockHash {
			return nil, nil
		}
		entry.Status = txn.StatusSubmitted
		rec.MinedHash = common.Hash{}
		rec.MinedBlockNumber = 0
		rec.MinedBlockHash = common.Hash{}
		rec.Reverted = false
		rec.MinedAt = time.Time{}
		rec.ReorgCount++
		m.transition(rec, txn.StatusSubmitted)

	case txn.ObservedDropped:
		if hash != rec.CurrentHash || rec.Status.Rank() >= txn.StatusMined.Rank() {
			return nil, nil
		}
		return m.rawFor(ctx, rec, entry)

	default:
		return nil, errors.Errorf("unknown observation kind %d", obs.Kind)
	}

	return nil, m.save(ctx, rec)
}

// mined records that entry made it into a block. Whichever hash of the lineage
// was mined becomes the record's current hash, and the record's gas price becomes
// the price that hash paid. The hash history is left in broadcast order.
func (m *Manager) mined(rec *txn.Record, entry *txn.HashEntry, obs txn.Observation) {
	for i := range rec.HashHistory {
		e := &rec.HashHistory[i]
		if e.Hash != entry.Hash && e.Active() && !e.GapFill {
			e.Status = txn.StatusReplaced
		}
	}

	entry.Accepted = true
	entry.Status = txn.StatusMined

	rec.CurrentHash = entry.Hash
	rec.GasPrice = entry.GasPrice
	rec.Nonce = entry.Nonce
	rec.MinedHash = entry.Hash
	rec.MinedBlockNumber = obs.BlockNumber
	rec.MinedBlockHash = obs.BlockHash
	rec.Reverted = obs.Reverted
	rec.MinedAt = m.clock.Now()

	rec.Metadata.NoOp = entry.NoOp
	rec.Metadata.IntentFulfilled = !entry.NoOp

	m.transition(rec, txn.StatusMined)
}

// rawFor returns the signed bytes of entry, re-signing when only an earlier
// encoding was kept. Legacy signatures are deterministic so the hash is stable.
func (m *Manager) rawFor(ctx context.Context, rec *txn.Record, entry *txn.HashEntry) ([]byte, error) {
	if len(rec.RawTx) > 0 && entry.Hash == rec.CurrentHash {
		return bytes.Clone(rec.RawTx), nil
	}

	signed, raw, err := m.sign(ctx, rec, entry.Nonce, entry.GasPrice, entry.NoOp)
	if err != nil {
		return nil, err
	}
	if signed.Hash() != entry.Hash {
		return nil, errors.Errorf("re-signed transaction hash %s does not match %s", signed.Hash().Hex(), entry.Hash.Hex())
	}

	return raw, nil
}

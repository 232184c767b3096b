package relay

import (
	"context"
	"math/big"

	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/util"
)

// Reprice replaces the transaction of record id when it has been waiting longer than
// the staleness window and the market price of its speed moved far enough. After
// NoOpAfterCycles stale cycles the intent is given up and the nonce is consumed by a
// zero value self transfer instead. Concurrent calls for the same record are skipped.
func (m *Manager) Reprice(ctx context.Context, id string) error {
	return m.reprice(ctx, id, false)
}

// reprice with force set skips the staleness and price delta checks and is used to
// recover from an underpriced rejection.
func (m *Manager) reprice(ctx context.Context, id string, force bool) error {
	var release func()
	if force {
		release = m.repricing.Lock(id)
	} else {
		var ok bool
		if release, ok = m.repricing.TryLock(id); !ok {
			return nil
		}
	}
	defer release()

	log := util.LogFromContext(ctx).With().Str("transaction_id", id).Logger()

	unlock := m.locks.Lock(id)
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if !rec.Status.Repriceable() {
		unlock()
		return nil
	}

	now := m.clock.Now()
	if !force {
		if rec.Age(now) < m.cfg.StaleAfter {
			unlock()
			return nil
		}

		rec.StaleCycles++
		if err := m.save(ctx, rec); err != nil {
			unlock()
			return err
		}
	}

	giveUp := !force && !rec.Metadata.NoOp && m.cfg.NoOpAfterCycles > 0 && rec.StaleCycles >= m.cfg.NoOpAfterCycles
	snapshot := rec.Clone()
	unlock()

	noop := giveUp || snapshot.Metadata.NoOp

	price, ok, err := m.replacementPrice(ctx, snapshot, force || giveUp)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	signed, raw, err := m.sign(ctx, snapshot, snapshot.Nonce, price, noop)
	if err != nil {
		return err
	}

	unlock = m.locks.Lock(id)
	rec, err = m.store.Get(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if rec.CurrentHash != snapshot.CurrentHash || !rec.Status.Repriceable() {
		// mined or replaced while pricing
		unlock()
		return nil
	}

	rec.AppendHash(txn.HashEntry{
		Hash:        signed.Hash(),
		Nonce:       snapshot.Nonce,
		GasPrice:    price,
		NoOp:        noop,
		BroadcastAt: now,
	})
	rec.RawTx = raw
	rec.LastRepricedAt = now
	if noop {
		rec.Metadata.NoOp = true
		rec.Metadata.IntentFulfilled = false
	}
	m.transition(rec, txn.StatusSent)

	err = m.save(ctx, rec)
	unlock()
	if err != nil {
		return err
	}

	kind := "reprice"
	switch {
	case giveUp:
		kind = "noop"
	case force:
		kind = "recovery"
	}
	m.metrics.Replacements.WithLabelValues(kind).Inc()

	log.Info().
		Str("kind", kind).
		Str("previous_hash", snapshot.CurrentHash.Hex()).
		Str("hash", rec.CurrentHash.Hex()).
		Str("gas_price", price.String()).
		Msg("Replacing transaction")

	m.dispatch(ctx, id, rec.CurrentHash, raw)

	return nil
}

// replacementPrice computes the gas price of the next broadcast of rec. A regular
// reprice needs the market to exceed the current price by more than MinPriceDelta,
// unconditional replacements only need to clear the node's replacement bump.
func (m *Manager) replacementPrice(ctx context.Context, rec *txn.Record, unconditional bool) (*big.Int, bool, error) {
	current := rec.GasPrice

	minReplacement := new(big.Int).Mul(current, big.NewInt(100+m.cfg.ReplacementBumpPercent))
	minReplacement.Div(minReplacement, big.NewInt(100))
	if minReplacement.Cmp(current) <= 0 {
		minReplacement.Add(current, big.NewInt(1))
	}

	var market *big.Int
	if rec.Speed.Valid() {
		var err error
		if market, err = m.prices.PriceFor(ctx, rec.Speed, rec.ChainID); err != nil {
			return nil, false, err
		}
	}

	if !unconditional {
		// a fixed price override is never chased
		if market == nil {
			return nil, false, nil
		}

		delta := new(big.Int).Sub(market, current)
		threshold := m.cfg.MinPriceDelta
		if threshold == nil {
			threshold = new(big.Int)
		}
		if delta.Cmp(threshold) <= 0 {
			return nil, false, nil
		}
	}

	price := minReplacement
	if market != nil && market.Cmp(price) > 0 {
		price = market
	}

	price = m.capped(price)
	if price.Cmp(current) <= 0 {
		util.LogFromContext(ctx).Warn().
			Str("transaction_id", rec.ID).
			Str("gas_price", current.String()).
			Msg("Transaction is priced at the configured maximum, cannot replace")
		return nil, false, nil
	}

	return new(big.Int).Set(price), true, nil
}

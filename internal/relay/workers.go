package relay

import (
	"context"
	"time"

	"github/chapool/go-relay/internal/util"
	"golang.org/x/sync/errgroup"
)

const repriceConcurrency = 8

// RunRepricer evaluates every active record for replacement each RepriceInterval
// until ctx is done.
func (m *Manager) RunRepricer(ctx context.Context) error {
	interval := m.cfg.RepriceInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.RepriceStale(ctx); err != nil {
				util.LogFromContext(ctx).Error().Err(err).Msg("Failed to reprice stale transactions")
			}
		}
	}
}

// RepriceStale runs one reprice pass over the active records.
func (m *Manager) RepriceStale(ctx context.Context) error {
	records, err := m.ActiveRecords(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(repriceConcurrency)

	now := m.clock.Now()
	for _, rec := range records {
		if !rec.Status.Repriceable() || rec.Age(now) < m.cfg.StaleAfter {
			continue
		}

		id := rec.ID
		g.Go(func() error {
			if err := m.Reprice(gctx, id); err != nil {
				// one failing record must not stop the pass
				util.LogFromContext(gctx).Error().Err(err).Str("transaction_id", id).Msg("Failed to reprice transaction")
			}
			return nil
		})
	}

	return g.Wait()
}

package relay

import (
	"context"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github/chapool/go-relay/internal/metrics"
	"github/chapool/go-relay/internal/relay/store"
	"github/chapool/go-relay/internal/util"
)

// Purger deletes terminal records once they are older than the retention window.
type Purger struct {
	store     store.Store
	retention time.Duration
	clock     time2.Clock
	metrics   *metrics.Service
	cron      *cron.Cron
}

func NewPurger(st store.Store, retention time.Duration, clock time2.Clock, m *metrics.Service) *Purger {
	return &Purger{
		store:     st,
		retention: retention,
		clock:     clock,
		metrics:   m,
		cron:      cron.New(),
	}
}

// Purge removes every terminal record created before now minus retention.
func (p *Purger) Purge(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}

	cutoff := p.clock.Now().Add(-p.retention)
	purged, err := p.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge records")
	}

	p.metrics.PurgedRecords.Add(float64(purged))
	util.LogFromContext(ctx).Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("Purged expired transaction records")

	return purged, nil
}

// Start schedules Purge on a cron schedule such as "@hourly".
func (p *Purger) Start(ctx context.Context, schedule string) error {
	ctx = context.WithoutCancel(ctx)

	if _, err := p.cron.AddFunc(schedule, func() {
		if _, err := p.Purge(ctx); err != nil {
			util.LogFromContext(ctx).Error().Err(err).Msg("Scheduled purge failed")
		}
	}); err != nil {
		return errors.Wrapf(err, "invalid purge schedule %q", schedule)
	}

	p.cron.Start()

	return nil
}

// Stop halts the schedule and waits for a running purge to finish or ctx to expire.
func (p *Purger) Stop(ctx context.Context) {
	select {
	case <-p.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Package reclaimer cancels trips that stayed requested with no driver for too long.
package reclaimer

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Source lists requested trips created before a cutoff.
type Source interface {
	ListStale(ctx context.Context, createdBefore time.Time) ([]models.Trip, error)
}

// Expirer cancels one trip on behalf of the system, reporting whether it did.
type Expirer interface {
	Expire(ctx context.Context, tripID string) (bool, error)
}

type Reclaimer struct {
	source   Source
	expirer  Expirer
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func New(source Source, expirer Expirer, interval, maxAge time.Duration, logger *slog.Logger) *Reclaimer {
	return &Reclaimer{
		source:   source,
		expirer:  expirer,
		interval: interval,
		maxAge:   maxAge,
		logger:   logging.Component(logger, "reclaimer"),
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("reclaimer started", "interval", r.interval.String(), "max_age", r.maxAge.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reclaimer stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep cancels every stale trip once and returns how many it cancelled. A
// failure on one trip does not stop the sweep.
func (r *Reclaimer) Sweep(ctx context.Context) int {
	start := time.Now()
	defer func() { observability.ReclaimSweepTime.Observe(time.Since(start).Seconds()) }()

	stale, err := r.source.ListStale(ctx, r.now().Add(-r.maxAge))
	if err != nil {
		r.logger.Error("list stale trips failed", "error", err)
		return 0
	}
	cancelled := 0
	for _, t := range stale {
		if ctx.Err() != nil {
			break
		}
		ok, err := r.expirer.Expire(ctx, t.ID)
		if err != nil {
			r.logger.Error("expire trip failed", "trip_id", t.ID, "error", err)
			continue
		}
		if ok {
			cancelled++
			observability.TripsReclaimed.Inc()
			r.logger.Info("trip reclaimed", "trip_id", t.ID, "client_id", t.ClientID, "age", r.now().Sub(t.CreatedAt).Round(time.Second).String())
		}
	}
	return cancelled
}

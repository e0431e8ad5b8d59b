// Package retention purges finished session records past their
// configured age on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basket/parla/internal/persistence"
)

// Sweeper deletes ended sessions older than the retention window.
type Sweeper struct {
	store    *persistence.Store
	log      *slog.Logger
	days     int
	schedule cron.Schedule
}

// New parses the 5-field cron schedule. days <= 0 disables sweeping.
func New(store *persistence.Store, logger *slog.Logger, days int, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = "0 3 * * *"
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		store:    store,
		log:      logger.With("component", "retention"),
		days:     days,
		schedule: sched,
	}, nil
}

// Run blocks until ctx is cancelled, sweeping at each scheduled tick.
func (s *Sweeper) Run(ctx context.Context) {
	if s.days <= 0 {
		s.log.Info("retention disabled, keeping all sessions")
		return
	}
	for {
		next := s.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one purge pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.days)
	purged, err := s.store.PurgeSessionsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("retention sweep failed", "error", err)
		return
	}
	if purged > 0 {
		s.log.Info("retention sweep purged sessions", "purged", purged, "cutoff", cutoff.Format(time.RFC3339))
	}
}

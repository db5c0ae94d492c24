package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultRetentionSchedule prunes nightly at 03:00.
const DefaultRetentionSchedule = "0 3 * * *"

// Retention prunes the diagnostics store on a cron schedule.
type Retention struct {
	cron   *cron.Cron
	store  *Store
	maxAge time.Duration
	logger zerolog.Logger
}

// NewRetention schedules pruning of records older than maxAge.
func NewRetention(store *Store, schedule string, maxAge time.Duration, logger zerolog.Logger) (*Retention, error) {
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %v", maxAge)
	}

	r := &Retention{
		cron:   cron.New(),
		store:  store,
		maxAge: maxAge,
		logger: logger.With().Str("component", "retention").Logger(),
	}
	if _, err := r.cron.AddFunc(schedule, func() { r.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start starts the scheduler.
func (r *Retention) Start() {
	r.cron.Start()
}

// Stop stops the scheduler and waits for a running prune.
func (r *Retention) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// RunOnce prunes immediately.
func (r *Retention) RunOnce(ctx context.Context) int64 {
	cutoff := time.Now().Add(-r.maxAge)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("prune failed")
		return 0
	}
	if n > 0 {
		r.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("pruned request outcomes")
	}
	return n
}

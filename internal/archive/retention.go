package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/constants"
	"courier/internal/logger"
	"courier/pkg/metrics"
)

const DefaultRetentionSchedule = "@hourly"

// Retention purges records older than the window on a cron schedule.
type Retention struct {
	store  Store
	window time.Duration
	cron   *cron.Cron
	logger logger.Logger
	now    func() time.Time
}

func NewRetention(store Store, window time.Duration, schedule string, log logger.Logger) (*Retention, error) {
	if window <= 0 {
		return nil, fmt.Errorf("retention window must be positive, got %s", window)
	}
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	if log == nil {
		log = logger.NopLogger()
	}

	r := &Retention{
		store:  store,
		window: window,
		cron:   cron.New(),
		logger: log,
		now:    time.Now,
	}
	if _, err := r.cron.AddFunc(schedule, r.tick); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Retention) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := r.PurgeExpired(ctx); err != nil {
		r.logger.Errorw("Archive retention purge failed",
			"error", err,
		)
	}
}

// PurgeExpired deletes every record accepted before now minus the window.
func (r *Retention) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.window)
	n, err := r.store.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.ArchivePurgedTotal.Add(float64(n))
	if n > 0 {
		r.logger.Infow("Archive records purged",
			"purged", n,
			"cutoff", cutoff,
		)
	}
	return n, nil
}

// Run starts the schedule and blocks until ctx ends.
func (r *Retention) Run(ctx context.Context) {
	r.cron.Start()
	<-ctx.Done()
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(constants.ShutdownTimeout):
	}
}

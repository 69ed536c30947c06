package routing

import (
	"context"
	"math/rand"
	"time"

	"courier/internal/config"
	"courier/internal/logger"
	"courier/pkg/metrics"
)

// Reloader pulls rules from a Repository into a Store.
type Reloader struct {
	repo   Repository
	store  *Store
	cfg    config.ReloadConfig
	logger logger.Logger
}

func NewReloader(repo Repository, store *Store, cfg config.ReloadConfig, log logger.Logger) *Reloader {
	return &Reloader{
		repo:   repo,
		store:  store,
		cfg:    cfg,
		logger: log,
	}
}

func (r *Reloader) Repository() Repository {
	return r.repo
}

// ReloadRules loads and swaps in a new snapshot. A failed load or an
// invalid rule set leaves the live snapshot in place.
func (r *Reloader) ReloadRules(ctx context.Context, skipJitter ...bool) error {
	shouldSkipJitter := len(skipJitter) > 0 && skipJitter[0]

	if err := r.applyJitter(ctx, shouldSkipJitter); err != nil {
		return err
	}

	rules, err := r.loadRules(ctx)
	if err != nil {
		metrics.RoutingReloadsTotal.WithLabelValues("failed").Inc()
		return err
	}

	snapshot, err := r.store.Swap(rules)
	if err != nil {
		metrics.RoutingReloadsTotal.WithLabelValues("rejected").Inc()
		r.logger.ErrorwCtx(ctx, "Rejected invalid rule set, keeping current snapshot",
			"error", err,
			"current_version", r.store.Snapshot().Version(),
		)
		return err
	}

	metrics.RoutingReloadsTotal.WithLabelValues("success").Inc()
	r.logger.InfowCtx(ctx, "Successfully reloaded rules",
		"rules_count", len(rules),
		"version", snapshot.Version(),
	)
	return nil
}

func (r *Reloader) applyJitter(ctx context.Context, skipJitter bool) error {
	if skipJitter || r.cfg.JitterMaxMilliseconds <= 0 {
		return nil
	}

	jitter := time.Duration(rand.Intn(r.cfg.JitterMaxMilliseconds)) * time.Millisecond
	r.logger.DebugwCtx(ctx, "Reload scheduled with jitter",
		"jitter_ms", jitter.Milliseconds(),
	)

	select {
	case <-time.After(jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reloader) loadRules(ctx context.Context) ([]Rule, error) {
	r.logger.DebugwCtx(ctx, "Loading routing rules")
	return r.repo.GetActiveRules(ctx)
}

// StartReloader reloads once immediately and then on every interval. An
// interval of zero disables polling after the first load.
func (r *Reloader) StartReloader(ctx context.Context) error {
	if err := r.ReloadRules(ctx, true); err != nil {
		r.logger.ErrorwCtx(ctx, "Failed to reload rules",
			"error", err,
		)
	}

	if r.cfg.IntervalSeconds <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(time.Duration(r.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.ReloadRules(ctx); err != nil {
				r.logger.ErrorwCtx(ctx, "Failed to reload rules",
					"error", err,
				)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

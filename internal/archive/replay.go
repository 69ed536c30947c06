package archive

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"courier/internal/constants"
	"courier/internal/logger"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/logging"
	"courier/pkg/metrics"
	"courier/pkg/models"
	"courier/pkg/retry"
)

type JobState string

const (
	JobRequested JobState = "requested"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

func (s JobState) resumable() bool {
	return s == JobFailed || s == JobCancelled
}

type ReplayRequest struct {
	Bus       string    `json:"bus"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	TargetBus string    `json:"target_bus,omitempty"`
}

// ReplayJob reports progress. LastSeq and LastReplayedAt name the last
// record that was published, so a failed or cancelled job can resume
// right after it.
type ReplayJob struct {
	ID             string    `json:"id"`
	Bus            string    `json:"bus"`
	TargetBus      string    `json:"target_bus"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	State          JobState  `json:"state"`
	Replayed       int64     `json:"replayed"`
	LastSeq        int64     `json:"last_seq"`
	LastReplayedAt time.Time `json:"last_replayed_at,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// PublishFunc publishes a replayed envelope to the named bus.
type PublishFunc func(ctx context.Context, bus string, env models.Envelope) error

var publishPolicy = retry.Policy{
	MaxAttempts:     5,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      2,
}

type ReplayerConfig struct {
	RatePerSecond float64
	Burst         int
	PageSize      int
}

type Replayer struct {
	store   Store
	publish PublishFunc
	cfg     ReplayerConfig
	logger  logger.Logger
	now     func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*jobEntry
}

type jobEntry struct {
	job    ReplayJob
	cancel context.CancelFunc
}

func NewReplayer(store Store, publish PublishFunc, cfg ReplayerConfig, log logger.Logger) *Replayer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = constants.DefaultReplayPageSize
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if log == nil {
		log = logger.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Replayer{
		store:      store,
		publish:    publish,
		cfg:        cfg,
		logger:     log,
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		jobs:       make(map[string]*jobEntry),
	}
}

// Replay starts a job that republishes [From, To) of req.Bus. An open or
// future upper bound is pinned to the request time: the job pages by store
// sequence, and records still being written past that point could commit
// behind its cursor.
func (r *Replayer) Replay(ctx context.Context, req ReplayRequest) (string, error) {
	if req.Bus == "" {
		return "", pkgerrors.ErrValidation.WithDetail("field", "bus").WithMessage("bus is required")
	}
	now := r.now().UTC()
	if req.To.IsZero() || req.To.After(now) {
		req.To = now
	}
	if !req.From.IsZero() && !req.From.Before(req.To) {
		return "", pkgerrors.ErrValidation.WithDetail("field", "from").WithMessage("from must be before to")
	}
	if req.TargetBus == "" {
		req.TargetBus = req.Bus
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", pkgerrors.ErrInternal.WithCause(err)
	}

	job := ReplayJob{
		ID:        id.String(),
		Bus:       req.Bus,
		TargetBus: req.TargetBus,
		From:      req.From,
		To:        req.To,
		State:     JobRequested,
		CreatedAt: now,
	}

	r.mu.Lock()
	if r.baseCtx.Err() != nil {
		r.mu.Unlock()
		return "", pkgerrors.ErrClosed.WithMessage("replayer is closed")
	}
	entry := &jobEntry{job: job}
	r.jobs[job.ID] = entry
	r.startLocked(entry)
	r.mu.Unlock()

	metrics.ReplayJobsTotal.WithLabelValues(string(JobRequested)).Inc()
	r.logger.InfowCtx(logging.WithBus(ctx, req.Bus), "Replay requested",
		"job_id", job.ID,
		"target_bus", job.TargetBus,
		"from", job.From,
		"to", job.To,
	)
	return job.ID, nil
}

// Resume restarts a failed or cancelled job after its last replayed record.
func (r *Replayer) Resume(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.jobs[id]
	if !ok {
		return pkgerrors.ErrNotFound.WithDetail("job_id", id)
	}
	if !entry.job.State.resumable() {
		return pkgerrors.ErrConflict.WithDetail("job_id", id).
			WithMessage(fmt.Sprintf("job in state %s cannot be resumed", entry.job.State))
	}
	if r.baseCtx.Err() != nil {
		return pkgerrors.ErrClosed.WithMessage("replayer is closed")
	}

	entry.job.State = JobRequested
	entry.job.Error = ""
	entry.job.FinishedAt = time.Time{}
	r.startLocked(entry)

	metrics.ReplayJobsTotal.WithLabelValues(string(JobRequested)).Inc()
	r.logger.InfowCtx(ctx, "Replay resumed",
		"job_id", id,
		"last_seq", entry.job.LastSeq,
	)
	return nil
}

// Cancel stops a job before its next record. Records already published
// stay published.
func (r *Replayer) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.jobs[id]
	if !ok {
		return pkgerrors.ErrNotFound.WithDetail("job_id", id)
	}
	if entry.job.State.Terminal() {
		return pkgerrors.ErrConflict.WithDetail("job_id", id).
			WithMessage(fmt.Sprintf("job already %s", entry.job.State))
	}
	entry.cancel()
	return nil
}

func (r *Replayer) Job(id string) (ReplayJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.jobs[id]
	if !ok {
		return ReplayJob{}, pkgerrors.ErrNotFound.WithDetail("job_id", id)
	}
	return entry.job, nil
}

// Jobs lists every known job, oldest first.
func (r *Replayer) Jobs() []ReplayJob {
	r.mu.Lock()
	out := make([]ReplayJob, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, e.job)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close cancels running jobs and waits for them to stop.
func (r *Replayer) Close() {
	r.mu.Lock()
	r.baseCancel()
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Replayer) startLocked(entry *jobEntry) {
	ctx, cancel := context.WithCancel(r.baseCtx)
	entry.cancel = cancel
	job := entry.job

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.run(ctx, job.ID)
	}()
}

func (r *Replayer) update(id string, fn func(*ReplayJob)) ReplayJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.jobs[id]
	fn(&entry.job)
	return entry.job
}

func (r *Replayer) finish(ctx context.Context, id string, state JobState, cause error) {
	job := r.update(id, func(j *ReplayJob) {
		j.State = state
		j.FinishedAt = r.now().UTC()
		if cause != nil {
			j.Error = cause.Error()
		}
	})
	metrics.ReplayJobsTotal.WithLabelValues(string(state)).Inc()

	fields := []interface{}{
		"job_id", id,
		"state", state,
		"replayed", job.Replayed,
		"last_seq", job.LastSeq,
		"last_replayed_at", job.LastReplayedAt,
	}
	if cause != nil {
		r.logger.ErrorwCtx(ctx, "Replay stopped", append(fields, "error", cause)...)
		return
	}
	r.logger.InfowCtx(ctx, "Replay finished", fields...)
}

func (r *Replayer) run(ctx context.Context, id string) {
	job := r.update(id, func(j *ReplayJob) {
		j.State = JobRunning
		if j.StartedAt.IsZero() {
			j.StartedAt = r.now().UTC()
		}
	})
	metrics.ReplayJobsTotal.WithLabelValues(string(JobRunning)).Inc()
	logCtx := logging.WithBus(context.Background(), job.Bus)

	limit := rate.Inf
	if r.cfg.RatePerSecond > 0 {
		limit = rate.Limit(r.cfg.RatePerSecond)
	}
	limiter := rate.NewLimiter(limit, r.cfg.Burst)

	lastSeq := job.LastSeq
	for {
		records, err := r.store.Scan(ctx, Query{
			Bus:      job.Bus,
			From:     job.From,
			To:       job.To,
			AfterSeq: lastSeq,
			Limit:    r.cfg.PageSize,
		})
		if err != nil {
			if ctx.Err() != nil {
				r.finish(logCtx, id, JobCancelled, nil)
				return
			}
			r.finish(logCtx, id, JobFailed, fmt.Errorf("scan archive: %w", err))
			return
		}

		for _, rec := range records {
			if err := limiter.Wait(ctx); err != nil {
				r.finish(logCtx, id, JobCancelled, nil)
				return
			}

			env := replayEnvelope(rec, job.TargetBus)
			err := retry.Retry(ctx, publishPolicy, func() error {
				return r.publish(ctx, job.TargetBus, env)
			})
			if err != nil {
				if ctx.Err() != nil {
					r.finish(logCtx, id, JobCancelled, nil)
					return
				}
				r.finish(logCtx, id, JobFailed, fmt.Errorf("publish record %d: %w", rec.Seq, err))
				return
			}

			lastSeq = rec.Seq
			r.update(id, func(j *ReplayJob) {
				j.Replayed++
				j.LastSeq = rec.Seq
				j.LastReplayedAt = rec.AcceptedAt
			})
			metrics.ReplayRecordsTotal.WithLabelValues(job.Bus).Inc()
		}

		if len(records) < r.cfg.PageSize {
			r.finish(logCtx, id, JobCompleted, nil)
			return
		}
	}
}

// replayEnvelope turns an archived envelope into a brand-new publish. The
// bus assigns a fresh id and timestamp.
func replayEnvelope(rec Record, targetBus string) models.Envelope {
	env := rec.Envelope.Clone()
	env.ReplayOf = rec.Envelope.ID
	env.ID = ""
	env.Timestamp = time.Time{}
	env.Bus = targetBus
	return env
}

package archive

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"courier/internal/constants"
	"courier/internal/logger"
	"courier/pkg/metrics"
	"courier/pkg/models"
	"courier/pkg/retry"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 200 * time.Millisecond
)

var appendPolicy = retry.Policy{
	MaxAttempts:     3,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     500 * time.Millisecond,
	Multiplier:      2,
}

// Archive is the fire-and-forget writer in front of a Store. Record never
// blocks: when the buffer is full the record is dropped and counted.
type Archive struct {
	store         Store
	logger        logger.Logger
	now           func() time.Time
	buf           chan Record
	batchSize     int
	flushInterval time.Duration

	pending atomic.Int64
}

type Option func(*Archive)

func WithLogger(log logger.Logger) Option {
	return func(a *Archive) {
		if log != nil {
			a.logger = log
		}
	}
}

func WithBufferSize(n int) Option {
	return func(a *Archive) {
		if n > 0 {
			a.buf = make(chan Record, n)
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(a *Archive) { a.now = now }
}

func WithFlushInterval(d time.Duration) Option {
	return func(a *Archive) {
		if d > 0 {
			a.flushInterval = d
		}
	}
}

// New builds an archive writer. Sequence numbers come from the store, so
// any number of writers may share it.
func New(store Store, opts ...Option) *Archive {
	a := &Archive{
		store:         store,
		logger:        logger.NopLogger(),
		now:           time.Now,
		buf:           make(chan Record, constants.DefaultArchiveBuffer),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open checks that the store is reachable before records are accepted.
func (a *Archive) Open(ctx context.Context) error {
	seq, err := a.store.MaxSeq(ctx)
	if err != nil {
		return fmt.Errorf("failed to read archive position: %w", err)
	}
	a.logger.Infow("Archive opened", "max_seq", seq)
	return nil
}

func (a *Archive) Store() Store {
	return a.store
}

// Record hands env to the writer. Replayed envelopes are not archived a
// second time. It reports whether the record was buffered.
func (a *Archive) Record(env models.Envelope) bool {
	if env.ReplayOf != "" {
		metrics.ArchiveRecordsTotal.WithLabelValues(env.Bus, "skipped_replay").Inc()
		return false
	}

	r := Record{
		Bus:        env.Bus,
		AcceptedAt: a.now().UTC(),
		Envelope:   env,
	}

	a.pending.Add(1)
	select {
	case a.buf <- r:
		return true
	default:
		a.pending.Add(-1)
		metrics.ArchiveRecordsTotal.WithLabelValues(env.Bus, "dropped").Inc()
		a.logger.Warnw("Archive buffer full, record dropped",
			"bus", env.Bus,
			"event_id", env.ID,
		)
		return false
	}
}

// Run writes buffered records in batches until ctx ends, then drains
// what is left.
func (a *Archive) Run(ctx context.Context) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, a.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		a.write(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case r := <-a.buf:
			batch = append(batch, r)
			if len(batch) >= a.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			for {
				select {
				case r := <-a.buf:
					batch = append(batch, r)
					if len(batch) >= a.batchSize {
						flush(drainCtx)
					}
				default:
					flush(drainCtx)
					return
				}
			}
		}
	}
}

func (a *Archive) write(ctx context.Context, batch []Record) {
	defer a.pending.Add(-int64(len(batch)))

	err := retry.Retry(ctx, appendPolicy, func() error {
		return a.store.Append(ctx, batch)
	})
	if err != nil {
		for _, r := range batch {
			metrics.ArchiveRecordsTotal.WithLabelValues(r.Bus, "failed").Inc()
		}
		a.logger.Errorw("Failed to write archive batch",
			"error", err,
			"records", len(batch),
			"first_event_id", batch[0].Envelope.ID,
		)
		return
	}
	for _, r := range batch {
		metrics.ArchiveRecordsTotal.WithLabelValues(r.Bus, "written").Inc()
	}
}

// Flush waits until every buffered record has been written or ctx ends.
// Run must be active.
func (a *Archive) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for a.pending.Load() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

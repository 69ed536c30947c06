// Package consumer pulls batches from a queue and reports per-message
// outcomes: messages that succeed are acknowledged, failed ones are left
// leased so the queue redelivers them when the lease runs out.
package consumer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"courier/internal/constants"
	"courier/internal/logger"
	"courier/internal/queue"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/logging"
	"courier/pkg/metrics"
	"courier/pkg/tracing"
)

const tracerName = "courier-consumer"

// Source is the queue side of a runner.
type Source interface {
	Name() string
	Receive(ctx context.Context, opts queue.ReceiveOptions) ([]queue.Message, error)
	Acknowledge(ctx context.Context, id string) error
	ExtendVisibility(ctx context.Context, id string, timeout time.Duration) error
}

// Delivery is one leased message handed to a handler.
type Delivery struct {
	queue.Message
	source Source
}

// ExtendVisibility keeps the lease alive for long-running handlers.
func (d *Delivery) ExtendVisibility(ctx context.Context, timeout time.Duration) error {
	return d.source.ExtendVisibility(ctx, d.ID, timeout)
}

// Handler processes one message. Any error, or a panic, marks that message
// as failed.
type Handler func(ctx context.Context, d *Delivery) error

// BatchHandler processes a whole batch and names the failed message ids
// itself. An error fails every message in the batch.
type BatchHandler func(ctx context.Context, batch []*Delivery) (BatchResponse, error)

// BatchResponse lists the ids of messages that must not be acknowledged.
type BatchResponse struct {
	ItemFailures []string `json:"itemFailures"`
}

type Config struct {
	Name              string
	BatchSize         int
	Pollers           int
	Concurrency       int
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	HandlerTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = constants.DefaultReceiveBatch
	}
	if c.Pollers <= 0 {
		c.Pollers = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = c.BatchSize
	}
	if c.WaitTime <= 0 {
		c.WaitTime = constants.DefaultWaitTime
	}
	return c
}

type Runner struct {
	cfg          Config
	source       Source
	handler      Handler
	batchHandler BatchHandler
	logger       logger.Logger
}

func NewRunner(cfg Config, source Source, handler Handler, log logger.Logger) *Runner {
	return &Runner{cfg: cfg.withDefaults(), source: source, handler: handler, logger: orNop(log)}
}

func NewBatchRunner(cfg Config, source Source, handler BatchHandler, log logger.Logger) *Runner {
	return &Runner{cfg: cfg.withDefaults(), source: source, batchHandler: handler, logger: orNop(log)}
}

func orNop(l logger.Logger) logger.Logger {
	if l == nil {
		return logger.NopLogger()
	}
	return l
}

func (r *Runner) Name() string {
	return r.cfg.Name
}

// Run polls until ctx ends or the queue closes.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Pollers; i++ {
		g.Go(func() error {
			r.poll(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) poll(ctx context.Context) {
	ctx = logging.WithQueue(logging.WithServiceName(ctx, r.cfg.Name), r.source.Name())
	opts := queue.ReceiveOptions{
		MaxMessages:       r.cfg.BatchSize,
		VisibilityTimeout: r.cfg.VisibilityTimeout,
		WaitTime:          r.cfg.WaitTime,
	}

	for {
		msgs, err := r.source.Receive(ctx, opts)
		if err != nil {
			if ctx.Err() != nil || pkgerrors.IsClosed(err) {
				return
			}
			r.logger.ErrorwCtx(ctx, "Failed to receive messages",
				"error", err,
			)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		r.ProcessBatch(ctx, msgs)
	}
}

// ProcessBatch runs the handler over msgs, waits for every outcome, then
// acknowledges the successes. The response lists the rest.
func (r *Runner) ProcessBatch(ctx context.Context, msgs []queue.Message) BatchResponse {
	start := time.Now()
	ctx, span := tracing.GetTracer(tracerName).Start(ctx, "consumer.batch")
	span.SetAttributes(
		attribute.String("courier.consumer", r.cfg.Name),
		attribute.String("courier.queue", r.source.Name()),
		attribute.Int("courier.batch_size", len(msgs)),
	)
	defer span.End()

	batch := make([]*Delivery, len(msgs))
	for i, m := range msgs {
		batch[i] = &Delivery{Message: m, source: r.source}
	}

	var failed []bool
	if r.batchHandler != nil {
		failed = r.runBatchHandler(ctx, batch)
	} else {
		failed = r.runHandlers(ctx, batch)
	}

	var resp BatchResponse
	for i, d := range batch {
		if failed[i] {
			resp.ItemFailures = append(resp.ItemFailures, d.ID)
			metrics.ConsumerMessagesTotal.WithLabelValues(r.cfg.Name, "failure").Inc()
			continue
		}
		if err := r.source.Acknowledge(ctx, d.ID); err != nil {
			r.logger.ErrorwCtx(logging.WithMessageID(ctx, d.ID), "Failed to acknowledge message",
				"error", err,
			)
			resp.ItemFailures = append(resp.ItemFailures, d.ID)
			metrics.ConsumerMessagesTotal.WithLabelValues(r.cfg.Name, "ack_failure").Inc()
			continue
		}
		metrics.ConsumerMessagesTotal.WithLabelValues(r.cfg.Name, "success").Inc()
	}

	metrics.ObserveConsumerBatchDuration(r.cfg.Name, time.Since(start))
	span.SetAttributes(attribute.Int("courier.item_failures", len(resp.ItemFailures)))
	return resp
}

func (r *Runner) runHandlers(ctx context.Context, batch []*Delivery) []bool {
	failed := make([]bool, len(batch))

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, d := range batch {
		g.Go(func() error {
			hctx := logging.WithEventID(logging.WithMessageID(ctx, d.ID), d.Envelope.ID)
			if r.cfg.HandlerTimeout > 0 {
				var cancel context.CancelFunc
				hctx, cancel = context.WithTimeout(hctx, r.cfg.HandlerTimeout)
				defer cancel()
			}

			err := pkgerrors.SafeCall(func() error { return r.handler(hctx, d) })
			if err != nil {
				failed[i] = true
				r.logger.WarnwCtx(hctx, "Handler failed, message left for redelivery",
					"error", err,
					"receive_count", d.ReceiveCount,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

func (r *Runner) runBatchHandler(ctx context.Context, batch []*Delivery) []bool {
	failed := make([]bool, len(batch))

	hctx := ctx
	if r.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, r.cfg.HandlerTimeout)
		defer cancel()
	}

	var resp BatchResponse
	err := pkgerrors.SafeCall(func() error {
		var err error
		resp, err = r.batchHandler(hctx, batch)
		return err
	})
	if err != nil {
		r.logger.WarnwCtx(ctx, "Batch handler failed, batch left for redelivery",
			"error", err,
			"batch_size", len(batch),
		)
		for i := range failed {
			failed[i] = true
		}
		return failed
	}

	index := make(map[string]int, len(batch))
	for i, d := range batch {
		index[d.ID] = i
	}
	for _, id := range resp.ItemFailures {
		i, ok := index[id]
		if !ok {
			r.logger.WarnwCtx(ctx, "Batch handler reported an unknown message id",
				"message_id", id,
			)
			continue
		}
		failed[i] = true
	}
	return failed
}

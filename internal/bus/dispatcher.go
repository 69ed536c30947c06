package bus

import (
	"context"
	"time"

	"courier/internal/constants"
	"courier/internal/delivery"
	"courier/internal/routing"
	"courier/internal/sink"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/logging"
	"courier/pkg/metrics"
	"courier/pkg/models"
	"courier/pkg/tracing"
)

// ingress is one publish for one target. Rules naming the same target
// each add a copy.
type ingress struct {
	env    models.Envelope
	copies int
}

// dispatcher owns delivery to one target: a bounded ingress buffer, one
// goroutine, and the explicit retry schedule for that target.
//
// A publisher holds a slot before it sends, and the dispatcher frees the
// slot when it takes the item, so len(in) never exceeds len(slots) and a
// send with a slot never blocks.
type dispatcher struct {
	bus      *Bus
	target   routing.Target
	label    string
	slots    chan struct{}
	in       chan ingress
	schedule *delivery.Schedule
	done     chan struct{}
}

func newDispatcher(b *Bus, target routing.Target, buffer int) *dispatcher {
	return &dispatcher{
		bus:      b,
		target:   target,
		label:    target.String(),
		slots:    make(chan struct{}, buffer),
		in:       make(chan ingress, buffer),
		schedule: delivery.NewSchedule(),
		done:     make(chan struct{}),
	}
}

// reserve waits until deadline fires for room in the ingress buffer.
func (d *dispatcher) reserve(ctx context.Context, deadline <-chan time.Time) error {
	select {
	case d.slots <- struct{}{}:
		return nil
	default:
	}

	select {
	case d.slots <- struct{}{}:
		return nil
	case <-deadline:
		return pkgerrors.ErrCapacity.
			WithDetail("target", d.label).
			WithMessage("ingress buffer for " + d.label + " is full")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dispatcher) release() {
	<-d.slots
}

// send enqueues an item for which the caller holds a slot.
func (d *dispatcher) send(item ingress) {
	d.in <- item
	d.gauge()
}

// take frees the item's slot and delivers each copy.
func (d *dispatcher) take(ctx context.Context, item ingress) {
	d.release()
	d.gauge()
	for i := 0; i < item.copies; i++ {
		d.attempt(ctx, delivery.Attempt{Key: d.label, Envelope: item.env})
	}
}

func (d *dispatcher) gauge() {
	metrics.IngressBufferSize.WithLabelValues(d.bus.name, d.label).Set(float64(len(d.in)))
}

func (d *dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		timer, stop := d.schedule.Timer(d.bus.now())
		select {
		case item := <-d.in:
			stop()
			d.take(ctx, item)
		case <-timer:
			stop()
			for _, a := range d.schedule.PopDue(d.bus.now()) {
				d.attempt(ctx, a)
			}
		case <-d.schedule.Wake():
			stop()
		case <-ctx.Done():
			stop()
			d.drain()
			return
		}
	}
}

// drain gives every buffered envelope one last try and escalates whatever
// still fails, pending retries included.
func (d *dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	for {
		select {
		case item := <-d.in:
			d.release()
			d.gauge()
			for i := 0; i < item.copies; i++ {
				a := delivery.Attempt{Key: d.label, Envelope: item.env}
				s, err := d.deliver(ctx, a)
				if err != nil {
					a.Attempt++
					a.LastError = err
					d.escalate(ctx, s, a, err)
				}
			}
			continue
		default:
		}
		break
	}

	for _, a := range d.schedule.Drain() {
		s, _ := d.bus.resolve(d.target)
		d.escalate(ctx, s, a, pkgerrors.ErrTransientDelivery.WithMessage("bus stopped with retry pending").WithCause(a.LastError))
	}
}

func (d *dispatcher) deliver(ctx context.Context, a delivery.Attempt) (sink.Sink, error) {
	s, ok := d.bus.resolve(d.target)
	if !ok {
		return nil, pkgerrors.ErrPermanentDelivery.
			WithDetail("target", d.label).
			WithMessage("target " + d.label + " does not exist")
	}

	ctx, span := tracing.StartEnvelopeSpan(ctx, tracerName, "bus.dispatch", a.Envelope)
	defer span.End()

	err := s.Accept(ctx, a.Envelope)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
	}
	metrics.DeliveryAttemptsTotal.WithLabelValues(d.bus.name, d.label, outcome).Inc()
	return s, err
}

func (d *dispatcher) attempt(ctx context.Context, a delivery.Attempt) {
	s, err := d.deliver(ctx, a)
	if err == nil {
		return
	}

	if !pkgerrors.IsPermanent(err) {
		next, scheduled := d.schedule.Retry(a, d.bus.config().Retry, err, d.bus.now())
		if scheduled {
			metrics.RetryAttemptsTotal.WithLabelValues("bus", d.label).Inc()
			d.bus.logger.DebugwCtx(d.logContext(ctx, a.Envelope), "Delivery failed, retry scheduled",
				"target", d.label,
				"attempt", next.Attempt,
				"next_at", next.NextAt,
				"error", err,
			)
			return
		}
		a = next
	} else {
		a.Attempt++
		a.LastError = err
	}
	d.escalate(ctx, s, a, err)
}

// escalate hands a failed delivery to the target's own failure path. A
// target without one gets a failure log event and a counter increment.
func (d *dispatcher) escalate(ctx context.Context, s sink.Sink, a delivery.Attempt, cause error) {
	logCtx := d.logContext(ctx, a.Envelope)

	if dl, ok := s.(sink.DeadLetterer); ok {
		err := dl.DeadLetter(ctx, a.Envelope, cause)
		if err == nil {
			metrics.DLQMessagesTotal.WithLabelValues("bus:"+d.bus.name+"/"+d.label, reasonFor(cause)).Inc()
			d.bus.logger.WarnwCtx(logCtx, "Delivery dead-lettered",
				"target", d.label,
				"attempts", a.Attempt,
				"error", cause,
			)
			return
		}
		d.bus.logger.ErrorwCtx(logCtx, "Dead-letter delivery failed",
			"target", d.label,
			"error", err,
			"cause", cause,
		)
	}

	metrics.DeliveryFailuresTotal.WithLabelValues(d.bus.name, d.label, reasonFor(cause)).Inc()
	d.bus.logger.ErrorwCtx(logCtx, "Delivery failed",
		"target", d.label,
		"attempts", a.Attempt,
		"source", a.Envelope.Source,
		"type", a.Envelope.Type,
		"error", cause,
	)
}

func (d *dispatcher) logContext(ctx context.Context, env models.Envelope) context.Context {
	ctx = logging.WithBus(logging.WithEventID(ctx, env.ID), d.bus.name)
	return logging.WithTraceID(ctx, env.TraceID)
}

func reasonFor(err error) string {
	if pkgerrors.IsPermanent(err) {
		return "permanent_failure"
	}
	return "retries_exhausted"
}

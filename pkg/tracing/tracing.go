// Package tracing sets up the process tracer provider and the span helpers
// the bus, queues and operator API share.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"courier/internal/config"
)

const defaultServiceName = "courier"

// Resource attribute keys describing what this engine process routes.
const (
	AttrBuses    = attribute.Key("courier.buses")
	AttrQueues   = attribute.Key("courier.queues")
	AttrInstance = attribute.Key("courier.instance")
)

type TracerProvider struct {
	tp *sdktrace.TracerProvider
}

func (tp *TracerProvider) Tracer(name string) trace.Tracer {
	return tp.tp.Tracer(name)
}

func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

// ForceFlush exports every finished span still held by the batcher.
func (tp *TracerProvider) ForceFlush(ctx context.Context) error {
	return tp.tp.ForceFlush(ctx)
}

type options struct {
	serviceName string
	topology    config.TopologyConfig
	exporter    sdktrace.SpanExporter
}

type Option func(*options)

func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// WithTopology tags the resource with the declared buses and queues so
// spans from several engine processes can be told apart.
func WithTopology(t config.TopologyConfig) Option {
	return func(o *options) { o.topology = t }
}

// WithExporter replaces the OTLP exporter. Spans are exported synchronously.
func WithExporter(e sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = e }
}

// Init builds the process tracer provider and installs it, with W3C trace
// context propagation, as the otel global. Envelope spans started through
// StartEnvelopeSpan go through it. A disabled config yields a provider that
// samples nothing.
func Init(cfg config.TracingConfig, opts ...Option) (*TracerProvider, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	if !cfg.Enabled {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &TracerProvider{tp: tp}, nil
	}

	sampler, err := NewSampler(cfg.Sampler)
	if err != nil {
		return nil, err
	}

	res, err := newResource(cfg, o)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var spanProcessor sdktrace.TracerProviderOption
	if o.exporter != nil {
		spanProcessor = sdktrace.WithSyncer(o.exporter)
	} else {
		exporter, err := newOTLPExporter(cfg.OTLP)
		if err != nil {
			return nil, err
		}
		spanProcessor = sdktrace.WithBatcher(exporter)
	}

	tp := sdktrace.NewTracerProvider(
		spanProcessor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

func newResource(cfg config.TracingConfig, o options) (*resource.Resource, error) {
	name := o.serviceName
	if name == "" {
		name = cfg.ServiceName
	}
	if name == "" {
		name = defaultServiceName
	}

	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(name)}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, AttrInstance.String(host))
	}
	if buses := busNames(o.topology); len(buses) > 0 {
		attrs = append(attrs, AttrBuses.StringSlice(buses))
	}
	if len(o.topology.Queues) > 0 {
		queues := make([]string, 0, len(o.topology.Queues))
		for _, q := range o.topology.Queues {
			queues = append(queues, q.Name)
		}
		attrs = append(attrs, AttrQueues.StringSlice(queues))
	}

	return resource.New(context.Background(), resource.WithAttributes(attrs...))
}

func busNames(t config.TopologyConfig) []string {
	out := make([]string, 0, len(t.Buses))
	for _, b := range t.Buses {
		out = append(out, b.Name)
	}
	return out
}

func newOTLPExporter(cfg config.OTLPConfig) (sdktrace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return exporter, nil
}

// NewSampler maps the configured sampler name to an otel sampler. An empty
// type samples everything.
func NewSampler(cfg config.SamplerConfig) (sdktrace.Sampler, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Type))
	if strings.HasSuffix(kind, "traceidratio") && (cfg.Param < 0 || cfg.Param > 1) {
		return nil, fmt.Errorf("sampler %s: ratio %v is outside [0, 1]", kind, cfg.Param)
	}

	switch kind {
	case "", "always_on":
		return sdktrace.AlwaysSample(), nil
	case "always_off":
		return sdktrace.NeverSample(), nil
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(cfg.Param), nil
	case "parentbased_always_on":
		return sdktrace.ParentBased(sdktrace.AlwaysSample()), nil
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Param)), nil
	default:
		return nil, fmt.Errorf("unknown sampler type %q", cfg.Type)
	}
}

func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

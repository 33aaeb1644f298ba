package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/herd-immunity/internal/logging"
)

// Span names emitted by the engine.
const (
	StartSpanName = "Engine/Start"
	TickSpanName  = "Engine/Tick"
)

const flushTimeout = 5 * time.Second

// TracingConfig governs how tracing is initialised.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Exporter    string `yaml:"exporter"` // stdout | otlp
	Endpoint    string `yaml:"endpoint"` // used when Exporter == otlp

	// TickSampleRatio is the fraction of tick spans kept. Command spans are
	// always kept.
	TickSampleRatio float64 `yaml:"tick_sample_ratio"`
}

// DefaultTracingConfig has tracing off. When switched on, one tick in a
// hundred is traced.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName:     "herd-immunity",
		Exporter:        "stdout",
		TickSampleRatio: 0.01,
	}
}

// TracingConfigFromEnv overlays HERD_TRACING_* environment variables on base.
func TracingConfigFromEnv(base TracingConfig) TracingConfig {
	if raw := os.Getenv("HERD_TRACING_ENABLED"); raw != "" {
		base.Enabled = strings.EqualFold(raw, "true")
	}
	if v := os.Getenv("HERD_TRACING_EXPORTER"); v != "" {
		base.Exporter = strings.ToLower(v)
	}
	if v := os.Getenv("HERD_TRACING_SERVICE_NAME"); v != "" {
		base.ServiceName = v
	}
	if v := os.Getenv("HERD_OTLP_ENDPOINT"); v != "" {
		base.Endpoint = v
	}
	if raw := os.Getenv("HERD_TRACING_TICK_SAMPLE_RATIO"); raw != "" {
		if r, err := strconv.ParseFloat(raw, 64); err == nil && r >= 0 && r <= 1 {
			base.TickSampleRatio = r
		}
	}
	return base
}

// EngineSampler keeps every command span and samples tick spans by trace ID
// at tickRatio. Child spans follow their parent's decision.
func EngineSampler(tickRatio float64) sdktrace.Sampler {
	return sdktrace.ParentBased(tickSampler{
		ratio: tickRatio,
		ticks: sdktrace.TraceIDRatioBased(tickRatio),
	})
}

type tickSampler struct {
	ratio float64
	ticks sdktrace.Sampler
}

func (s tickSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if p.Name == TickSpanName {
		return s.ticks.ShouldSample(p)
	}
	return sdktrace.AlwaysSample().ShouldSample(p)
}

func (s tickSampler) Description() string {
	return fmt.Sprintf("EngineSampler{ticks:%g}", s.ratio)
}

// InitTracing installs the global propagator and tracer provider. The
// returned function flushes and stops the provider.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	tp := newTracerProvider(cfg, sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float64("tick_sample_ratio", cfg.TickSampleRatio),
	)
	return tp.Shutdown, nil
}

// newTracerProvider builds a provider with the engine sampler and a resource
// naming this process. opts attach span processors.
func newTracerProvider(cfg TracingConfig, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "herd-immunity"),
		attribute.String("service.instance.id", uuid.NewString()),
	)
	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithSampler(EngineSampler(cfg.TickSampleRatio)),
		sdktrace.WithResource(res),
	}, opts...)
	return sdktrace.NewTracerProvider(opts...)
}

func newExporter(ctx context.Context, cfg TracingConfig, stdout io.Writer) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "", "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(stdout), stdouttrace.WithoutTimestamps())
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
}

// FlushTracing runs shutdown with a bounded deadline detached from any
// cancelled parent. Failures are logged, not returned.
func FlushTracing(shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing flush failed", logging.Err(err))
	}
}

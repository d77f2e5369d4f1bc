package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/ncecere/open_model_server/internal/config"
	"github.com/ncecere/open_model_server/internal/models"
)

const namespace = "modeld"

type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promExporter   *prometheus.Exporter
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	httpRequestCounter *promreg.CounterVec
	httpRequestLatency *promreg.HistogramVec
	generationCounter  *promreg.CounterVec
	generationLatency  *promreg.HistogramVec
	tokensCounter      *promreg.CounterVec
	loadCounter        *promreg.CounterVec
	loadLatency        *promreg.HistogramVec
	loadProgress       *promreg.GaugeVec
	modelLoaded        *promreg.GaugeVec
	backendUp          promreg.Gauge
}

// Setup wires tracing and metrics. It returns nil when both are disabled;
// every method is safe on a nil Provider.
func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = namespace
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	if cfg.EnableOTLP {
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{}
		switch {
		case strings.HasPrefix(endpoint, "http://"):
			endpoint = strings.TrimPrefix(endpoint, "http://")
			opts = append(opts, otlptracegrpc.WithInsecure())
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = strings.TrimPrefix(endpoint, "https://")
		default:
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))

		exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
		provider.promExporter = promExporter
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
		provider.shutdownFuncs = append(provider.shutdownFuncs, mp.Shutdown)

		if err := provider.registerMetrics(registry); err != nil {
			return nil, err
		}
	}

	return provider, nil
}

func (p *Provider) registerMetrics(registry *promreg.Registry) error {
	latencyBuckets := []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60}

	p.httpRequestCounter = promreg.NewCounterVec(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"method", "route", "status"})
	p.httpRequestLatency = promreg.NewHistogramVec(promreg.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   latencyBuckets,
	}, []string{"method", "route", "status"})
	p.generationCounter = promreg.NewCounterVec(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "generations_total",
		Help:      "Generations by mode and outcome.",
	}, []string{"model", "mode", "outcome"})
	p.generationLatency = promreg.NewHistogramVec(promreg.HistogramOpts{
		Namespace: namespace,
		Name:      "generation_duration_seconds",
		Help:      "Wall time of a generation from prompt to last event.",
		Buckets:   latencyBuckets,
	}, []string{"model", "mode"})
	p.tokensCounter = promreg.NewCounterVec(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_total",
		Help:      "Total prompt/completion tokens processed.",
	}, []string{"model", "type"})
	p.loadCounter = promreg.NewCounterVec(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "model_loads_total",
		Help:      "Model load attempts by outcome.",
	}, []string{"model", "outcome"})
	p.loadLatency = promreg.NewHistogramVec(promreg.HistogramOpts{
		Namespace: namespace,
		Name:      "model_load_duration_seconds",
		Help:      "Duration of model loads.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	}, []string{"model"})
	p.loadProgress = promreg.NewGaugeVec(promreg.GaugeOpts{
		Namespace: namespace,
		Name:      "model_load_progress_percent",
		Help:      "Last progress reported by an in-flight model load.",
	}, []string{"model"})
	p.modelLoaded = promreg.NewGaugeVec(promreg.GaugeOpts{
		Namespace: namespace,
		Name:      "model_loaded",
		Help:      "1 while the model is loaded.",
	}, []string{"model"})

	p.backendUp = promreg.NewGauge(promreg.GaugeOpts{
		Namespace: namespace,
		Name:      "backend_up",
		Help:      "1 when the last inference backend probe succeeded.",
	})

	for _, c := range []promreg.Collector{
		p.httpRequestCounter, p.httpRequestLatency,
		p.generationCounter, p.generationLatency, p.tokensCounter,
		p.loadCounter, p.loadLatency, p.loadProgress, p.modelLoaded,
		p.backendUp,
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

func (p *Provider) RecordHTTPRequest(_ context.Context, method, route string, status int, duration time.Duration) {
	if p == nil {
		return
	}

	statusLabel := strconv.Itoa(status)

	if p.httpRequestCounter != nil {
		p.httpRequestCounter.WithLabelValues(method, route, statusLabel).Inc()
	}

	if p.httpRequestLatency != nil {
		p.httpRequestLatency.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
	}
}

// RecordGeneration implements generation.Recorder.
func (p *Provider) RecordGeneration(model, mode, outcome string, usage models.Usage, elapsed time.Duration) {
	if p == nil || p.generationCounter == nil {
		return
	}
	p.generationCounter.WithLabelValues(model, mode, outcome).Inc()
	p.generationLatency.WithLabelValues(model, mode).Observe(elapsed.Seconds())
	if usage.PromptTokens > 0 {
		p.tokensCounter.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		p.tokensCounter.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
	}
}

// SetLoadProgress implements lifecycle.Metrics.
func (p *Provider) SetLoadProgress(model string, percent float64) {
	if p == nil || p.loadProgress == nil {
		return
	}
	p.loadProgress.WithLabelValues(model).Set(percent)
}

// RecordLoad implements lifecycle.Metrics.
func (p *Provider) RecordLoad(model, outcome string, elapsed time.Duration) {
	if p == nil || p.loadCounter == nil {
		return
	}
	p.loadCounter.WithLabelValues(model, outcome).Inc()
	p.loadLatency.WithLabelValues(model).Observe(elapsed.Seconds())
	p.loadProgress.DeleteLabelValues(model)
}

// SetModelLoaded implements lifecycle.Metrics.
func (p *Provider) SetModelLoaded(model string, loaded bool) {
	if p == nil || p.modelLoaded == nil {
		return
	}
	value := 0.0
	if loaded {
		value = 1
	}
	p.modelLoaded.WithLabelValues(model).Set(value)
}

// SetBackendHealthy implements health.Reporter.
func (p *Provider) SetBackendHealthy(healthy bool) {
	if p == nil || p.backendUp == nil {
		return
	}
	if healthy {
		p.backendUp.Set(1)
		return
	}
	p.backendUp.Set(0)
}

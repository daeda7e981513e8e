// Package telemetry exposes story pipeline metrics through OpenTelemetry
// with a Prometheus exporter.
package telemetry

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const meterName = "github.com/lukasbauer/storyteller"

// Metrics records story pipeline instruments. A nil *Metrics is a no-op.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	stories       metric.Int64Counter
	storyDuration metric.Float64Histogram
	textAttempts  metric.Int64Counter
	ttsAttempts   metric.Int64Counter
	ttsLatency    metric.Float64Histogram
	chunks        metric.Int64Counter
	voices        metric.Int64Counter
}

// New builds a meter provider backed by its own Prometheus registry.
func New(ctx context.Context, serviceName, environment string) (*Metrics, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("deployment.environment", environment),
		),
	)
	if err != nil {
		return nil, err
	}

	reg := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	meter := provider.Meter(meterName)

	m := &Metrics{
		provider: provider,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	if m.stories, err = meter.Int64Counter("storyteller.stories",
		metric.WithDescription("Stories finished, by final status")); err != nil {
		return nil, err
	}
	if m.storyDuration, err = meter.Float64Histogram("storyteller.story.duration",
		metric.WithDescription("Time from request to final state"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.textAttempts, err = meter.Int64Counter("storyteller.text.attempts",
		metric.WithDescription("Text generation calls, by outcome")); err != nil {
		return nil, err
	}
	if m.ttsAttempts, err = meter.Int64Counter("storyteller.tts.attempts",
		metric.WithDescription("TTS provider calls, by provider and outcome")); err != nil {
		return nil, err
	}
	if m.ttsLatency, err = meter.Float64Histogram("storyteller.tts.latency",
		metric.WithDescription("TTS provider call latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.chunks, err = meter.Int64Counter("storyteller.chunks",
		metric.WithDescription("Synthesized chunks, by provider and whether a fallback served them")); err != nil {
		return nil, err
	}
	if m.voices, err = meter.Int64Counter("storyteller.voice.resolutions",
		metric.WithDescription("Voice profile resolutions, by outcome")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStory counts a finished story.
func (m *Metrics) RecordStory(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.stories.Add(ctx, 1, attrs)
	m.storyDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordTextAttempt counts one text generation call.
func (m *Metrics) RecordTextAttempt(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.textAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
}

// RecordTTSAttempt counts one provider call and its latency.
func (m *Metrics) RecordTTSAttempt(ctx context.Context, provider string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.ttsAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome(err)),
	))
	m.ttsLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordChunk counts a chunk that produced audio.
func (m *Metrics) RecordChunk(ctx context.Context, provider string, fallback bool) {
	if m == nil {
		return
	}
	m.chunks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("fallback", fallback),
	))
}

// RecordVoiceResolution counts a voice profile resolution.
func (m *Metrics) RecordVoiceResolution(ctx context.Context, kind string, err error) {
	if m == nil {
		return
	}
	m.voices.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome(err)),
	))
}

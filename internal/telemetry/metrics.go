package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const instrumentationName = "github.com/quan-xiao/testmanager"

// Config selects the metrics exporter.
type Config struct {
	ServiceName string
	Exporter    string // "none" or "stdout"
	Interval    time.Duration
	Writer      io.Writer // stdout exporter destination; os.Stdout when nil
}

// Setup installs the global meter provider and returns it with its shutdown
// function.
func Setup(ctx context.Context, cfg Config) (metric.MeterProvider, func(context.Context) error, error) {
	switch cfg.Exporter {
	case "", "none":
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return mp, func(context.Context) error { return nil }, nil
	case "stdout":
	default:
		return nil, nil, fmt.Errorf("unknown metrics exporter %q", cfg.Exporter)
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, nil, fmt.Errorf("stdout metric exporter: %w", err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
	)
	otel.SetMeterProvider(mp)
	return mp, mp.Shutdown, nil
}

// Metrics holds the dispatch counters. A nil *Metrics records nothing.
type Metrics struct {
	outcomes metric.Int64Counter
	requeued metric.Int64Counter
	expired  metric.Int64Counter
}

func New(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)

	outcomes, err := meter.Int64Counter("testmanager.dispatch.outcomes",
		metric.WithDescription("Protocol commands handled, by command and result"),
		metric.WithUnit("{command}"))
	if err != nil {
		return nil, fmt.Errorf("outcomes counter: %w", err)
	}
	requeued, err := meter.Int64Counter("testmanager.tasks.requeued",
		metric.WithDescription("Tasks taken back from a testbox"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, fmt.Errorf("requeued counter: %w", err)
	}
	expired, err := meter.Int64Counter("testmanager.sweep.expired",
		metric.WithDescription("Testboxes signed off by the liveness sweep"),
		metric.WithUnit("{testbox}"))
	if err != nil {
		return nil, fmt.Errorf("expired counter: %w", err)
	}

	return &Metrics{outcomes: outcomes, requeued: requeued, expired: expired}, nil
}

func (m *Metrics) RecordOutcome(ctx context.Context, command, result string) {
	if m == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("result", result),
	))
}

func (m *Metrics) RecordRequeue(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.requeued.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordExpired(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(ctx, int64(n))
}

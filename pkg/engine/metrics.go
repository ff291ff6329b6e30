package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/walteh/vmcontrol/pkg/vm"
)

type metrics struct {
	operations metric.Int64Counter
	duration   metric.Float64Histogram
}

func newMetrics(ctx context.Context) *metrics {
	logger := zerolog.Ctx(ctx)
	meter := otel.Meter("vmcontrol/engine")

	operations, err := meter.Int64Counter(
		"vmcontrol.operations",
		metric.WithDescription("Number of engine operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to create operations counter")
	}

	duration, err := meter.Float64Histogram(
		"vmcontrol.operation.duration",
		metric.WithDescription("Duration of engine operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to create duration histogram")
	}

	return &metrics{operations: operations, duration: duration}
}

func (m *metrics) record(ctx context.Context, op string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = vm.Kind(err)
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	)
	if m.operations != nil {
		m.operations.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

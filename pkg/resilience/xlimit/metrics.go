package xlimit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/omeyang/xguard/pkg/resilience/xlimit"

type requestCounter struct {
	counter metric.Int64Counter
}

func newRequestCounter(p metric.MeterProvider) (*requestCounter, error) {
	if p == nil {
		p = noop.NewMeterProvider()
	}
	c, err := p.Meter(meterName).Int64Counter("xlimit.requests",
		metric.WithDescription("Rate limit decisions"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("xlimit: create counter: %w", err)
	}
	return &requestCounter{counter: c}, nil
}

func (c *requestCounter) record(ctx context.Context, scope Scope, allowed bool) {
	c.counter.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("scope", string(scope)),
		attribute.Bool("allowed", allowed),
	))
}

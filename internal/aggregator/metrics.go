package aggregator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type aggMetrics struct {
	admits  metric.Int64Counter
	drops   metric.Int64Counter
	flushes metric.Int64Counter
}

func newAggMetrics() *aggMetrics {
	meter := otel.Meter("optionproxy.aggregator")

	am := &aggMetrics{
		admits:  nil,
		drops:   nil,
		flushes: nil,
	}

	am.admits, _ = meter.Int64Counter("optionproxy_aggregator_admits",
		metric.WithDescription("Payloads admitted into a coalesce slot"),
		metric.WithUnit("{payload}"))

	am.drops, _ = meter.Int64Counter("optionproxy_aggregator_drops",
		metric.WithDescription("Payloads rejected because the window budget was spent"),
		metric.WithUnit("{payload}"))

	am.flushes, _ = meter.Int64Counter("optionproxy_aggregator_flushes",
		metric.WithDescription("Coalesce slots flushed downstream"),
		metric.WithUnit("{flush}"))

	return am
}

func (am *aggMetrics) recordAdmit(class string) {
	if am == nil || am.admits == nil {
		return
	}
	am.admits.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("class", class)))
}

func (am *aggMetrics) recordDrop(class string) {
	if am == nil || am.drops == nil {
		return
	}
	am.drops.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("class", class)))
}

func (am *aggMetrics) recordFlush(class string) {
	if am == nil || am.flushes == nil {
		return
	}
	am.flushes.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("class", class)))
}

package upstream

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type linkMetrics struct {
	reconnects metric.Int64Counter
	framesIn   metric.Int64Counter
	frameBytes metric.Int64Histogram
	framesOut  metric.Int64Counter
	pings      metric.Int64Counter
}

func newLinkMetrics() *linkMetrics {
	meter := otel.Meter("optionproxy.upstream")

	lm := &linkMetrics{
		reconnects: nil,
		framesIn:   nil,
		frameBytes: nil,
		framesOut:  nil,
		pings:      nil,
	}

	lm.reconnects, _ = meter.Int64Counter("optionproxy_upstream_reconnects",
		metric.WithDescription("Upstream connection attempts by result"),
		metric.WithUnit("{attempt}"))

	lm.framesIn, _ = meter.Int64Counter("optionproxy_upstream_frames_in",
		metric.WithDescription("Frames received from the upstream websocket"),
		metric.WithUnit("{frame}"))

	lm.frameBytes, _ = meter.Int64Histogram("optionproxy_upstream_frame_bytes",
		metric.WithDescription("Size of frames received from the upstream websocket"),
		metric.WithUnit("By"))

	lm.framesOut, _ = meter.Int64Counter("optionproxy_upstream_frames_out",
		metric.WithDescription("Frames written to the upstream websocket"),
		metric.WithUnit("{frame}"))

	lm.pings, _ = meter.Int64Counter("optionproxy_upstream_pings",
		metric.WithDescription("Keep-alive pings sent to the upstream"),
		metric.WithUnit("{ping}"))

	return lm
}

func (lm *linkMetrics) recordReconnect(ctx context.Context, result string) {
	if lm == nil || lm.reconnects == nil {
		return
	}
	lm.reconnects.Add(ensureContext(ctx), 1,
		metric.WithAttributes(attribute.String("result", result)))
}

func (lm *linkMetrics) recordFrameIn(ctx context.Context, bytes int) {
	if lm == nil || lm.framesIn == nil || lm.frameBytes == nil {
		return
	}
	ctx = ensureContext(ctx)
	lm.framesIn.Add(ctx, 1)
	lm.frameBytes.Record(ctx, int64(bytes))
}

func (lm *linkMetrics) recordFrameOut(ctx context.Context, name string) {
	if lm == nil || lm.framesOut == nil {
		return
	}
	lm.framesOut.Add(ensureContext(ctx), 1,
		metric.WithAttributes(attribute.String("frame", name)))
}

func (lm *linkMetrics) recordPing(ctx context.Context) {
	if lm == nil || lm.pings == nil {
		return
	}
	lm.pings.Add(ensureContext(ctx), 1)
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

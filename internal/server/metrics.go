package server

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type serverMetrics struct {
	sessionsOpened metric.Int64Counter
	sessionsClosed metric.Int64Counter
	commands       metric.Int64Counter
	emits          metric.Int64Counter
	drops          metric.Int64Counter
}

func newServerMetrics() *serverMetrics {
	meter := otel.Meter("optionproxy.server")

	sm := &serverMetrics{
		sessionsOpened: nil,
		sessionsClosed: nil,
		commands:       nil,
		emits:          nil,
		drops:          nil,
	}

	sm.sessionsOpened, _ = meter.Int64Counter("optionproxy_sessions_opened",
		metric.WithDescription("Sessions created on downstream authenticate"),
		metric.WithUnit("{session}"))

	sm.sessionsClosed, _ = meter.Int64Counter("optionproxy_sessions_closed",
		metric.WithDescription("Sessions torn down"),
		metric.WithUnit("{session}"))

	sm.commands, _ = meter.Int64Counter("optionproxy_downstream_commands",
		metric.WithDescription("Commands received from downstream clients"),
		metric.WithUnit("{command}"))

	sm.emits, _ = meter.Int64Counter("optionproxy_downstream_emits",
		metric.WithDescription("Events written to downstream clients"),
		metric.WithUnit("{event}"))

	sm.drops, _ = meter.Int64Counter("optionproxy_downstream_drops",
		metric.WithDescription("Events dropped because a downstream queue was full"),
		metric.WithUnit("{event}"))

	return sm
}

func (sm *serverMetrics) recordSessionOpened(ctx context.Context) {
	if sm == nil || sm.sessionsOpened == nil {
		return
	}
	sm.sessionsOpened.Add(ensureContext(ctx), 1)
}

func (sm *serverMetrics) recordSessionClosed(ctx context.Context) {
	if sm == nil || sm.sessionsClosed == nil {
		return
	}
	sm.sessionsClosed.Add(ensureContext(ctx), 1)
}

func (sm *serverMetrics) recordCommand(ctx context.Context, name string) {
	if sm == nil || sm.commands == nil {
		return
	}
	sm.commands.Add(ensureContext(ctx), 1,
		metric.WithAttributes(attribute.String("command", name)))
}

func (sm *serverMetrics) recordEmit(ctx context.Context, event string) {
	if sm == nil || sm.emits == nil {
		return
	}
	sm.emits.Add(ensureContext(ctx), 1,
		metric.WithAttributes(attribute.String("event", event)))
}

func (sm *serverMetrics) recordDrop(ctx context.Context, event string) {
	if sm == nil || sm.drops == nil {
		return
	}
	sm.drops.Add(ensureContext(ctx), 1,
		metric.WithAttributes(attribute.String("event", event)))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

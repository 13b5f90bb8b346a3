package capswitch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/api"
)

type capswitchMetrics struct {
	started       metric.Int64Counter
	completed     metric.Int64Counter
	duration      metric.Int64Histogram
	stale         metric.Int64Counter
	timeouts      metric.Int64Counter
	commands      metric.Int64Counter
	commandFailed metric.Int64Counter
	wakelockHeld  metric.Int64UpDownCounter
}

func newCapswitchMetrics(logger pslog.Logger) *capswitchMetrics {
	meter := otel.Meter("pkt.systems/rcswitch/capswitch")
	m := &capswitchMetrics{}
	var err error

	m.started, err = meter.Int64Counter(
		"rcswitch.txn.started",
		metric.WithDescription("Capability reassignments accepted"),
	)
	logMetricInitError(logger, "rcswitch.txn.started", err)

	m.completed, err = meter.Int64Counter(
		"rcswitch.txn.completed",
		metric.WithDescription("Capability reassignments completed, by result"),
	)
	logMetricInitError(logger, "rcswitch.txn.completed", err)

	m.duration, err = meter.Int64Histogram(
		"rcswitch.txn.duration_ms",
		metric.WithDescription("Time from acceptance to completion of a reassignment"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "rcswitch.txn.duration_ms", err)

	m.stale, err = meter.Int64Counter(
		"rcswitch.txn.stale",
		metric.WithDescription("Inbound messages discarded as stale"),
	)
	logMetricInitError(logger, "rcswitch.txn.stale", err)

	m.timeouts, err = meter.Int64Counter(
		"rcswitch.txn.timeouts",
		metric.WithDescription("Reassignments forced to completion by the watchdog"),
	)
	logMetricInitError(logger, "rcswitch.txn.timeouts", err)

	m.commands, err = meter.Int64Counter(
		"rcswitch.modem.commands",
		metric.WithDescription("Capability commands sent to modems"),
	)
	logMetricInitError(logger, "rcswitch.modem.commands", err)

	m.commandFailed, err = meter.Int64Counter(
		"rcswitch.modem.command_failures",
		metric.WithDescription("Capability commands answered with an error"),
	)
	logMetricInitError(logger, "rcswitch.modem.command_failures", err)

	m.wakelockHeld, err = meter.Int64UpDownCounter(
		"rcswitch.wakelock.held",
		metric.WithDescription("Whether the reassignment wake lock is held"),
	)
	logMetricInitError(logger, "rcswitch.wakelock.held", err)

	return m
}

func (m *capswitchMetrics) recordStarted(ctx context.Context) {
	if m == nil || m.started == nil {
		return
	}
	m.started.Add(ctx, 1)
}

func (m *capswitchMetrics) recordCompleted(ctx context.Context, success bool, reason string, duration time.Duration) {
	if m == nil || m.completed == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	attrs := []attribute.KeyValue{attribute.String("rcswitch.txn.result", result)}
	if reason != "" {
		attrs = append(attrs, attribute.String("rcswitch.txn.reason", reason))
	}
	m.completed.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.duration != nil {
		m.duration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs[0]))
	}
}

func (m *capswitchMetrics) recordStale(ctx context.Context, kind string) {
	if m == nil || m.stale == nil {
		return
	}
	m.stale.Add(ctx, 1, metric.WithAttributes(attribute.String("rcswitch.event", kind)))
}

func (m *capswitchMetrics) recordTimeout(ctx context.Context, phase api.Phase) {
	if m == nil || m.timeouts == nil {
		return
	}
	m.timeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("rcswitch.phase", phase.String())))
}

func (m *capswitchMetrics) recordCommand(ctx context.Context, phase api.Phase) {
	if m == nil || m.commands == nil {
		return
	}
	m.commands.Add(ctx, 1, metric.WithAttributes(attribute.String("rcswitch.phase", phase.String())))
}

func (m *capswitchMetrics) recordCommandFailure(ctx context.Context, phase api.Phase) {
	if m == nil || m.commandFailed == nil {
		return
	}
	m.commandFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("rcswitch.phase", phase.String())))
}

func (m *capswitchMetrics) recordWakelock(ctx context.Context, delta int64) {
	if m == nil || m.wakelockHeld == nil {
		return
	}
	m.wakelockHeld.Add(ctx, delta)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

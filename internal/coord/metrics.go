package coord

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/svcfields"
)

type coordMetrics struct {
	executeDuration metric.Int64Histogram
	dispatched      metric.Int64Counter
	failures        metric.Int64Counter
	verdicts        metric.Int64Counter
}

func newCoordMetrics(logger pslog.Logger) *coordMetrics {
	meter := otel.Meter("pkt.systems/domainctl/coord")
	m := &coordMetrics{}
	var err error

	m.executeDuration, err = meter.Int64Histogram(
		"domainctl.coord.execute.duration_ms",
		metric.WithDescription("Time spent executing an operation end to end"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "domainctl.coord.execute.duration_ms", err)

	m.dispatched, err = meter.Int64Counter(
		"domainctl.coord.participants.dispatched",
		metric.WithDescription("Participant tasks handed to the worker pool"),
	)
	logMetricInitError(logger, "domainctl.coord.participants.dispatched", err)

	m.failures, err = meter.Int64Counter(
		"domainctl.coord.participants.failed",
		metric.WithDescription("Participants reporting a failed provisional result"),
	)
	logMetricInitError(logger, "domainctl.coord.participants.failed", err)

	m.verdicts, err = meter.Int64Counter(
		"domainctl.coord.verdicts",
		metric.WithDescription("Two-phase verdicts by decision"),
	)
	logMetricInitError(logger, "domainctl.coord.verdicts", err)

	return m
}

func (m *coordMetrics) recordExecute(ctx context.Context, route string, res mgmt.Result, duration time.Duration) {
	if m == nil || m.executeDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("domainctl.route", route),
		attribute.String("domainctl.outcome", string(res.Outcome)),
	}
	if res.IsFailed() {
		attrs = append(attrs, attribute.String("domainctl.failure_kind", string(res.FailureKind)))
	}
	m.executeDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs...))
}

func (m *coordMetrics) recordDispatch(ctx context.Context, id mgmt.ParticipantID) {
	if m == nil || m.dispatched == nil {
		return
	}
	m.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("domainctl.tier", svcfields.Tier(id))))
}

func (m *coordMetrics) recordFailure(ctx context.Context, id mgmt.ParticipantID, kind mgmt.FailureKind) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domainctl.tier", svcfields.Tier(id)),
		attribute.String("domainctl.failure_kind", string(kind)),
	))
}

func (m *coordMetrics) recordVerdict(ctx context.Context, commit bool) {
	if m == nil || m.verdicts == nil {
		return
	}
	verdict := "rollback"
	if commit {
		verdict = "commit"
	}
	m.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("domainctl.verdict", verdict)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

package content

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type contentMetrics struct {
	storeBytes metric.Int64Counter
	stores     metric.Int64Counter
}

func newContentMetrics(logger pslog.Logger) *contentMetrics {
	meter := otel.Meter("pkt.systems/domainctl/content")
	m := &contentMetrics{}
	var err error

	m.storeBytes, err = meter.Int64Counter(
		"domainctl.content.store.bytes",
		metric.WithDescription("Bytes of deployment content written to storage"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "domainctl.content.store.bytes", err)

	m.stores, err = meter.Int64Counter(
		"domainctl.content.store.count",
		metric.WithDescription("Content store calls by result"),
	)
	logMetricInitError(logger, "domainctl.content.store.count", err)
	return m
}

func (m *contentMetrics) recordStore(ctx context.Context, size int64, existed bool) {
	if m == nil {
		return
	}
	result := "stored"
	if existed {
		result = "deduplicated"
	}
	if m.stores != nil {
		m.stores.Add(ctx, 1, metric.WithAttributes(attribute.String("domainctl.content.result", result)))
	}
	if !existed && m.storeBytes != nil {
		m.storeBytes.Add(ctx, size)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

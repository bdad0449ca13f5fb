package progress

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/imrenagi/go-upload-progress/progress")

// MetricsListener counts tracked uploads and received bytes.
type MetricsListener struct {
	started  metric.Int64Counter
	received metric.Int64Counter
	finished metric.Int64Counter
}

func NewMetricsListener() (*MetricsListener, error) {
	started, err := meter.Int64Counter("upload_progress.started",
		metric.WithDescription("Number of tracked uploads started"))
	if err != nil {
		return nil, err
	}
	received, err := meter.Int64Counter("upload_progress.bytes_received",
		metric.WithDescription("Bytes received by tracked uploads"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	finished, err := meter.Int64Counter("upload_progress.finished",
		metric.WithDescription("Number of tracked uploads finished, by state"))
	if err != nil {
		return nil, err
	}
	return &MetricsListener{
		started:  started,
		received: received,
		finished: finished,
	}, nil
}

func (m *MetricsListener) OnEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventStarted:
		m.started.Add(ctx, 1)
	case EventReceived:
		m.received.Add(ctx, ev.Delta)
	case EventCompleted, EventFailed:
		m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(ev.Record.State))))
	}
}

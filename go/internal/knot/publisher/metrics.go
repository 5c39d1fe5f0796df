package publisher

import (
	"context"
	"time"

	"github.com/unsentlabs/unsent/go/internal/knot/events"
	"github.com/unsentlabs/unsent/go/internal/knot/metrics"
)

// MetricPublisher wraps a Publisher with metrics collection
type MetricPublisher struct {
	next Publisher
}

func NewMetricPublisher(next Publisher) *MetricPublisher {
	return &MetricPublisher{next: next}
}

func (p *MetricPublisher) Publish(ctx context.Context, event events.Lifecycle) error {
	start := time.Now()
	err := p.next.Publish(ctx, event)

	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.EventsPublished.WithLabelValues(string(event.Type), status).Inc()
	metrics.PublishDuration.WithLabelValues(string(event.Type)).Observe(time.Since(start).Seconds())
	return err
}

func (p *MetricPublisher) Close() error {
	return p.next.Close()
}

// Package publisher is the write side of the delivery subsystem: business
// code hands it an event and it creates the pending delivery records.
// Publishing is fire-and-forget; delivery failures never surface here.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/host-uk/hookline/internal/delivery"
	"github.com/host-uk/hookline/internal/endpoint"
	"github.com/host-uk/hookline/internal/event"
	"github.com/host-uk/hookline/internal/logging"
	"github.com/host-uk/hookline/internal/metrics"
	"github.com/host-uk/hookline/internal/tracing"
)

// Producer publishes nudge messages. *nsq.Producer satisfies it; a nil
// Producer disables nudging and leaves pickup to the selector poll.
type Producer interface {
	Publish(topic string, body []byte) error
}

type Publisher struct {
	endpoints  endpoint.Store
	deliveries delivery.Store
	producer   Producer
	topic      string
	log        *logging.Logger
}

func New(endpoints endpoint.Store, deliveries delivery.Store, producer Producer, topic string) *Publisher {
	return &Publisher{
		endpoints:  endpoints,
		deliveries: deliveries,
		producer:   producer,
		topic:      topic,
		log:        logging.New("hookline-publisher"),
	}
}

// Publish creates a pending delivery for one endpoint, or silently does
// nothing when the endpoint is not eligible for eventType. The returned
// record is nil on the no-op path.
func (p *Publisher) Publish(ctx context.Context, ep endpoint.Endpoint, eventType event.Type, data map[string]any, workspaceID *int64) (*delivery.Delivery, error) {
	ctx, span := tracing.StartSpan(ctx, "publisher.Publish",
		attribute.String("endpoint_id", ep.ID),
		attribute.String("event_type", string(eventType)),
	)
	defer span.End()

	if !ep.ShouldReceive(eventType) {
		tracing.AddSpanEvent(ctx, "endpoint_not_subscribed")
		return nil, nil
	}

	d := delivery.New(ep.ID, eventType, data, workspaceID)
	if err := p.deliveries.CreateDelivery(ctx, &d); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("create delivery: %w", err)
	}
	metrics.RecordEventPublished(string(eventType))
	span.SetAttributes(attribute.String("delivery_id", d.ID))

	p.nudge(ctx, d)
	return &d, nil
}

// PublishToWorkspace fans one event out to every eligible endpoint of a
// workspace and returns the created deliveries.
func (p *Publisher) PublishToWorkspace(ctx context.Context, workspaceID int64, eventType event.Type, data map[string]any) ([]delivery.Delivery, error) {
	ctx, span := tracing.StartSpan(ctx, "publisher.PublishToWorkspace",
		attribute.Int64("workspace_id", workspaceID),
		attribute.String("event_type", string(eventType)),
	)
	defer span.End()

	eps, err := p.endpoints.ListEndpoints(ctx, workspaceID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("list endpoints: %w", err)
	}

	ws := workspaceID
	var out []delivery.Delivery
	for _, ep := range eps {
		d, err := p.Publish(ctx, ep, eventType, data, &ws)
		if err != nil {
			return out, err
		}
		if d != nil {
			out = append(out, *d)
		}
	}
	span.SetAttributes(attribute.Int("fanout_count", len(out)))
	return out, nil
}

// nudge tells a worker to attempt the new record now. Best effort: the
// selector poll picks up anything a lost nudge leaves behind.
func (p *Publisher) nudge(ctx context.Context, d delivery.Delivery) {
	if p.producer == nil {
		return
	}
	task := delivery.Task{
		DeliveryID:   d.ID,
		EndpointID:   d.EndpointID,
		EventID:      d.Envelope.ID,
		EventType:    string(d.EventType),
		PublishedAt:  time.Now().UTC().Format(time.RFC3339),
		TraceHeaders: tracing.PropagateTraceToNSQ(ctx),
	}
	b, err := json.Marshal(task)
	if err != nil {
		return
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		p.log.WithContext(ctx).WithDelivery(d.ID).WithError(err).Warn("nudge publish failed, selector poll will pick it up")
	}
}

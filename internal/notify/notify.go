// Package notify publishes an event whenever the stored MMDB URL changes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/dbip_updater/internal/configstore"
	"github.com/austindbirch/dbip_updater/internal/metrics"
	"github.com/austindbirch/dbip_updater/internal/tracing"
)

const EventType = "mmdb_url.updated"

type Event struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`    // "mmdb_url.updated"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time of the write
	Section      string            `json:"section"`
	Key          string            `json:"key"`
	PreviousURL  string            `json:"previous_url"`
	URL          string            `json:"url"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewEvent(ctx context.Context, previous, current string) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         EventType,
		Version:      "v1",
		At:           time.Now().UTC().Format(time.RFC3339Nano),
		Section:      configstore.SectionGeoIP2,
		Key:          configstore.KeyDbipMmdbURL,
		PreviousURL:  previous,
		URL:          current,
		TraceHeaders: tracing.InjectHeaders(ctx),
	}
}

// Producer is satisfied by *nsq.Producer.
type Producer interface {
	Publish(topic string, body []byte) error
}

// Publisher sends change events to one NSQ topic.
type Publisher struct {
	prod  Producer
	topic string
}

func NewPublisher(prod Producer, topic string) *Publisher {
	return &Publisher{prod: prod, topic: topic}
}

// NewNSQPublisher connects a producer to nsqd at addr.
func NewNSQPublisher(addr, topic string) (*Publisher, *nsq.Producer, error) {
	prod, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("nsq producer: %w", err)
	}
	prod.SetLoggerLevel(nsq.LogLevelWarning)
	return NewPublisher(prod, topic), prod, nil
}

// NotifyURLChanged publishes a mmdb_url.updated event.
func (p *Publisher) NotifyURLChanged(ctx context.Context, previous, current string) error {
	ctx, span := tracing.StartSpan(ctx, "nsq.publish_url_changed",
		attribute.String("messaging.destination", p.topic),
	)
	defer span.End()

	body, err := json.Marshal(NewEvent(ctx, previous, current))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordNotification("failed")
		return err
	}
	if err := p.prod.Publish(p.topic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordNotification("failed")
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	metrics.RecordNotification("published")
	return nil
}

package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/events"
)

// PublisherSink forwards events to a Pub/Sub topic so downstream consumers
// (enrichment jobs, dashboards) can react to crawl activity.
type PublisherSink struct {
	pub    crawl.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink constructs a PublisherSink for the provided publisher
// and topic.
func NewPublisherSink(pub crawl.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes each event in the batch. The first publish failure
// aborts the batch; already published events are not retracted.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if _, err := s.pub.Publish(ctx, s.topic, evt); err != nil {
			return fmt.Errorf("publish event %s: %w", evt.Kind, err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action. The publisher
// itself is owned and closed by the server.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}

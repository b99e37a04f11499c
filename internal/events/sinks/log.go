package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/hajimari-inc/compass-crawl-api/internal/events"
)

// LogSink emits structured logs for debugging event streams. It is useful
// during development or audits where a durable consumer is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("platform", string(evt.Platform)),
			zap.String("kind", string(evt.Kind)),
			zap.String("account_id", evt.AccountID),
			zap.String("extension_id", evt.Extension),
			zap.Int("depth", evt.Depth),
			zap.Int64("count", evt.Count),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		s.logger.Info("crawl event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

package sinks

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/events"
)

// ReportSink mails operator reports for error events. Delivery is fire and
// forget; failures are logged and never bounce back into the hub.
type ReportSink struct {
	reporter crawl.Reporter
	logger   *zap.Logger
}

// NewReportSink wires a Reporter to the sink interface.
func NewReportSink(reporter crawl.Reporter, logger *zap.Logger) *ReportSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportSink{reporter: reporter, logger: logger}
}

// Consume mails one report per error event and skips everything else.
func (s *ReportSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.reporter == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Kind != events.KindError {
			continue
		}
		if err := s.reporter.ReportError(ctx, evt.Platform, evt.Op, errors.New(evt.Note)); err != nil {
			s.logger.Warn("sending error report failed",
				zap.String("platform", string(evt.Platform)),
				zap.String("op", evt.Op),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ReportSink) Close(context.Context) error {
	return nil
}

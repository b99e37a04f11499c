// Package worker implements the keyword search execution loop.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/coordinator"
	"github.com/hajimari-inc/compass-crawl-api/internal/queue"
)

// Searcher runs one leased keyword through a single search page. The
// coordinator satisfies this.
type Searcher interface {
	RunKeywordSearch(ctx context.Context, platform crawl.Platform, id, owner string) (coordinator.SearchOutcome, error)
}

// Config controls Worker behavior.
type Config struct {
	// Owner is the identity the pool claims keywords under, filling the
	// role an extension id plays for browser clients.
	Owner string
}

// Worker consumes keyword tasks and executes searches.
type Worker struct {
	queue    queue.Queue
	searcher Searcher
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(q queue.Queue, searcher Searcher, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    q,
		searcher: searcher,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming tasks until the queue closes or the context
// finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued keyword task",
			zap.String("platform", string(task.Platform)),
			zap.String("keyword_id", task.KeywordID),
		)
		w.runSearch(ctx, task)
	}
}

func (w *Worker) runSearch(ctx context.Context, task queue.Task) {
	outcome, err := w.searcher.RunKeywordSearch(ctx, task.Platform, task.KeywordID, w.cfg.Owner)
	if err != nil {
		var transition *crawl.TransitionError
		if errors.As(err, &transition) {
			// The keyword reached a terminal status between leasing and
			// claiming, usually through a browser extension. Nothing to do.
			w.logger.Debug("keyword already terminal",
				zap.String("keyword_id", task.KeywordID),
				zap.String("status", string(transition.From)),
			)
			return
		}
		w.logger.Error("keyword search failed",
			zap.String("platform", string(task.Platform)),
			zap.String("keyword_id", task.KeywordID),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("keyword search page processed",
		zap.String("platform", string(task.Platform)),
		zap.String("keyword", outcome.Keyword),
		zap.Int("urls_found", outcome.URLsFound),
		zap.Int("units_created", outcome.UnitsCreated),
		zap.Int("next_cursor", outcome.NextCursor),
		zap.Bool("exhausted", outcome.Exhausted),
	)
}

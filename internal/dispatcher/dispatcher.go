// Package dispatcher manages the keyword worker pool and its feed loop.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/queue"
	"github.com/hajimari-inc/compass-crawl-api/internal/worker"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultOwner        = "serp-worker"
	DefaultPollInterval = 30 * time.Second
	DefaultStaleAfter   = 10 * time.Minute
)

// Leaser lists claimable keywords. The coordinator satisfies this.
type Leaser interface {
	LeaseKeywords(ctx context.Context, platform crawl.Platform, owner string, limit int) ([]crawl.Keyword, error)
}

// Config controls the feed loop.
type Config struct {
	// Owner is the identity keywords are leased and claimed under.
	Owner string
	// Platforms to poll for claimable keywords.
	Platforms []crawl.Platform
	// PollInterval separates feed passes.
	PollInterval time.Duration
	// LeaseLimit caps keywords taken per platform per pass. Zero takes the
	// coordinator default.
	LeaseLimit int
	// StaleAfter is how long a processing keyword owned by this pool may
	// sit untouched before a feed pass queues it again. Covers claims
	// orphaned by a crash or restart.
	StaleAfter time.Duration
}

// Dispatcher feeds leased keywords to a pool of workers.
type Dispatcher struct {
	leaser  Leaser
	queue   queue.Queue
	workers []*worker.Worker
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(leaser Leaser, q queue.Queue, workers []*worker.Worker, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Owner == "" {
		cfg.Owner = DefaultOwner
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Dispatcher{
		leaser:  leaser,
		queue:   q,
		workers: workers,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run starts all workers, feeds the queue until the context finishes,
// then closes the queue and waits for the pool to drain.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	d.feed(ctx)
	d.queue.Close()
	wg.Wait()
}

func (d *Dispatcher) feed(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	d.feedOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.feedOnce(ctx)
		}
	}
}

// feedOnce takes one lease per platform and queues the claimable
// keywords. Enqueue blocks when the pool is saturated, so a pass lasts
// as long as the workers need it to.
func (d *Dispatcher) feedOnce(ctx context.Context) {
	for _, platform := range d.cfg.Platforms {
		keywords, err := d.leaser.LeaseKeywords(ctx, platform, d.cfg.Owner, d.cfg.LeaseLimit)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("leasing keywords failed",
				zap.String("platform", string(platform)),
				zap.Error(err),
			)
			continue
		}
		for _, kw := range keywords {
			if d.inFlight(kw) {
				continue
			}
			if err := d.queue.Enqueue(ctx, queue.Task{Platform: platform, KeywordID: kw.ID}); err != nil {
				if ctx.Err() == nil {
					d.logger.Error("queueing keyword failed",
						zap.String("platform", string(platform)),
						zap.String("keyword_id", kw.ID),
						zap.Error(err),
					)
				}
				return
			}
		}
	}
}

// inFlight reports whether a keyword is freshly claimed by this pool.
// Claimed keywords lead the lease ordering, so without the check every
// pass would queue again what the workers already hold.
func (d *Dispatcher) inFlight(kw crawl.Keyword) bool {
	if kw.Status != crawl.StatusProcessing || kw.Owner != d.cfg.Owner {
		return false
	}
	return kw.Processed != nil && time.Since(*kw.Processed) < d.cfg.StaleAfter
}

package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hajimari-inc/compass-crawl-api/internal/coordinator"
	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/queue"
	queuemem "github.com/hajimari-inc/compass-crawl-api/internal/queue/memory"
	"github.com/hajimari-inc/compass-crawl-api/internal/worker"
)

func TestDispatcherFeedsLeasedKeywords(t *testing.T) {
	t.Parallel()

	leaser := &fakeLeaser{
		keywords: map[crawl.Platform][]crawl.Keyword{
			crawl.PlatformLinkedIn: {
				{ID: "kw-1", Status: crawl.StatusPending},
				{ID: "kw-2", Status: crawl.StatusPending},
			},
		},
		errs: map[crawl.Platform]error{
			crawl.PlatformFacebook: errors.New("facebook does not take search keywords"),
		},
	}
	searcher := &fakeSearcher{}
	q := queuemem.NewQueue(4)
	w := worker.New(q, searcher, worker.Config{Owner: "serp-worker"}, zap.NewNop())
	dispatch := New(leaser, q, []*worker.Worker{w}, Config{
		Owner:     "serp-worker",
		Platforms: []crawl.Platform{crawl.PlatformFacebook, crawl.PlatformLinkedIn},
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	// A lease failure on one platform must not starve the others.
	require.Eventually(t, func() bool {
		return len(searcher.snapshot()) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}

	calls := searcher.snapshot()
	require.Equal(t, "kw-1", calls[0].id)
	require.Equal(t, "kw-2", calls[1].id)
	for _, call := range calls {
		require.Equal(t, crawl.PlatformLinkedIn, call.platform)
		require.Equal(t, "serp-worker", call.owner)
	}
}

func TestFeedOnceSkipsFreshClaims(t *testing.T) {
	t.Parallel()

	now := time.Now()
	stale := now.Add(-time.Hour)
	leaser := &fakeLeaser{
		keywords: map[crawl.Platform][]crawl.Keyword{
			crawl.PlatformLinkedIn: {
				{ID: "kw-held", Status: crawl.StatusProcessing, Owner: "serp-worker", Processed: &now},
				{ID: "kw-stale", Status: crawl.StatusProcessing, Owner: "serp-worker", Processed: &stale},
				{ID: "kw-new", Status: crawl.StatusPending},
			},
		},
	}
	q := queuemem.NewQueue(4)
	dispatch := New(leaser, q, nil, Config{
		Owner:      "serp-worker",
		Platforms:  []crawl.Platform{crawl.PlatformLinkedIn},
		StaleAfter: 10 * time.Minute,
	}, zap.NewNop())

	dispatch.feedOnce(context.Background())
	q.Close()

	var ids []string
	for {
		task, err := q.Dequeue(context.Background())
		if err != nil {
			require.ErrorIs(t, err, queue.ErrClosed)
			break
		}
		ids = append(ids, task.KeywordID)
	}
	require.Equal(t, []string{"kw-stale", "kw-new"}, ids)
}

func TestDispatcherRunStopsIdleWorkers(t *testing.T) {
	t.Parallel()

	leaser := &fakeLeaser{started: make(chan struct{}, 1)}
	searcher := &fakeSearcher{}
	q := queuemem.NewQueue(1)
	w := worker.New(q, searcher, worker.Config{Owner: "serp-worker"}, zap.NewNop())
	dispatch := New(leaser, q, []*worker.Worker{w}, Config{
		Platforms: []crawl.Platform{crawl.PlatformLinkedIn},
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-leaser.started:
	case <-time.After(time.Second):
		t.Fatal("feed loop did not lease")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	require.Empty(t, searcher.snapshot())
}

// --- fakes ---

type fakeLeaser struct {
	mu       sync.Mutex
	keywords map[crawl.Platform][]crawl.Keyword
	errs     map[crawl.Platform]error
	started  chan struct{}
}

func (f *fakeLeaser) LeaseKeywords(
	_ context.Context,
	platform crawl.Platform,
	_ string,
	_ int,
) ([]crawl.Keyword, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[platform]; err != nil {
		return nil, err
	}
	return f.keywords[platform], nil
}

type searchCall struct {
	platform crawl.Platform
	id       string
	owner    string
}

type fakeSearcher struct {
	mu    sync.Mutex
	calls []searchCall
}

func (f *fakeSearcher) RunKeywordSearch(
	_ context.Context,
	platform crawl.Platform,
	id, owner string,
) (coordinator.SearchOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, searchCall{platform: platform, id: id, owner: owner})
	return coordinator.SearchOutcome{Keyword: id, URLsFound: 1, UnitsCreated: 1}, nil
}

func (f *fakeSearcher) snapshot() []searchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]searchCall, len(f.calls))
	copy(out, f.calls)
	return out
}

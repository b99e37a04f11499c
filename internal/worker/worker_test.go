package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hajimari-inc/compass-crawl-api/internal/coordinator"
	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/queue"
	queuemem "github.com/hajimari-inc/compass-crawl-api/internal/queue/memory"
)

func TestWorkerRunsQueuedTasks(t *testing.T) {
	t.Parallel()

	q := queuemem.NewQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.Task{Platform: crawl.PlatformLinkedIn, KeywordID: "kw-1"}))
	require.NoError(t, q.Enqueue(ctx, queue.Task{Platform: crawl.PlatformLinkedIn, KeywordID: "kw-2"}))
	q.Close()

	searcher := &fakeSearcher{}
	w := New(q, searcher, Config{Owner: "serp-worker"}, zap.NewNop())

	// Run drains both tasks and returns once the closed queue is empty.
	w.Run(ctx)

	calls := searcher.snapshot()
	require.Len(t, calls, 2)
	require.Equal(t, "kw-1", calls[0].id)
	require.Equal(t, "kw-2", calls[1].id)
	for _, call := range calls {
		require.Equal(t, crawl.PlatformLinkedIn, call.platform)
		require.Equal(t, "serp-worker", call.owner)
	}
}

func TestWorkerContinuesPastFailures(t *testing.T) {
	t.Parallel()

	q := queuemem.NewQueue(3)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.Task{Platform: crawl.PlatformLinkedIn, KeywordID: "kw-terminal"}))
	require.NoError(t, q.Enqueue(ctx, queue.Task{Platform: crawl.PlatformLinkedIn, KeywordID: "kw-broken"}))
	require.NoError(t, q.Enqueue(ctx, queue.Task{Platform: crawl.PlatformLinkedIn, KeywordID: "kw-ok"}))
	q.Close()

	searcher := &fakeSearcher{errs: map[string]error{
		"kw-terminal": &crawl.TransitionError{ID: "kw-terminal", From: crawl.StatusCompleted, To: crawl.StatusProcessing},
		"kw-broken":   errors.New("quota exceeded"),
	}}
	w := New(q, searcher, Config{Owner: "serp-worker"}, zap.NewNop())

	w.Run(ctx)

	require.Len(t, searcher.snapshot(), 3)
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	q := queuemem.NewQueue(1)
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	searcher := &fakeSearcher{}
	w := New(q, searcher, Config{Owner: "serp-worker"}, zap.NewNop())

	w.Run(ctx)

	require.Empty(t, searcher.snapshot())
}

// --- fakes ---

type searchCall struct {
	platform crawl.Platform
	id       string
	owner    string
}

type fakeSearcher struct {
	mu    sync.Mutex
	calls []searchCall
	errs  map[string]error
}

func (f *fakeSearcher) RunKeywordSearch(
	_ context.Context,
	platform crawl.Platform,
	id, owner string,
) (coordinator.SearchOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, searchCall{platform: platform, id: id, owner: owner})
	if err := f.errs[id]; err != nil {
		return coordinator.SearchOutcome{}, err
	}
	return coordinator.SearchOutcome{
		Keyword:      "machine learning",
		URLsFound:    3,
		UnitsCreated: 2,
		NextCursor:   10,
	}, nil
}

func (f *fakeSearcher) snapshot() []searchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]searchCall, len(f.calls))
	copy(out, f.calls)
	return out
}

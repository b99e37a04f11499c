package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/events"
	"github.com/hajimari-inc/compass-crawl-api/internal/hash/sha256"
	"github.com/hajimari-inc/compass-crawl-api/internal/storage/memory"
	"github.com/hajimari-inc/compass-crawl-api/internal/transform"
)

// stepClock hands out strictly increasing timestamps so created_at
// tiebreaks are deterministic.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

// recordingEmitter captures emitted event kinds in order.
type recordingEmitter struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, evt.Kind)
}

func (r *recordingEmitter) Kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Kind(nil), r.kinds...)
}

func newTestCoordinator(t *testing.T, mutate func(*Config)) (*Coordinator, *memory.RecordStore) {
	t.Helper()

	store := memory.NewRecordStore()
	rules := crawl.DefaultRules()
	clk := &stepClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	ids := &seqIDs{}
	cfg := Config{
		Store:      store,
		Rules:      rules,
		Normalizer: transform.New(transform.Config{Rules: rules, Clock: clk, IDs: ids}),
		Hasher:     sha256.New(),
		Clock:      clk,
		IDs:        ids,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	co, err := New(cfg)
	require.NoError(t, err)
	return co, store
}

// insertUnit seeds the store directly, bypassing normalization, so tests
// control depth, status, owner, and age precisely.
func insertUnit(t *testing.T, store *memory.RecordStore, platform crawl.Platform, key string, depth int, status crawl.Status, owner string, age time.Duration) {
	t.Helper()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n, err := store.InsertUnitsIfNotExists(context.Background(), platform, []crawl.DiscoveryUnit{{
		ID:         "unit-" + key,
		URL:        "https://www.linkedin.com/in/" + key,
		NaturalKey: key,
		Depth:      depth,
		SourceType: crawl.SourceDerived,
		ParentKey:  "",
		Status:     status,
		Owner:      owner,
		Created:    base.Add(age),
		Updated:    base.Add(age),
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func naturalKeys(units []crawl.DiscoveryUnit) []string {
	keys := make([]string, len(units))
	for i, u := range units {
		keys[i] = u.NaturalKey
	}
	return keys
}

// TestNewRequiresCoreDependencies checks that the constructor rejects a
// config without its required collaborators.
func TestNewRequiresCoreDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)

	co, _ := newTestCoordinator(t, nil)
	require.NotNil(t, co)
}

// TestLeaseBatchOrdersByDepthTierAndAge verifies the lease ordering: depth
// ascending, then own-processing before failed before skipped before
// pending, then oldest first, with other owners' in-flight work excluded.
func TestLeaseBatchOrdersByDepthTierAndAge(t *testing.T) {
	t.Parallel()

	co, store := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	insertUnit(t, store, platform, "deep-fresh", 3, crawl.StatusPending, "", 1*time.Minute)
	insertUnit(t, store, platform, "mid-old", 2, crawl.StatusPending, "", 2*time.Minute)
	insertUnit(t, store, platform, "mid-new", 2, crawl.StatusPending, "", 3*time.Minute)
	insertUnit(t, store, platform, "top-pending", 1, crawl.StatusPending, "", 4*time.Minute)
	insertUnit(t, store, platform, "top-own", 1, crawl.StatusProcessing, "ext-1", 5*time.Minute)
	insertUnit(t, store, platform, "top-failed", 1, crawl.StatusFailed, "", 6*time.Minute)
	insertUnit(t, store, platform, "top-other", 1, crawl.StatusProcessing, "ext-2", 7*time.Minute)
	insertUnit(t, store, platform, "top-skipped", 1, crawl.StatusSkipped, "", 8*time.Minute)

	units, err := co.LeaseBatch(ctx, platform, "ext-1", 10, true)
	require.NoError(t, err)
	require.Equal(t,
		[]string{"top-own", "top-failed", "top-skipped", "top-pending", "mid-old", "mid-new", "deep-fresh"},
		naturalKeys(units))

	units, err = co.LeaseBatch(ctx, platform, "ext-1", 10, false)
	require.NoError(t, err)
	require.Equal(t,
		[]string{"top-own", "top-pending", "mid-old", "mid-new", "deep-fresh"},
		naturalKeys(units))

	units, err = co.LeaseBatch(ctx, platform, "ext-1", 2, true)
	require.NoError(t, err)
	require.Equal(t, []string{"top-own", "top-failed"}, naturalKeys(units))
}

// TestLeaseBatchValidatesInput covers the owner and limit checks and the
// platform gate.
func TestLeaseBatchValidatesInput(t *testing.T) {
	t.Parallel()

	co, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	var verr *crawl.ValidationError
	_, err := co.LeaseBatch(ctx, crawl.Platform("myspace"), "ext-1", 10, false)
	require.ErrorAs(t, err, &verr)

	_, err = co.LeaseBatch(ctx, crawl.PlatformLinkedIn, "", 10, false)
	require.ErrorAs(t, err, &verr)

	_, err = co.LeaseBatch(ctx, crawl.PlatformLinkedIn, "ext-1", -1, false)
	require.ErrorAs(t, err, &verr)

	_, err = co.LeaseBatch(ctx, crawl.PlatformLinkedIn, "ext-1", MaxLeaseLimit+1, false)
	require.ErrorAs(t, err, &verr)

	// Zero limit takes the default.
	units, err := co.LeaseBatch(ctx, crawl.PlatformLinkedIn, "ext-1", 0, false)
	require.NoError(t, err)
	require.Empty(t, units)
}

// TestClaimExclusivityBetweenOwners checks that a claimed unit disappears
// from other extensions' leases while staying in the claimant's.
func TestClaimExclusivityBetweenOwners(t *testing.T) {
	t.Parallel()

	co, _ := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	_, err := co.CreateUnits(ctx, platform, []map[string]any{{"url": "https://www.linkedin.com/in/alice"}})
	require.NoError(t, err)

	units, err := co.LeaseBatch(ctx, platform, "ext-a", 10, false)
	require.NoError(t, err)
	require.Len(t, units, 1)

	_, err = co.Claim(ctx, platform, units[0].ID, "ext-a")
	require.NoError(t, err)

	other, err := co.LeaseBatch(ctx, platform, "ext-b", 10, false)
	require.NoError(t, err)
	require.Empty(t, other)

	own, err := co.LeaseBatch(ctx, platform, "ext-a", 10, false)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, naturalKeys(own))
}

// TestClaimRenewsAndTakesOver covers lease renewal by the same owner and
// the best-effort takeover by a different one.
func TestClaimRenewsAndTakesOver(t *testing.T) {
	t.Parallel()

	co, store := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	_, err := co.CreateUnits(ctx, platform, []map[string]any{{"url": "https://www.linkedin.com/in/alice"}})
	require.NoError(t, err)
	units, err := co.LeaseBatch(ctx, platform, "ext-a", 1, false)
	require.NoError(t, err)
	id := units[0].ID

	claimed, err := co.Claim(ctx, platform, id, "ext-a")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusProcessing, claimed.Status)
	require.Equal(t, "ext-a", claimed.Owner)
	require.NotNil(t, claimed.Processed)

	renewed, err := co.Claim(ctx, platform, id, "ext-a")
	require.NoError(t, err)
	require.Equal(t, "ext-a", renewed.Owner)

	taken, err := co.Claim(ctx, platform, id, "ext-b")
	require.NoError(t, err)
	require.Equal(t, "ext-b", taken.Owner)

	stored, err := store.GetUnit(ctx, platform, id)
	require.NoError(t, err)
	require.Equal(t, "ext-b", stored.Owner)
	require.Equal(t, crawl.StatusProcessing, stored.Status)
}

// TestCompleteTerminalIdempotentAndGuarded walks the terminal half of the
// state machine: completing, repeating the same terminal status, and the
// conflict on any further transition.
func TestCompleteTerminalIdempotentAndGuarded(t *testing.T) {
	t.Parallel()

	co, _ := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	_, err := co.CreateUnits(ctx, platform, []map[string]any{{"url": "https://www.linkedin.com/in/alice"}})
	require.NoError(t, err)
	units, err := co.LeaseBatch(ctx, platform, "ext-a", 1, false)
	require.NoError(t, err)
	id := units[0].ID
	_, err = co.Claim(ctx, platform, id, "ext-a")
	require.NoError(t, err)

	var verr *crawl.ValidationError
	_, err = co.Complete(ctx, platform, id, crawl.StatusProcessing, "ext-a")
	require.ErrorAs(t, err, &verr)

	done, err := co.Complete(ctx, platform, id, crawl.StatusCompleted, "ext-a")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusCompleted, done.Status)

	// Re-posting the same terminal status is harmless.
	again, err := co.Complete(ctx, platform, id, crawl.StatusCompleted, "ext-a")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusCompleted, again.Status)

	var terr *crawl.TransitionError
	_, err = co.Complete(ctx, platform, id, crawl.StatusFailed, "ext-a")
	require.ErrorAs(t, err, &terr)
	require.Equal(t, crawl.StatusCompleted, terr.From)

	_, err = co.Claim(ctx, platform, id, "ext-b")
	require.ErrorAs(t, err, &terr)

	_, err = co.Release(ctx, platform, id, "ext-a")
	require.ErrorAs(t, err, &terr)
}

// TestReleaseReturnsUnitToPool checks that release clears ownership and
// the processed stamp and makes the unit leasable again.
func TestReleaseReturnsUnitToPool(t *testing.T) {
	t.Parallel()

	co, store := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	_, err := co.CreateUnits(ctx, platform, []map[string]any{{"url": "https://www.linkedin.com/in/alice"}})
	require.NoError(t, err)
	units, err := co.LeaseBatch(ctx, platform, "ext-a", 1, false)
	require.NoError(t, err)
	id := units[0].ID
	_, err = co.Claim(ctx, platform, id, "ext-a")
	require.NoError(t, err)

	released, err := co.Release(ctx, platform, id, "ext-a")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusPending, released.Status)
	require.Empty(t, released.Owner)
	require.Nil(t, released.Processed)

	stored, err := store.GetUnit(ctx, platform, id)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusPending, stored.Status)
	require.Empty(t, stored.Owner)
	require.Nil(t, stored.Processed)

	other, err := co.LeaseBatch(ctx, platform, "ext-b", 1, false)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, naturalKeys(other))
}

// TestCreateUnitsDedupsOnNaturalKey checks insert-if-not-exists semantics
// through the coordinator.
func TestCreateUnitsDedupsOnNaturalKey(t *testing.T) {
	t.Parallel()

	co, _ := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	n, err := co.CreateUnits(ctx, platform, []map[string]any{{"url": "https://www.linkedin.com/in/alice"}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = co.CreateUnits(ctx, platform, []map[string]any{{"url": "https://www.linkedin.com/in/alice?utm=x"}})
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// TestCreateUnitsRejectsWholeBatchOnBadSpec checks that validation happens
// before any insert; one malformed spec fails the batch without effect.
func TestCreateUnitsRejectsWholeBatchOnBadSpec(t *testing.T) {
	t.Parallel()

	co, store := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	var verr *crawl.ValidationError
	_, err := co.CreateUnits(ctx, platform, []map[string]any{
		{"url": "https://www.linkedin.com/in/alice"},
		{"url": "https://example.com/not-a-profile"},
	})
	require.ErrorAs(t, err, &verr)

	units, err := store.QueryUnits(ctx, platform, crawl.UnitQuery{})
	require.NoError(t, err)
	require.Empty(t, units)

	_, err = co.CreateUnits(ctx, platform, nil)
	require.ErrorAs(t, err, &verr)
}

// TestSeedChildrenConsumeBudgetAtCreation runs the follower-seed scenario:
// a seed budgeted for two children accepts exactly two depth-1 units, the
// budget advances at creation, deduplicated rows consume nothing, and the
// two children's overlapping friends collapse to three depth-2 units.
func TestSeedChildrenConsumeBudgetAtCreation(t *testing.T) {
	t.Parallel()

	co, store := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformFacebook

	seed, created, err := co.CreateSeed(ctx, platform, "https://www.facebook.com/acme/followers", 2)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, 2, seed.MaxChildren)

	child := func(key string) map[string]any {
		return map[string]any{
			"url":               "https://www.facebook.com/" + key,
			"parent_account_id": "acme",
			"crawl_depth":       1,
			"source_type":       "seed",
		}
	}

	n, err := co.CreateUnits(ctx, platform, []map[string]any{child("f1")})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A duplicate of an existing child consumes no budget.
	n, err = co.CreateUnits(ctx, platform, []map[string]any{child("f1")})
	require.NoError(t, err)
	require.Equal(t, 0, n)
	got, err := store.GetSeed(ctx, platform, seed.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.ProcessedCount)

	// One slot left: a batch of two is truncated to it.
	n, err = co.CreateUnits(ctx, platform, []map[string]any{child("f2"), child("f3")})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, err = store.GetSeed(ctx, platform, seed.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.ProcessedCount)

	// Budget exhausted: further children insert nothing.
	n, err = co.CreateUnits(ctx, platform, []map[string]any{child("f4")})
	require.NoError(t, err)
	require.Equal(t, 0, n)

	friends := []any{
		map[string]any{"kind": "friend", "account_id": "x"},
		map[string]any{"kind": "friend", "account_id": "y"},
		map[string]any{"kind": "friend", "account_id": "z"},
	}
	res1, err := co.IngestProfiles(ctx, platform, []map[string]any{
		{"url": "https://www.facebook.com/f1", "relations": friends},
	}, IngestOptions{Extension: "ext-1", CompleteUnits: true})
	require.NoError(t, err)
	require.Equal(t, 3, res1.Children)
	require.Equal(t, 1, res1.Completed)

	res2, err := co.IngestProfiles(ctx, platform, []map[string]any{
		{"url": "https://www.facebook.com/f2", "relations": friends},
	}, IngestOptions{Extension: "ext-1", CompleteUnits: true})
	require.NoError(t, err)
	require.Equal(t, 0, res2.Children)
	require.Equal(t, 1, res2.Completed)

	all, err := store.QueryUnits(ctx, platform, crawl.UnitQuery{})
	require.NoError(t, err)
	depth2 := 0
	for _, u := range all {
		if u.Depth == 2 {
			depth2++
		}
	}
	require.Equal(t, 3, depth2)
}

// TestLineageWalksParentChain rebuilds the ancestor chain root first.
func TestLineageWalksParentChain(t *testing.T) {
	t.Parallel()

	co, store := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	units := []crawl.DiscoveryUnit{
		{ID: "u-root", URL: "https://www.linkedin.com/in/root", NaturalKey: "root", Depth: 0, SourceType: crawl.SourceSeed, Status: crawl.StatusCompleted, Created: now, Updated: now},
		{ID: "u-mid", URL: "https://www.linkedin.com/in/mid", NaturalKey: "mid", Depth: 1, SourceType: crawl.SourceDerived, ParentKey: "root", Status: crawl.StatusCompleted, Created: now, Updated: now},
		{ID: "u-leaf", URL: "https://www.linkedin.com/in/leaf", NaturalKey: "leaf", Depth: 2, SourceType: crawl.SourceDerived, ParentKey: "mid", Status: crawl.StatusPending, Created: now, Updated: now},
	}
	_, err := store.InsertUnitsIfNotExists(ctx, platform, units)
	require.NoError(t, err)

	chain, err := co.Lineage(ctx, platform, "leaf")
	require.NoError(t, err)
	require.Equal(t, []string{"root", "mid", "leaf"}, naturalKeys(chain))

	chain, err = co.Lineage(ctx, platform, "root")
	require.NoError(t, err)
	require.Equal(t, []string{"root"}, naturalKeys(chain))

	_, err = co.Lineage(ctx, platform, "ghost")
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

// TestLineageTerminatesOnCorruptCycle checks the walk gives up on a
// parent cycle instead of looping.
func TestLineageTerminatesOnCorruptCycle(t *testing.T) {
	t.Parallel()

	co, store := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.InsertUnitsIfNotExists(ctx, platform, []crawl.DiscoveryUnit{
		{ID: "u-a", URL: "https://www.linkedin.com/in/a", NaturalKey: "a", Depth: 1, SourceType: crawl.SourceDerived, ParentKey: "b", Status: crawl.StatusPending, Created: now, Updated: now},
		{ID: "u-b", URL: "https://www.linkedin.com/in/b", NaturalKey: "b", Depth: 1, SourceType: crawl.SourceDerived, ParentKey: "a", Status: crawl.StatusPending, Created: now, Updated: now},
	})
	require.NoError(t, err)

	chain, err := co.Lineage(ctx, platform, "a")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, naturalKeys(chain))
}

// TestStatsAggregatesPerPlatform checks the queue summary respects each
// platform's discovery mechanisms.
func TestStatsAggregatesPerPlatform(t *testing.T) {
	t.Parallel()

	co, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := co.CreateUnits(ctx, crawl.PlatformLinkedIn, []map[string]any{
		{"url": "https://www.linkedin.com/in/alice"},
		{"url": "https://www.linkedin.com/in/bob"},
	})
	require.NoError(t, err)
	_, err = co.CreateKeywords(ctx, crawl.PlatformLinkedIn, []string{"golang engineer"})
	require.NoError(t, err)
	_, err = co.IngestProfiles(ctx, crawl.PlatformLinkedIn, []map[string]any{
		{"url": "https://www.linkedin.com/in/alice", "name": "Alice"},
	}, IngestOptions{})
	require.NoError(t, err)

	stats, err := co.Stats(ctx, crawl.PlatformLinkedIn)
	require.NoError(t, err)
	require.Equal(t, crawl.PlatformLinkedIn, stats.Platform)

	var unitTotal int64
	for _, sc := range stats.Units {
		unitTotal += sc.Count
	}
	require.Equal(t, int64(2), unitTotal)
	require.Len(t, stats.Keywords, 1)
	require.Empty(t, stats.Seeds)
	require.Equal(t, int64(1), stats.Profiles)

	_, _, err = co.CreateSeed(ctx, crawl.PlatformFacebook, "https://www.facebook.com/acme/followers", 0)
	require.NoError(t, err)
	fb, err := co.Stats(ctx, crawl.PlatformFacebook)
	require.NoError(t, err)
	require.Empty(t, fb.Keywords)
	require.Len(t, fb.Seeds, 1)
}

// TestCoordinatorEmitsLifecycleEvents follows one unit through its life
// and checks the emitted kinds in order.
func TestCoordinatorEmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	rec := &recordingEmitter{}
	co, _ := newTestCoordinator(t, func(cfg *Config) { cfg.Events = rec })
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	_, err := co.CreateUnits(ctx, platform, []map[string]any{{"url": "https://www.linkedin.com/in/alice"}})
	require.NoError(t, err)
	units, err := co.LeaseBatch(ctx, platform, "ext-1", 1, false)
	require.NoError(t, err)
	_, err = co.Claim(ctx, platform, units[0].ID, "ext-1")
	require.NoError(t, err)

	raw := map[string]any{
		"url":       "https://www.linkedin.com/in/alice",
		"name":      "Alice",
		"relations": []any{map[string]any{"kind": "friend", "account_id": "bob"}},
	}
	_, err = co.IngestProfiles(ctx, platform, []map[string]any{raw}, IngestOptions{Extension: "ext-1", CompleteUnits: true})
	require.NoError(t, err)

	// Byte-identical payload: no write, no expansion, just the unchanged
	// marker.
	_, err = co.IngestProfiles(ctx, platform, []map[string]any{raw}, IngestOptions{Extension: "ext-1", CompleteUnits: true})
	require.NoError(t, err)

	require.Equal(t, []events.Kind{
		events.KindUnitCreated,
		events.KindUnitLeased,
		events.KindUnitClaimed,
		events.KindProfileUpserted,
		events.KindFrontierExpanded,
		events.KindUnitCreated,
		events.KindUnitCompleted,
		events.KindProfileUnchanged,
	}, rec.Kinds())
}

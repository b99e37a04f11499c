package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/storage/memory"
)

type fakeEnricher struct {
	raw map[string]any
	err error
}

func (f *fakeEnricher) FetchProfile(_ context.Context, _ crawl.Platform, _ string) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.raw, nil
}

// TestIngestUpsertsAndExpandsFrontier checks the happy path: the profile
// is stored and each relation becomes a pending child unit one level
// deeper, linked back to the expanding profile.
func TestIngestUpsertsAndExpandsFrontier(t *testing.T) {
	t.Parallel()

	co, store := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	res, err := co.IngestProfiles(ctx, platform, []map[string]any{{
		"url":      "https://www.linkedin.com/in/alice",
		"name":     "Alice",
		"headline": "Engineer",
		"relations": []any{
			map[string]any{"kind": "friend", "account_id": "bob"},
			map[string]any{"kind": "follower", "account_id": "carol"},
		},
	}}, IngestOptions{Extension: "ext-1"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Upserted)
	require.Equal(t, 2, res.Children)
	require.Empty(t, res.Failed)

	profile, err := store.GetProfile(ctx, platform, "alice")
	require.NoError(t, err)
	require.Equal(t, "Alice", profile.Name)
	require.Equal(t, "ext-1", profile.ExtensionID)
	require.NotEmpty(t, profile.PayloadHash)

	children, err := store.QueryUnits(ctx, platform, crawl.UnitQuery{NaturalKeys: []string{"bob", "carol"}})
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, u := range children {
		require.Equal(t, 1, u.Depth)
		require.Equal(t, "alice", u.ParentKey)
		require.Equal(t, crawl.SourceDerived, u.SourceType)
		require.Equal(t, crawl.StatusPending, u.Status)
		require.NotEmpty(t, u.ID)
	}
}

// TestIngestPayloadHashShortCircuit checks that a byte-identical payload
// writes nothing and expands nothing, while a changed payload goes through
// the full pipeline again.
func TestIngestPayloadHashShortCircuit(t *testing.T) {
	t.Parallel()

	co, store := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	raw := map[string]any{
		"url":       "https://www.linkedin.com/in/alice",
		"name":      "Alice",
		"relations": []any{map[string]any{"kind": "friend", "account_id": "bob"}},
	}
	res, err := co.IngestProfiles(ctx, platform, []map[string]any{raw}, IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Upserted)
	require.Equal(t, 1, res.Children)

	before, err := store.GetProfile(ctx, platform, "alice")
	require.NoError(t, err)

	res, err = co.IngestProfiles(ctx, platform, []map[string]any{raw}, IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, res.Upserted)
	require.Equal(t, 1, res.Unchanged)
	require.Equal(t, 0, res.Children)

	after, err := store.GetProfile(ctx, platform, "alice")
	require.NoError(t, err)
	require.True(t, after.Updated.Equal(before.Updated), "unchanged payload must not touch the stored profile")

	raw["name"] = "Alice Smith"
	res, err = co.IngestProfiles(ctx, platform, []map[string]any{raw}, IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Upserted)
	require.Equal(t, 0, res.Unchanged)

	renamed, err := store.GetProfile(ctx, platform, "alice")
	require.NoError(t, err)
	require.Equal(t, "Alice Smith", renamed.Name)
}

// TestIngestUnchangedStillCompletesUnit checks that the short-circuit
// skips the write but still retires the matching discovery unit.
func TestIngestUnchangedStillCompletesUnit(t *testing.T) {
	t.Parallel()

	co, store := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	_, err := co.CreateUnits(ctx, platform, []map[string]any{{"url": "https://www.linkedin.com/in/alice"}})
	require.NoError(t, err)

	raw := map[string]any{"url": "https://www.linkedin.com/in/alice", "name": "Alice"}
	res, err := co.IngestProfiles(ctx, platform, []map[string]any{raw}, IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Upserted)
	require.Equal(t, 0, res.Completed)

	res, err = co.IngestProfiles(ctx, platform, []map[string]any{raw}, IngestOptions{CompleteUnits: true})
	require.NoError(t, err)
	require.Equal(t, 1, res.Unchanged)
	require.Equal(t, 1, res.Completed)

	units, err := store.QueryUnits(ctx, platform, crawl.UnitQuery{NaturalKeys: []string{"alice"}})
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Equal(t, crawl.StatusCompleted, units[0].Status)
}

// TestIngestReportsPerRecordFailures checks that malformed records fail
// individually while the rest of the batch applies, and that a batch with
// nothing applicable surfaces as a BatchError.
func TestIngestReportsPerRecordFailures(t *testing.T) {
	t.Parallel()

	co, _ := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	res, err := co.IngestProfiles(ctx, platform, []map[string]any{
		{"url": "https://www.linkedin.com/in/alice", "name": "Alice"},
		{"name": "nobody"},
	}, IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Upserted)
	require.Len(t, res.Failed, 1)
	require.Equal(t, "record[1]", res.Failed[0].Key)
	require.NotEmpty(t, res.Failed[0].Reason)

	var berr *crawl.BatchError
	res, err = co.IngestProfiles(ctx, platform, []map[string]any{{"name": "nobody"}}, IngestOptions{})
	require.ErrorAs(t, err, &berr)
	require.Equal(t, 0, berr.Applied)
	require.Len(t, berr.Failed, 1)
	require.Len(t, res.Failed, 1)
}

// TestIngestStopsExpandingAtMaxDepth checks that relations of a unit at
// the depth bound produce no children.
func TestIngestStopsExpandingAtMaxDepth(t *testing.T) {
	t.Parallel()

	co, store := newTestCoordinator(t, nil)
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	insertUnit(t, store, platform, "carol", 3, crawl.StatusProcessing, "ext-1", time.Minute)
	res, err := co.IngestProfiles(ctx, platform, []map[string]any{{
		"url":       "https://www.linkedin.com/in/carol",
		"relations": []any{map[string]any{"kind": "friend", "account_id": "dan"}},
	}}, IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Upserted)
	require.Equal(t, 0, res.Children)

	units, err := store.QueryUnits(ctx, platform, crawl.UnitQuery{NaturalKeys: []string{"dan"}})
	require.NoError(t, err)
	require.Empty(t, units)

	insertUnit(t, store, platform, "erin", 2, crawl.StatusProcessing, "ext-1", 2*time.Minute)
	res, err = co.IngestProfiles(ctx, platform, []map[string]any{{
		"url":       "https://www.linkedin.com/in/erin",
		"relations": []any{map[string]any{"kind": "friend", "account_id": "frank"}},
	}}, IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Children)

	units, err = store.QueryUnits(ctx, platform, crawl.UnitQuery{NaturalKeys: []string{"frank"}})
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Equal(t, 3, units[0].Depth)
	require.Equal(t, "erin", units[0].ParentKey)
}

// TestIngestArchivesRawPayload checks the raw payload lands in the blob
// archive under platform/account/hash.
func TestIngestArchivesRawPayload(t *testing.T) {
	t.Parallel()

	blob := memory.NewBlobStore()
	co, store := newTestCoordinator(t, func(cfg *Config) { cfg.Archive = blob })
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	raw := map[string]any{"url": "https://www.linkedin.com/in/alice", "name": "Alice"}
	_, err := co.IngestProfiles(ctx, platform, []map[string]any{raw}, IngestOptions{})
	require.NoError(t, err)

	profile, err := store.GetProfile(ctx, platform, "alice")
	require.NoError(t, err)

	data, ok := blob.Object("linkedin/alice/" + profile.PayloadHash + ".json")
	require.True(t, ok)
	expected, err := json.Marshal(raw)
	require.NoError(t, err)
	require.Equal(t, expected, data)
}

// TestEnrichProfileRunsIngestPipeline checks the provider payload flows
// through normalization, upsert, expansion, and unit completion.
func TestEnrichProfileRunsIngestPipeline(t *testing.T) {
	t.Parallel()

	enricher := &fakeEnricher{raw: map[string]any{
		"name":      "Alice",
		"headline":  "Engineer",
		"relations": []any{map[string]any{"kind": "friend", "account_id": "bob"}},
	}}
	co, store := newTestCoordinator(t, func(cfg *Config) { cfg.Enricher = enricher })
	ctx := context.Background()
	platform := crawl.PlatformLinkedIn

	_, err := co.CreateUnits(ctx, platform, []map[string]any{{"url": "https://www.linkedin.com/in/alice"}})
	require.NoError(t, err)

	profile, err := co.EnrichProfile(ctx, platform, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", profile.AccountID)
	require.Equal(t, "Alice", profile.Name)
	require.Equal(t, "https://www.linkedin.com/in/alice", profile.URL)

	units, err := store.QueryUnits(ctx, platform, crawl.UnitQuery{NaturalKeys: []string{"alice", "bob"}})
	require.NoError(t, err)
	require.Len(t, units, 2)
	for _, u := range units {
		if u.NaturalKey == "alice" {
			require.Equal(t, crawl.StatusCompleted, u.Status)
		}
	}

	failing := &fakeEnricher{err: errors.New("quota exhausted")}
	co2, _ := newTestCoordinator(t, func(cfg *Config) { cfg.Enricher = failing })
	_, err = co2.EnrichProfile(ctx, platform, "alice")
	require.ErrorContains(t, err, "quota exhausted")
}

// TestEnrichProfileWithoutProvider checks deployments without an
// enrichment provider get the sentinel.
func TestEnrichProfileWithoutProvider(t *testing.T) {
	t.Parallel()

	co, _ := newTestCoordinator(t, nil)
	_, err := co.EnrichProfile(context.Background(), crawl.PlatformLinkedIn, "alice")
	require.ErrorIs(t, err, ErrNoProvider)
}

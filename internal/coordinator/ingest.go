package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/events"
)

// IngestOptions control the side effects of a profile ingest.
type IngestOptions struct {
	// Extension stamps the reporting extension on profiles whose payload
	// carries none.
	Extension string
	// CompleteUnits marks the discovery unit matching each ingested
	// profile completed.
	CompleteUnits bool
}

// BatchResult reports one ingest batch. Failed lists records that could
// not be applied; applied records are never rolled back on their account.
type BatchResult struct {
	Upserted  int                  `json:"upserted"`
	Unchanged int                  `json:"unchanged"`
	Children  int                  `json:"children_created"`
	Completed int                  `json:"units_completed"`
	Failed    []crawl.FailedRecord `json:"failed,omitempty"`
}

// ingestRecord pairs a normalized profile with the payload bytes that
// produced it, for hashing and archival.
type ingestRecord struct {
	profile crawl.Profile
	raw     []byte
}

// IngestProfiles runs the scrape ingest pipeline over a batch of raw
// profile payloads: normalize, short-circuit unchanged payloads by hash,
// upsert by account id, expand the frontier from relations, and optionally
// complete the matching discovery units. Malformed records fail
// individually; the rest of the batch still applies. A payload whose hash
// matches the stored profile writes nothing and expands nothing, but still
// completes its unit.
func (c *Coordinator) IngestProfiles(ctx context.Context, platform crawl.Platform, raws []map[string]any, opts IngestOptions) (BatchResult, error) {
	var result BatchResult
	if _, err := c.rulesFor(platform); err != nil {
		return result, err
	}
	if len(raws) == 0 {
		return result, crawl.Validationf("profiles", "empty batch")
	}

	// Normalize and hash. Duplicate account ids within one batch collapse
	// to the last record.
	records := make([]ingestRecord, 0, len(raws))
	index := make(map[string]int, len(raws))
	for i, raw := range raws {
		data, err := json.Marshal(raw)
		if err != nil {
			result.Failed = append(result.Failed, crawl.FailedRecord{Key: recordKey(raw, i), Reason: err.Error()})
			continue
		}
		profile, err := c.normalizer.Profile(platform, raw)
		if err != nil {
			result.Failed = append(result.Failed, crawl.FailedRecord{Key: recordKey(raw, i), Reason: err.Error()})
			continue
		}
		if profile.PayloadHash, err = c.hasher.Hash(data); err != nil {
			result.Failed = append(result.Failed, crawl.FailedRecord{Key: profile.AccountID, Reason: err.Error()})
			continue
		}
		if profile.ExtensionID == "" {
			profile.ExtensionID = opts.Extension
		}

		rec := ingestRecord{profile: profile, raw: data}
		if at, dup := index[profile.AccountID]; dup {
			records[at] = rec
			continue
		}
		index[profile.AccountID] = len(records)
		records = append(records, rec)
	}
	if len(records) == 0 {
		c.emitIngestFailures(platform, result.Failed)
		return result, &crawl.BatchError{Applied: 0, Failed: result.Failed}
	}

	keys := make([]string, len(records))
	for i, rec := range records {
		keys[i] = rec.profile.AccountID
	}

	stored, err := c.store.QueryProfiles(ctx, platform, crawl.ProfileQuery{AccountIDs: keys})
	if err != nil {
		return result, fmt.Errorf("load stored profiles: %w", err)
	}
	hashes := make(map[string]string, len(stored))
	for _, p := range stored {
		hashes[p.AccountID] = p.PayloadHash
	}

	units, err := c.store.QueryUnits(ctx, platform, crawl.UnitQuery{NaturalKeys: keys})
	if err != nil {
		return result, fmt.Errorf("load matching units: %w", err)
	}
	unitByKey := make(map[string]crawl.DiscoveryUnit, len(units))
	for _, u := range units {
		unitByKey[u.NaturalKey] = u
	}

	changed := make([]ingestRecord, 0, len(records))
	for _, rec := range records {
		if h, ok := hashes[rec.profile.AccountID]; ok && h != "" && h == rec.profile.PayloadHash {
			result.Unchanged++
			c.emit(events.Event{
				Platform:  platform,
				Kind:      events.KindProfileUnchanged,
				AccountID: rec.profile.AccountID,
				Extension: rec.profile.ExtensionID,
			})
			continue
		}
		changed = append(changed, rec)
	}

	if len(changed) > 0 {
		c.archiveRaw(ctx, platform, changed)

		profiles := make([]crawl.Profile, len(changed))
		for i, rec := range changed {
			profiles[i] = rec.profile
		}
		n, err := c.store.UpsertProfiles(ctx, platform, profiles)
		if err != nil {
			return result, fmt.Errorf("upsert profiles: %w", err)
		}
		result.Upserted = n
		for _, rec := range changed {
			c.emit(events.Event{
				Platform:  platform,
				Kind:      events.KindProfileUpserted,
				AccountID: rec.profile.AccountID,
				Extension: rec.profile.ExtensionID,
			})
		}

		if result.Children, err = c.expandFrontier(ctx, platform, changed, unitByKey); err != nil {
			return result, err
		}
	}

	if opts.CompleteUnits {
		if result.Completed, err = c.completeMatchingUnits(ctx, platform, records, unitByKey, opts.Extension); err != nil {
			return result, err
		}
	}

	c.emitIngestFailures(platform, result.Failed)
	return result, nil
}

// expandFrontier derives next-depth units from the changed profiles and
// inserts them in one deduplicated batch. The expansion depth comes from
// the profile's own discovery unit; a profile without one expands from
// depth zero.
func (c *Coordinator) expandFrontier(ctx context.Context, platform crawl.Platform, changed []ingestRecord, unitByKey map[string]crawl.DiscoveryUnit) (int, error) {
	var children []crawl.DiscoveryUnit
	seen := make(map[string]struct{})
	for _, rec := range changed {
		depth := 0
		if unit, ok := unitByKey[rec.profile.AccountID]; ok {
			depth = unit.Depth
		}
		expanded := c.frontier.Expand(platform, rec.profile, depth)
		if len(expanded) == 0 {
			continue
		}
		c.emit(events.Event{
			Platform:  platform,
			Kind:      events.KindFrontierExpanded,
			AccountID: rec.profile.AccountID,
			Depth:     depth + 1,
			Count:     int64(len(expanded)),
		})
		for _, child := range expanded {
			if _, dup := seen[child.NaturalKey]; dup {
				continue
			}
			seen[child.NaturalKey] = struct{}{}
			children = append(children, child)
		}
	}
	if len(children) == 0 {
		return 0, nil
	}

	children, err := c.stampUnits(children)
	if err != nil {
		return 0, err
	}
	inserted, err := c.store.InsertUnitsIfNotExists(ctx, platform, children)
	if err != nil {
		return 0, fmt.Errorf("insert frontier children: %w", err)
	}
	if inserted > 0 {
		c.emit(events.Event{
			Platform: platform,
			Kind:     events.KindUnitCreated,
			Count:    int64(inserted),
		})
	}
	return inserted, nil
}

// completeMatchingUnits marks the unit behind each ingested profile
// completed. Profiles without a unit are fine; already terminal units are
// left alone.
func (c *Coordinator) completeMatchingUnits(ctx context.Context, platform crawl.Platform, records []ingestRecord, unitByKey map[string]crawl.DiscoveryUnit, owner string) (int, error) {
	completed := 0
	status := crawl.StatusCompleted
	for _, rec := range records {
		unit, ok := unitByKey[rec.profile.AccountID]
		if !ok || unit.Status.IsTerminal() {
			continue
		}
		now := c.now()
		if err := c.store.UpdateUnit(ctx, platform, unit.ID, crawl.UnitPatch{Status: &status, Processed: &now}); err != nil {
			return completed, fmt.Errorf("complete unit %s: %w", unit.ID, err)
		}
		completed++
		ext := owner
		if ext == "" {
			ext = unit.Owner
		}
		c.emit(events.Event{
			Platform:  platform,
			Kind:      events.KindUnitCompleted,
			AccountID: unit.NaturalKey,
			Extension: ext,
			Depth:     unit.Depth,
		})
	}
	return completed, nil
}

// archiveRaw writes the raw payload bytes to the blob archive. Archival is
// best-effort; a failed write never fails the ingest.
func (c *Coordinator) archiveRaw(ctx context.Context, platform crawl.Platform, records []ingestRecord) {
	if c.archive == nil {
		return
	}
	for _, rec := range records {
		path := fmt.Sprintf("%s/%s/%s.json", platform, rec.profile.AccountID, rec.profile.PayloadHash)
		if _, err := c.archive.PutObject(ctx, path, "application/json", rec.raw); err != nil {
			c.logger.Warn("archiving raw payload failed",
				zap.String("platform", string(platform)),
				zap.String("account_id", rec.profile.AccountID),
				zap.Error(err),
			)
		}
	}
}

// stampUnits fills ids and timestamps on units built outside the
// normalizer, such as frontier children.
func (c *Coordinator) stampUnits(units []crawl.DiscoveryUnit) ([]crawl.DiscoveryUnit, error) {
	now := c.now()
	for i := range units {
		if units[i].ID == "" {
			id, err := c.ids.NewID()
			if err != nil {
				return nil, fmt.Errorf("assign unit id: %w", err)
			}
			units[i].ID = id
		}
		if units[i].Created.IsZero() {
			units[i].Created = now
		}
		if units[i].Updated.IsZero() {
			units[i].Updated = now
		}
	}
	return units, nil
}

func (c *Coordinator) emitIngestFailures(platform crawl.Platform, failed []crawl.FailedRecord) {
	if len(failed) == 0 {
		return
	}
	c.emit(events.Event{
		Platform: platform,
		Kind:     events.KindIngestFailed,
		Count:    int64(len(failed)),
	})
}

// recordKey names a failed record in batch results: the account id when
// present, the url as fallback, the batch position as a last resort.
func recordKey(raw map[string]any, i int) string {
	if id, ok := raw["account_id"].(string); ok && id != "" {
		return id
	}
	if url, ok := raw["url"].(string); ok && url != "" {
		return url
	}
	return fmt.Sprintf("record[%d]", i)
}

// EnrichProfile fetches a full profile from the configured enrichment
// provider and runs it through the ingest pipeline, completing the matching
// unit. Deployments without a provider get ErrNoProvider.
func (c *Coordinator) EnrichProfile(ctx context.Context, platform crawl.Platform, accountID string) (crawl.Profile, error) {
	if _, err := c.rulesFor(platform); err != nil {
		return crawl.Profile{}, err
	}
	if accountID == "" {
		return crawl.Profile{}, crawl.Validationf("account_id", "required")
	}
	if c.enricher == nil {
		return crawl.Profile{}, fmt.Errorf("enrich profile: %w", ErrNoProvider)
	}

	raw, err := c.enricher.FetchProfile(ctx, platform, accountID)
	if err != nil {
		return crawl.Profile{}, fmt.Errorf("fetch profile %s: %w", accountID, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if id, _ := raw["account_id"].(string); id == "" {
		raw["account_id"] = accountID
	}

	if _, err := c.IngestProfiles(ctx, platform, []map[string]any{raw}, IngestOptions{Extension: "enricher", CompleteUnits: true}); err != nil {
		return crawl.Profile{}, err
	}
	profile, err := c.store.GetProfile(ctx, platform, accountID)
	if err != nil {
		return crawl.Profile{}, fmt.Errorf("load enriched profile: %w", err)
	}
	return profile, nil
}

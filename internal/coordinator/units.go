package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/events"
)

// LeaseBatch returns up to limit claimable units for owner, ordered depth
// ascending, then status tier, then creation time. Units processing under a
// different owner never appear. Failed and skipped units surface only when
// includeRetries is set; that is the explicit requeue path.
func (c *Coordinator) LeaseBatch(ctx context.Context, platform crawl.Platform, owner string, limit int, includeRetries bool) ([]crawl.DiscoveryUnit, error) {
	if _, err := c.rulesFor(platform); err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, crawl.Validationf("extension_id", "required")
	}
	n, err := c.leaseLimit(limit)
	if err != nil {
		return nil, err
	}

	units, err := c.store.QueryUnits(ctx, platform, crawl.UnitQuery{
		ClaimableBy:            owner,
		IncludeTerminalRetries: includeRetries,
		LeaseOrder:             true,
		Limit:                  n,
	})
	if err != nil {
		return nil, fmt.Errorf("lease units: %w", err)
	}
	if len(units) > 0 {
		c.emit(events.Event{
			Platform:  platform,
			Kind:      events.KindUnitLeased,
			Extension: owner,
			Count:     int64(len(units)),
		})
	}
	return units, nil
}

// Claim moves a unit to processing under owner and stamps processed_at. A
// same-owner repeat renews the lease. A different-owner claim of a
// processing unit succeeds; there is no compare-and-swap, and the upsert
// path absorbs the rare double crawl. Terminal units never leave their
// status.
func (c *Coordinator) Claim(ctx context.Context, platform crawl.Platform, id, owner string) (crawl.DiscoveryUnit, error) {
	if _, err := c.rulesFor(platform); err != nil {
		return crawl.DiscoveryUnit{}, err
	}
	if owner == "" {
		return crawl.DiscoveryUnit{}, crawl.Validationf("extension_id", "required")
	}

	unit, err := c.store.GetUnit(ctx, platform, id)
	if err != nil {
		return crawl.DiscoveryUnit{}, fmt.Errorf("claim unit: %w", err)
	}
	if err := checkTransition(unit.ID, unit.Status, crawl.StatusProcessing); err != nil {
		return crawl.DiscoveryUnit{}, err
	}
	if unit.Status == crawl.StatusProcessing && unit.Owner != "" && unit.Owner != owner {
		c.logger.Debug("unit claimed over a live lease",
			zap.String("platform", string(platform)),
			zap.String("unit_id", unit.ID),
			zap.String("previous_owner", unit.Owner),
			zap.String("extension_id", owner),
		)
	}

	now := c.now()
	status := crawl.StatusProcessing
	patch := crawl.UnitPatch{Status: &status, Owner: &owner, Processed: &now}
	if err := c.store.UpdateUnit(ctx, platform, unit.ID, patch); err != nil {
		return crawl.DiscoveryUnit{}, fmt.Errorf("claim unit: %w", err)
	}

	unit.Status = status
	unit.Owner = owner
	unit.Processed = &now
	unit.Updated = now
	c.emit(events.Event{
		Platform:  platform,
		Kind:      events.KindUnitClaimed,
		AccountID: unit.NaturalKey,
		Extension: owner,
		Depth:     unit.Depth,
	})
	return unit, nil
}

// Complete moves a unit to a terminal status. Re-posting the status a unit
// already holds is a no-op; any other move out of a terminal status is a
// TransitionError.
func (c *Coordinator) Complete(ctx context.Context, platform crawl.Platform, id string, status crawl.Status, owner string) (crawl.DiscoveryUnit, error) {
	if _, err := c.rulesFor(platform); err != nil {
		return crawl.DiscoveryUnit{}, err
	}
	if !status.IsTerminal() {
		return crawl.DiscoveryUnit{}, crawl.Validationf("status", "%s is not a terminal status", status)
	}

	unit, err := c.store.GetUnit(ctx, platform, id)
	if err != nil {
		return crawl.DiscoveryUnit{}, fmt.Errorf("complete unit: %w", err)
	}
	if unit.Status == status {
		return unit, nil
	}
	if err := checkTransition(unit.ID, unit.Status, status); err != nil {
		return crawl.DiscoveryUnit{}, err
	}

	ext := owner
	if ext == "" {
		ext = unit.Owner
	}
	now := c.now()
	patch := crawl.UnitPatch{Status: &status, Processed: &now}
	if owner != "" {
		patch.Owner = &owner
	}
	if err := c.store.UpdateUnit(ctx, platform, unit.ID, patch); err != nil {
		return crawl.DiscoveryUnit{}, fmt.Errorf("complete unit: %w", err)
	}

	unit.Status = status
	unit.Processed = &now
	unit.Updated = now
	if owner != "" {
		unit.Owner = owner
	}
	if kind, ok := outcomeKind(status); ok {
		c.emit(events.Event{
			Platform:  platform,
			Kind:      kind,
			AccountID: unit.NaturalKey,
			Extension: ext,
			Depth:     unit.Depth,
		})
	}
	return unit, nil
}

// Release returns a unit to pending, clearing its owner and processed_at.
// Terminal units stay terminal.
func (c *Coordinator) Release(ctx context.Context, platform crawl.Platform, id, owner string) (crawl.DiscoveryUnit, error) {
	if _, err := c.rulesFor(platform); err != nil {
		return crawl.DiscoveryUnit{}, err
	}

	unit, err := c.store.GetUnit(ctx, platform, id)
	if err != nil {
		return crawl.DiscoveryUnit{}, fmt.Errorf("release unit: %w", err)
	}
	if err := checkTransition(unit.ID, unit.Status, crawl.StatusPending); err != nil {
		return crawl.DiscoveryUnit{}, err
	}

	status := crawl.StatusPending
	cleared := ""
	patch := crawl.UnitPatch{Status: &status, Owner: &cleared, ClearProcessed: true}
	if err := c.store.UpdateUnit(ctx, platform, unit.ID, patch); err != nil {
		return crawl.DiscoveryUnit{}, fmt.Errorf("release unit: %w", err)
	}

	unit.Status = status
	unit.Owner = ""
	unit.Processed = nil
	unit.Updated = c.now()
	c.emit(events.Event{
		Platform:  platform,
		Kind:      events.KindUnitReleased,
		AccountID: unit.NaturalKey,
		Extension: owner,
		Depth:     unit.Depth,
	})
	return unit, nil
}

// CreateUnits normalizes and inserts a batch of discovery unit specs,
// returning the number actually inserted after natural-key dedup. Any
// malformed spec rejects the whole batch before a row is written. Units
// posted as children of a seed consume the seed's budget: the per-seed
// batch is truncated to the remaining slots and the seed's processed count
// advances by the rows actually inserted.
func (c *Coordinator) CreateUnits(ctx context.Context, platform crawl.Platform, raws []map[string]any) (int, error) {
	rules, err := c.rulesFor(platform)
	if err != nil {
		return 0, err
	}
	if len(raws) == 0 {
		return 0, crawl.Validationf("units", "empty batch")
	}

	direct := make([]crawl.DiscoveryUnit, 0, len(raws))
	budgeted := make(map[string][]crawl.DiscoveryUnit)
	var parents []string
	for _, raw := range raws {
		unit, err := c.normalizer.Unit(platform, raw)
		if err != nil {
			return 0, err
		}
		if rules.Seeds && unit.SourceType == crawl.SourceSeed && unit.ParentKey != "" {
			if _, ok := budgeted[unit.ParentKey]; !ok {
				parents = append(parents, unit.ParentKey)
			}
			budgeted[unit.ParentKey] = append(budgeted[unit.ParentKey], unit)
			continue
		}
		direct = append(direct, unit)
	}

	total := 0
	if len(direct) > 0 {
		n, err := c.store.InsertUnitsIfNotExists(ctx, platform, direct)
		if err != nil {
			return total, fmt.Errorf("insert units: %w", err)
		}
		total += n
	}
	for _, parent := range parents {
		n, err := c.createSeedChildren(ctx, platform, parent, budgeted[parent])
		if err != nil {
			return total, err
		}
		total += n
	}

	if total > 0 {
		c.emit(events.Event{
			Platform: platform,
			Kind:     events.KindUnitCreated,
			Count:    int64(total),
		})
	}
	return total, nil
}

// createSeedChildren inserts children of one seed within its remaining
// budget. A parent without a seed row inserts unbudgeted; budget accounting
// is best-effort and never fails an otherwise applied batch.
func (c *Coordinator) createSeedChildren(ctx context.Context, platform crawl.Platform, parent string, children []crawl.DiscoveryUnit) (int, error) {
	seeds, err := c.store.QuerySeeds(ctx, platform, crawl.SeedQuery{AccountIDs: []string{parent}, Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("look up seed %s: %w", parent, err)
	}
	if len(seeds) == 0 {
		c.logger.Debug("seed children without a seed row",
			zap.String("platform", string(platform)),
			zap.String("parent_account_id", parent),
		)
		n, err := c.store.InsertUnitsIfNotExists(ctx, platform, children)
		if err != nil {
			return 0, fmt.Errorf("insert seed children: %w", err)
		}
		return n, nil
	}

	seed := seeds[0]
	remaining := seed.MaxChildren - seed.ProcessedCount
	if remaining <= 0 {
		c.logger.Debug("seed budget exhausted",
			zap.String("platform", string(platform)),
			zap.String("parent_account_id", parent),
			zap.Int("max_profiles", seed.MaxChildren),
		)
		return 0, nil
	}
	if len(children) > remaining {
		children = children[:remaining]
	}

	n, err := c.store.InsertUnitsIfNotExists(ctx, platform, children)
	if err != nil {
		return 0, fmt.Errorf("insert seed children: %w", err)
	}
	if n > 0 {
		if err := c.store.UpdateSeed(ctx, platform, seed.ID, crawl.SeedPatch{ProcessedCountDelta: n}); err != nil {
			c.logger.Warn("advancing seed budget failed",
				zap.String("platform", string(platform)),
				zap.String("seed_id", seed.ID),
				zap.Int("inserted", n),
				zap.Error(err),
			)
		}
	}
	return n, nil
}

// Lineage reconstructs the ancestor chain of a unit, root first, by walking
// parent links one query at a time. The walk stops at the root, at a
// missing parent, on a cycle, or after MaxDepth+1 hops, whichever comes
// first.
func (c *Coordinator) Lineage(ctx context.Context, platform crawl.Platform, naturalKey string) ([]crawl.DiscoveryUnit, error) {
	if _, err := c.rulesFor(platform); err != nil {
		return nil, err
	}
	if naturalKey == "" {
		return nil, crawl.Validationf("account_id", "required")
	}

	maxHops := c.frontier.MaxDepth() + 1
	chain := make([]crawl.DiscoveryUnit, 0, maxHops)
	seen := make(map[string]struct{}, maxHops)
	key := naturalKey
	for key != "" && len(chain) < maxHops {
		if _, cycle := seen[key]; cycle {
			break
		}
		seen[key] = struct{}{}

		units, err := c.store.QueryUnits(ctx, platform, crawl.UnitQuery{NaturalKeys: []string{key}, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("walk lineage: %w", err)
		}
		if len(units) == 0 {
			if len(chain) == 0 {
				return nil, fmt.Errorf("unit %s: %w", naturalKey, crawl.ErrNotFound)
			}
			break
		}
		chain = append(chain, units[0])
		key = units[0].ParentKey
	}

	// Walked child to parent; callers read root to self.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Stats aggregates queue counts for one platform: units by status and
// depth, keywords and seeds by status where the platform uses them, and the
// profile total.
func (c *Coordinator) Stats(ctx context.Context, platform crawl.Platform) (crawl.QueueStats, error) {
	rules, err := c.rulesFor(platform)
	if err != nil {
		return crawl.QueueStats{}, err
	}

	stats := crawl.QueueStats{Platform: platform}
	if stats.Units, err = c.store.UnitStats(ctx, platform); err != nil {
		return crawl.QueueStats{}, fmt.Errorf("unit stats: %w", err)
	}
	if rules.Keywords {
		if stats.Keywords, err = c.store.KeywordStats(ctx, platform); err != nil {
			return crawl.QueueStats{}, fmt.Errorf("keyword stats: %w", err)
		}
	}
	if rules.Seeds {
		if stats.Seeds, err = c.store.SeedStats(ctx, platform); err != nil {
			return crawl.QueueStats{}, fmt.Errorf("seed stats: %w", err)
		}
	}
	if stats.Profiles, err = c.store.CountProfiles(ctx, platform); err != nil {
		return crawl.QueueStats{}, fmt.Errorf("count profiles: %w", err)
	}
	return stats, nil
}

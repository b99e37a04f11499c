package coordinator

import (
	"context"
	"fmt"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

// CreateSeed registers a seed entry page, deduplicated on URL. The second
// return reports whether a new row was created; posting a known URL
// returns the stored seed unchanged, keeping its budget and progress.
func (c *Coordinator) CreateSeed(ctx context.Context, platform crawl.Platform, url string, maxChildren int) (crawl.SeedUnit, bool, error) {
	rules, err := c.rulesFor(platform)
	if err != nil {
		return crawl.SeedUnit{}, false, err
	}
	if !rules.Seeds {
		return crawl.SeedUnit{}, false, crawl.Validationf("platform", "%s does not take seed pages", platform)
	}

	seed, err := c.normalizer.Seed(platform, url, maxChildren)
	if err != nil {
		return crawl.SeedUnit{}, false, err
	}
	n, err := c.store.InsertSeedsIfNotExists(ctx, platform, []crawl.SeedUnit{seed})
	if err != nil {
		return crawl.SeedUnit{}, false, fmt.Errorf("insert seed: %w", err)
	}
	if n > 0 {
		return seed, true, nil
	}

	existing, err := c.store.QuerySeeds(ctx, platform, crawl.SeedQuery{URLs: []string{seed.URL}, Limit: 1})
	if err != nil {
		return crawl.SeedUnit{}, false, fmt.Errorf("load existing seed: %w", err)
	}
	if len(existing) == 0 {
		return seed, false, nil
	}
	return existing[0], false, nil
}

// LeaseSeeds returns up to limit claimable seeds for owner, ordered by
// status tier then creation time.
func (c *Coordinator) LeaseSeeds(ctx context.Context, platform crawl.Platform, owner string, limit int) ([]crawl.SeedUnit, error) {
	rules, err := c.rulesFor(platform)
	if err != nil {
		return nil, err
	}
	if !rules.Seeds {
		return nil, crawl.Validationf("platform", "%s does not take seed pages", platform)
	}
	if owner == "" {
		return nil, crawl.Validationf("extension_id", "required")
	}
	n, err := c.leaseLimit(limit)
	if err != nil {
		return nil, err
	}

	seeds, err := c.store.QuerySeeds(ctx, platform, crawl.SeedQuery{
		ClaimableBy: owner,
		LeaseOrder:  true,
		Limit:       n,
	})
	if err != nil {
		return nil, fmt.Errorf("lease seeds: %w", err)
	}
	return seeds, nil
}

// ClaimSeed moves a seed to processing under owner. Semantics match Claim
// for units.
func (c *Coordinator) ClaimSeed(ctx context.Context, platform crawl.Platform, id, owner string) (crawl.SeedUnit, error) {
	if _, err := c.rulesFor(platform); err != nil {
		return crawl.SeedUnit{}, err
	}
	if owner == "" {
		return crawl.SeedUnit{}, crawl.Validationf("extension_id", "required")
	}

	seed, err := c.store.GetSeed(ctx, platform, id)
	if err != nil {
		return crawl.SeedUnit{}, fmt.Errorf("claim seed: %w", err)
	}
	if err := checkTransition(seed.ID, seed.Status, crawl.StatusProcessing); err != nil {
		return crawl.SeedUnit{}, err
	}

	now := c.now()
	status := crawl.StatusProcessing
	if err := c.store.UpdateSeed(ctx, platform, seed.ID, crawl.SeedPatch{Status: &status, Owner: &owner, Processed: &now}); err != nil {
		return crawl.SeedUnit{}, fmt.Errorf("claim seed: %w", err)
	}
	seed.Status = status
	seed.Owner = owner
	seed.Processed = &now
	seed.Updated = now
	return seed, nil
}

// CompleteSeed moves a seed to a terminal status; repeating the current
// terminal status is a no-op.
func (c *Coordinator) CompleteSeed(ctx context.Context, platform crawl.Platform, id string, status crawl.Status, owner string) (crawl.SeedUnit, error) {
	if _, err := c.rulesFor(platform); err != nil {
		return crawl.SeedUnit{}, err
	}
	if !status.IsTerminal() {
		return crawl.SeedUnit{}, crawl.Validationf("status", "%s is not a terminal status", status)
	}

	seed, err := c.store.GetSeed(ctx, platform, id)
	if err != nil {
		return crawl.SeedUnit{}, fmt.Errorf("complete seed: %w", err)
	}
	if seed.Status == status {
		return seed, nil
	}
	if err := checkTransition(seed.ID, seed.Status, status); err != nil {
		return crawl.SeedUnit{}, err
	}

	now := c.now()
	patch := crawl.SeedPatch{Status: &status, Processed: &now}
	if owner != "" {
		patch.Owner = &owner
	}
	if err := c.store.UpdateSeed(ctx, platform, seed.ID, patch); err != nil {
		return crawl.SeedUnit{}, fmt.Errorf("complete seed: %w", err)
	}
	seed.Status = status
	seed.Processed = &now
	seed.Updated = now
	if owner != "" {
		seed.Owner = owner
	}
	return seed, nil
}

// ReleaseSeed returns a seed to pending, clearing owner and processed_at.
// The child budget already consumed stays consumed.
func (c *Coordinator) ReleaseSeed(ctx context.Context, platform crawl.Platform, id, owner string) (crawl.SeedUnit, error) {
	if _, err := c.rulesFor(platform); err != nil {
		return crawl.SeedUnit{}, err
	}

	seed, err := c.store.GetSeed(ctx, platform, id)
	if err != nil {
		return crawl.SeedUnit{}, fmt.Errorf("release seed: %w", err)
	}
	if err := checkTransition(seed.ID, seed.Status, crawl.StatusPending); err != nil {
		return crawl.SeedUnit{}, err
	}

	status := crawl.StatusPending
	cleared := ""
	if err := c.store.UpdateSeed(ctx, platform, seed.ID, crawl.SeedPatch{Status: &status, Owner: &cleared, ClearProcessed: true}); err != nil {
		return crawl.SeedUnit{}, fmt.Errorf("release seed: %w", err)
	}
	seed.Status = status
	seed.Owner = ""
	seed.Processed = nil
	seed.Updated = c.now()
	return seed, nil
}

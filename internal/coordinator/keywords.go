package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/events"
)

// CreateKeywords normalizes and inserts search keywords, deduplicated on
// keyword text, returning the number actually inserted. The platform
// search suffix is applied exactly once.
func (c *Coordinator) CreateKeywords(ctx context.Context, platform crawl.Platform, words []string) (int, error) {
	rules, err := c.rulesFor(platform)
	if err != nil {
		return 0, err
	}
	if !rules.Keywords {
		return 0, crawl.Validationf("platform", "%s does not take search keywords", platform)
	}
	if len(words) == 0 {
		return 0, crawl.Validationf("keywords", "empty batch")
	}

	keywords := make([]crawl.Keyword, 0, len(words))
	seen := make(map[string]struct{}, len(words))
	for _, word := range words {
		kw, err := c.normalizer.Keyword(platform, word)
		if err != nil {
			return 0, err
		}
		if _, dup := seen[kw.Keyword]; dup {
			continue
		}
		seen[kw.Keyword] = struct{}{}
		keywords = append(keywords, kw)
	}

	n, err := c.store.InsertKeywordsIfNotExists(ctx, platform, keywords)
	if err != nil {
		return 0, fmt.Errorf("insert keywords: %w", err)
	}
	return n, nil
}

// LeaseKeywords returns up to limit claimable keywords for owner, ordered
// by status tier then creation time.
func (c *Coordinator) LeaseKeywords(ctx context.Context, platform crawl.Platform, owner string, limit int) ([]crawl.Keyword, error) {
	rules, err := c.rulesFor(platform)
	if err != nil {
		return nil, err
	}
	if !rules.Keywords {
		return nil, crawl.Validationf("platform", "%s does not take search keywords", platform)
	}
	if owner == "" {
		return nil, crawl.Validationf("extension_id", "required")
	}
	n, err := c.leaseLimit(limit)
	if err != nil {
		return nil, err
	}

	keywords, err := c.store.QueryKeywords(ctx, platform, crawl.KeywordQuery{
		ClaimableBy: owner,
		LeaseOrder:  true,
		Limit:       n,
	})
	if err != nil {
		return nil, fmt.Errorf("lease keywords: %w", err)
	}
	return keywords, nil
}

// ClaimKeyword moves a keyword to processing under owner. Semantics match
// Claim for units.
func (c *Coordinator) ClaimKeyword(ctx context.Context, platform crawl.Platform, id, owner string) (crawl.Keyword, error) {
	if _, err := c.rulesFor(platform); err != nil {
		return crawl.Keyword{}, err
	}
	if owner == "" {
		return crawl.Keyword{}, crawl.Validationf("extension_id", "required")
	}

	kw, err := c.store.GetKeyword(ctx, platform, id)
	if err != nil {
		return crawl.Keyword{}, fmt.Errorf("claim keyword: %w", err)
	}
	if err := checkTransition(kw.ID, kw.Status, crawl.StatusProcessing); err != nil {
		return crawl.Keyword{}, err
	}

	now := c.now()
	status := crawl.StatusProcessing
	if err := c.store.UpdateKeyword(ctx, platform, kw.ID, crawl.KeywordPatch{Status: &status, Owner: &owner, Processed: &now}); err != nil {
		return crawl.Keyword{}, fmt.Errorf("claim keyword: %w", err)
	}
	kw.Status = status
	kw.Owner = owner
	kw.Processed = &now
	kw.Updated = now
	return kw, nil
}

// CompleteKeyword moves a keyword to a terminal status; repeating the
// current terminal status is a no-op.
func (c *Coordinator) CompleteKeyword(ctx context.Context, platform crawl.Platform, id string, status crawl.Status, owner string) (crawl.Keyword, error) {
	if _, err := c.rulesFor(platform); err != nil {
		return crawl.Keyword{}, err
	}
	if !status.IsTerminal() {
		return crawl.Keyword{}, crawl.Validationf("status", "%s is not a terminal status", status)
	}

	kw, err := c.store.GetKeyword(ctx, platform, id)
	if err != nil {
		return crawl.Keyword{}, fmt.Errorf("complete keyword: %w", err)
	}
	if kw.Status == status {
		return kw, nil
	}
	if err := checkTransition(kw.ID, kw.Status, status); err != nil {
		return crawl.Keyword{}, err
	}

	now := c.now()
	patch := crawl.KeywordPatch{Status: &status, Processed: &now}
	if owner != "" {
		patch.Owner = &owner
	}
	if err := c.store.UpdateKeyword(ctx, platform, kw.ID, patch); err != nil {
		return crawl.Keyword{}, fmt.Errorf("complete keyword: %w", err)
	}
	kw.Status = status
	kw.Processed = &now
	kw.Updated = now
	if owner != "" {
		kw.Owner = owner
	}
	return kw, nil
}

// ReleaseKeyword returns a keyword to pending, clearing owner and
// processed_at. The cursor survives so the next worker resumes paging
// where the last one stopped.
func (c *Coordinator) ReleaseKeyword(ctx context.Context, platform crawl.Platform, id, owner string) (crawl.Keyword, error) {
	if _, err := c.rulesFor(platform); err != nil {
		return crawl.Keyword{}, err
	}

	kw, err := c.store.GetKeyword(ctx, platform, id)
	if err != nil {
		return crawl.Keyword{}, fmt.Errorf("release keyword: %w", err)
	}
	if err := checkTransition(kw.ID, kw.Status, crawl.StatusPending); err != nil {
		return crawl.Keyword{}, err
	}

	status := crawl.StatusPending
	cleared := ""
	if err := c.store.UpdateKeyword(ctx, platform, kw.ID, crawl.KeywordPatch{Status: &status, Owner: &cleared, ClearProcessed: true}); err != nil {
		return crawl.Keyword{}, fmt.Errorf("release keyword: %w", err)
	}
	kw.Status = status
	kw.Owner = ""
	kw.Processed = nil
	kw.Updated = c.now()
	return kw, nil
}

// UpdateKeywordCursor persists the paging offset for a keyword. The cursor
// is not part of the status machine; it may be written in any status.
func (c *Coordinator) UpdateKeywordCursor(ctx context.Context, platform crawl.Platform, id string, cursor int) (crawl.Keyword, error) {
	if _, err := c.rulesFor(platform); err != nil {
		return crawl.Keyword{}, err
	}
	if cursor < 0 {
		return crawl.Keyword{}, crawl.Validationf("current_start", "must not be negative")
	}

	kw, err := c.store.GetKeyword(ctx, platform, id)
	if err != nil {
		return crawl.Keyword{}, fmt.Errorf("update keyword cursor: %w", err)
	}
	if err := c.store.UpdateKeyword(ctx, platform, kw.ID, crawl.KeywordPatch{Cursor: &cursor}); err != nil {
		return crawl.Keyword{}, fmt.Errorf("update keyword cursor: %w", err)
	}
	kw.Cursor = cursor
	kw.Updated = c.now()
	return kw, nil
}

// SearchOutcome reports one page of keyword search work.
type SearchOutcome struct {
	Keyword      string `json:"keyword"`
	URLsFound    int    `json:"urls_found"`
	UnitsCreated int    `json:"units_created"`
	NextCursor   int    `json:"current_start"`
	Exhausted    bool   `json:"exhausted"`
}

// RunKeywordSearch claims a keyword, fetches one result page from the
// search provider at the persisted cursor, inserts discovery units for the
// profile URLs found, and advances the cursor. An exhausted keyword
// completes; otherwise it is released for the next pass with its cursor
// intact. A provider failure releases the keyword best-effort.
func (c *Coordinator) RunKeywordSearch(ctx context.Context, platform crawl.Platform, id, owner string) (SearchOutcome, error) {
	rules, err := c.rulesFor(platform)
	if err != nil {
		return SearchOutcome{}, err
	}
	if !rules.Keywords {
		return SearchOutcome{}, crawl.Validationf("platform", "%s does not take search keywords", platform)
	}
	if c.searcher == nil {
		return SearchOutcome{}, fmt.Errorf("keyword search: %w", ErrNoProvider)
	}

	kw, err := c.ClaimKeyword(ctx, platform, id, owner)
	if err != nil {
		return SearchOutcome{}, err
	}

	start := c.now()
	res, err := c.searcher.Search(ctx, platform, kw.Keyword, kw.Cursor)
	if err != nil {
		c.releaseAfterFailure(ctx, platform, kw.ID, owner)
		return SearchOutcome{}, fmt.Errorf("search keyword %q: %w", kw.Keyword, err)
	}

	specs := make([]map[string]any, 0, len(res.URLs))
	for _, u := range res.URLs {
		if rules.AccountID(u) == "" {
			continue
		}
		specs = append(specs, map[string]any{"url": u})
	}
	created := 0
	if len(specs) > 0 {
		if created, err = c.CreateUnits(ctx, platform, specs); err != nil {
			c.releaseAfterFailure(ctx, platform, kw.ID, owner)
			return SearchOutcome{}, fmt.Errorf("insert search results: %w", err)
		}
	}

	cursor := kw.Cursor
	if res.NextCursor >= 0 {
		cursor = res.NextCursor
		if err := c.store.UpdateKeyword(ctx, platform, kw.ID, crawl.KeywordPatch{Cursor: &cursor}); err != nil {
			c.logger.Warn("persisting keyword cursor failed",
				zap.String("platform", string(platform)),
				zap.String("keyword_id", kw.ID),
				zap.Int("current_start", cursor),
				zap.Error(err),
			)
			cursor = kw.Cursor
		}
	}

	if res.Exhausted {
		if _, err := c.CompleteKeyword(ctx, platform, kw.ID, crawl.StatusCompleted, owner); err != nil {
			return SearchOutcome{}, fmt.Errorf("complete exhausted keyword: %w", err)
		}
	} else {
		if _, err := c.ReleaseKeyword(ctx, platform, kw.ID, owner); err != nil {
			return SearchOutcome{}, fmt.Errorf("release keyword after search: %w", err)
		}
	}

	c.emit(events.Event{
		Platform:  platform,
		Kind:      events.KindKeywordSearched,
		Extension: owner,
		Count:     int64(len(res.URLs)),
		Dur:       c.now().Sub(start),
		Note:      kw.Keyword,
	})
	return SearchOutcome{
		Keyword:      kw.Keyword,
		URLsFound:    len(res.URLs),
		UnitsCreated: created,
		NextCursor:   cursor,
		Exhausted:    res.Exhausted,
	}, nil
}

// releaseAfterFailure puts a keyword back in the pool after a failed
// search pass. The release itself is best-effort.
func (c *Coordinator) releaseAfterFailure(ctx context.Context, platform crawl.Platform, id, owner string) {
	if _, err := c.ReleaseKeyword(ctx, platform, id, owner); err != nil {
		c.logger.Warn("releasing keyword after failure",
			zap.String("platform", string(platform)),
			zap.String("keyword_id", id),
			zap.String("extension_id", owner),
			zap.Error(err),
		)
	}
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

const seedColumns = "id, url, account_id, max_profiles, processed_count, status, extension_id, created_at, updated_at, processed_at"

var seedCasts = []string{"text", "text", "text", "int", "int", "text", "text", "timestamptz", "timestamptz", "timestamptz"}

func seedRow(sd crawl.SeedUnit) []any {
	return []any{
		sd.ID,
		sd.URL,
		sd.AccountID,
		sd.MaxChildren,
		sd.ProcessedCount,
		nullStatus(sd.Status),
		nullIfEmpty(sd.Owner),
		sd.Created,
		sd.Updated,
		sd.Processed,
	}
}

func scanSeed(row rowScanner) (crawl.SeedUnit, error) {
	var (
		sd     crawl.SeedUnit
		status *string
		owner  *string
	)
	err := row.Scan(
		&sd.ID,
		&sd.URL,
		&sd.AccountID,
		&sd.MaxChildren,
		&sd.ProcessedCount,
		&status,
		&owner,
		&sd.Created,
		&sd.Updated,
		&sd.Processed,
	)
	if err != nil {
		return crawl.SeedUnit{}, err
	}
	sd.Status = crawl.Status(deref(status))
	sd.Owner = deref(owner)
	return sd, nil
}

// QuerySeeds compiles q into a bound-parameter SELECT.
func (s *RecordStore) QuerySeeds(ctx context.Context, platform crawl.Platform, q crawl.SeedQuery) ([]crawl.SeedUnit, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return nil, err
	}
	if set.Seeds == "" {
		return nil, fmt.Errorf("platform %s has no seeds table", platform)
	}

	b := &builder{}
	if q.ClaimableBy != "" {
		b.whereClaimable(q.ClaimableBy, q.IncludeTerminalRetries)
	}
	b.whereStatuses(q.Statuses, q.IncludeUnset)
	if len(q.URLs) > 0 {
		b.whereIn("url", q.URLs)
	}
	if len(q.AccountIDs) > 0 {
		b.whereIn("account_id", q.AccountIDs)
	}
	order := " ORDER BY created_at ASC"
	if q.LeaseOrder {
		order = " ORDER BY " + statusTierCase + " ASC, created_at ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM %s", seedColumns, set.Seeds) + b.clause() + order + b.limit(q.Limit)

	rows, err := s.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query seeds: %w", err)
	}
	defer rows.Close()

	var seeds []crawl.SeedUnit
	for rows.Next() {
		sd, err := scanSeed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seed row: %w", err)
		}
		seeds = append(seeds, sd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read seed rows: %w", err)
	}
	return seeds, nil
}

// GetSeed fetches a seed unit by id.
func (s *RecordStore) GetSeed(ctx context.Context, platform crawl.Platform, id string) (crawl.SeedUnit, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return crawl.SeedUnit{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", seedColumns, set.Seeds)
	sd, err := scanSeed(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.SeedUnit{}, crawl.ErrNotFound
		}
		return crawl.SeedUnit{}, fmt.Errorf("get seed: %w", err)
	}
	return sd, nil
}

// InsertSeedsIfNotExists inserts seeds whose URL is not yet present.
func (s *RecordStore) InsertSeedsIfNotExists(ctx context.Context, platform crawl.Platform, seeds []crawl.SeedUnit) (int, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return 0, err
	}
	seeds = dedupSeeds(seeds)
	if len(seeds) == 0 {
		return 0, nil
	}

	if len(seeds) <= smallBatchLimit {
		query := fmt.Sprintf(
			"INSERT INTO %s (%s) SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10 "+
				"WHERE NOT EXISTS (SELECT 1 FROM %s WHERE url = $2)",
			set.Seeds, seedColumns, set.Seeds,
		)
		inserted := 0
		for _, sd := range seeds {
			tag, err := s.pool.Exec(ctx, query, seedRow(sd)...)
			if err != nil {
				return inserted, fmt.Errorf("insert seed %s: %w", sd.URL, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return inserted, nil
	}

	b := &builder{}
	rows := make([][]any, len(seeds))
	for i, sd := range seeds {
		rows[i] = seedRow(sd)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT v.* FROM (VALUES %s) AS v(%s) "+
			"WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE t.url = v.url)",
		set.Seeds, seedColumns, b.valuesRows(rows, seedCasts), seedColumns, set.Seeds,
	)
	tag, err := s.pool.Exec(ctx, query, b.args...)
	if err != nil {
		return 0, fmt.Errorf("insert seeds: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpdateSeed applies a patch and stamps updated_at.
func (s *RecordStore) UpdateSeed(ctx context.Context, platform crawl.Platform, id string, patch crawl.SeedPatch) error {
	set, err := s.tablesFor(platform)
	if err != nil {
		return err
	}

	b := &builder{}
	sets := []string{}
	if patch.Status != nil {
		sets = append(sets, "status = "+b.bind(nullStatus(*patch.Status)))
	}
	if patch.Owner != nil {
		sets = append(sets, "extension_id = "+b.bind(nullIfEmpty(*patch.Owner)))
	}
	if patch.Processed != nil {
		sets = append(sets, "processed_at = "+b.bind(*patch.Processed))
	}
	if patch.ClearProcessed {
		sets = append(sets, "processed_at = NULL")
	}
	if patch.ProcessedCountDelta != 0 {
		sets = append(sets, "processed_count = processed_count + "+b.bind(patch.ProcessedCountDelta))
	}
	sets = append(sets, "updated_at = "+b.bind(time.Now().UTC()))

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", set.Seeds, strings.Join(sets, ", "), b.bind(id))
	tag, err := s.pool.Exec(ctx, query, b.args...)
	if err != nil {
		return fmt.Errorf("update seed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// SeedStats counts seed units grouped by status.
func (s *RecordStore) SeedStats(ctx context.Context, platform crawl.Platform) ([]crawl.StatusCount, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return nil, err
	}
	if set.Seeds == "" {
		return nil, nil
	}
	return s.statusCounts(ctx, set.Seeds)
}

func dedupSeeds(seeds []crawl.SeedUnit) []crawl.SeedUnit {
	seen := make(map[string]struct{}, len(seeds))
	out := seeds[:0:0]
	for _, sd := range seeds {
		if _, dup := seen[sd.URL]; dup {
			continue
		}
		seen[sd.URL] = struct{}{}
		out = append(out, sd)
	}
	return out
}

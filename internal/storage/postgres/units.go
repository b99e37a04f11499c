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

const unitColumns = "id, url, account_id, crawl_depth, source_type, parent_account_id, " +
	"status, extension_id, processed_count, created_at, updated_at, processed_at"

var unitCasts = []string{
	"text", "text", "text", "int", "text", "text",
	"text", "text", "int", "timestamptz", "timestamptz", "timestamptz",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func unitRow(u crawl.DiscoveryUnit) []any {
	return []any{
		u.ID,
		u.URL,
		u.NaturalKey,
		u.Depth,
		nullIfEmpty(string(u.SourceType)),
		nullIfEmpty(u.ParentKey),
		nullStatus(u.Status),
		nullIfEmpty(u.Owner),
		u.ProcessedCount,
		u.Created,
		u.Updated,
		u.Processed,
	}
}

func scanUnit(row rowScanner) (crawl.DiscoveryUnit, error) {
	var (
		u      crawl.DiscoveryUnit
		source *string
		parent *string
		status *string
		owner  *string
	)
	err := row.Scan(
		&u.ID,
		&u.URL,
		&u.NaturalKey,
		&u.Depth,
		&source,
		&parent,
		&status,
		&owner,
		&u.ProcessedCount,
		&u.Created,
		&u.Updated,
		&u.Processed,
	)
	if err != nil {
		return crawl.DiscoveryUnit{}, err
	}
	u.SourceType = crawl.SourceType(deref(source))
	u.ParentKey = deref(parent)
	u.Status = crawl.Status(deref(status))
	u.Owner = deref(owner)
	return u, nil
}

// QueryUnits compiles q into a bound-parameter SELECT and returns the
// matching units.
func (s *RecordStore) QueryUnits(ctx context.Context, platform crawl.Platform, q crawl.UnitQuery) ([]crawl.DiscoveryUnit, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return nil, err
	}

	b := &builder{}
	if q.ClaimableBy != "" {
		b.whereClaimable(q.ClaimableBy, q.IncludeTerminalRetries)
	}
	b.whereStatuses(q.Statuses, q.IncludeUnset)
	if q.ParentKey != "" {
		b.where("parent_account_id = %s", q.ParentKey)
	}
	if q.SourceType != "" {
		b.where("source_type = %s", string(q.SourceType))
	}
	if len(q.NaturalKeys) > 0 {
		b.whereIn("account_id", q.NaturalKeys)
	}
	order := " ORDER BY created_at ASC"
	if q.LeaseOrder {
		order = " ORDER BY crawl_depth ASC, " + statusTierCase + " ASC, created_at ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM %s", unitColumns, set.Units) + b.clause() + order + b.limit(q.Limit)

	rows, err := s.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()

	var units []crawl.DiscoveryUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit row: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read unit rows: %w", err)
	}
	return units, nil
}

// GetUnit fetches a unit by id.
func (s *RecordStore) GetUnit(ctx context.Context, platform crawl.Platform, id string) (crawl.DiscoveryUnit, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return crawl.DiscoveryUnit{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", unitColumns, set.Units)
	u, err := scanUnit(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.DiscoveryUnit{}, crawl.ErrNotFound
		}
		return crawl.DiscoveryUnit{}, fmt.Errorf("get unit: %w", err)
	}
	return u, nil
}

// InsertUnitsIfNotExists inserts units whose account id is not yet present
// and reports how many rows landed. Small batches run as per-row
// conditional inserts; larger ones compile to one VALUES-table statement.
func (s *RecordStore) InsertUnitsIfNotExists(ctx context.Context, platform crawl.Platform, units []crawl.DiscoveryUnit) (int, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return 0, err
	}
	units = dedupUnits(units)
	if len(units) == 0 {
		return 0, nil
	}

	if len(units) <= smallBatchLimit {
		query := fmt.Sprintf(
			"INSERT INTO %s (%s) SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12 "+
				"WHERE NOT EXISTS (SELECT 1 FROM %s WHERE account_id = $3)",
			set.Units, unitColumns, set.Units,
		)
		inserted := 0
		for _, u := range units {
			tag, err := s.pool.Exec(ctx, query, unitRow(u)...)
			if err != nil {
				return inserted, fmt.Errorf("insert unit %s: %w", u.NaturalKey, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return inserted, nil
	}

	b := &builder{}
	rows := make([][]any, len(units))
	for i, u := range units {
		rows[i] = unitRow(u)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT v.* FROM (VALUES %s) AS v(%s) "+
			"WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE t.account_id = v.account_id)",
		set.Units, unitColumns, b.valuesRows(rows, unitCasts), unitColumns, set.Units,
	)
	tag, err := s.pool.Exec(ctx, query, b.args...)
	if err != nil {
		return 0, fmt.Errorf("insert units: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpdateUnit applies a patch and stamps updated_at. Missing rows report
// crawl.ErrNotFound.
func (s *RecordStore) UpdateUnit(ctx context.Context, platform crawl.Platform, id string, patch crawl.UnitPatch) error {
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

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", set.Units, strings.Join(sets, ", "), b.bind(id))
	tag, err := s.pool.Exec(ctx, query, b.args...)
	if err != nil {
		return fmt.Errorf("update unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// UnitStats counts units grouped by status and depth.
func (s *RecordStore) UnitStats(ctx context.Context, platform crawl.Platform) ([]crawl.StatusCount, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT status, crawl_depth, COUNT(*) FROM %s GROUP BY status, crawl_depth ORDER BY crawl_depth ASC, status ASC",
		set.Units,
	)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("unit stats: %w", err)
	}
	defer rows.Close()

	var out []crawl.StatusCount
	for rows.Next() {
		var (
			status *string
			depth  int
			count  int64
		)
		if err := rows.Scan(&status, &depth, &count); err != nil {
			return nil, fmt.Errorf("scan unit stats row: %w", err)
		}
		d := depth
		out = append(out, crawl.StatusCount{Status: crawl.Status(deref(status)), Depth: &d, Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read unit stats rows: %w", err)
	}
	return out, nil
}

// dedupUnits drops in-batch duplicates by account id so the single-statement
// path cannot insert one key twice.
func dedupUnits(units []crawl.DiscoveryUnit) []crawl.DiscoveryUnit {
	seen := make(map[string]struct{}, len(units))
	out := units[:0:0]
	for _, u := range units {
		if _, dup := seen[u.NaturalKey]; dup {
			continue
		}
		seen[u.NaturalKey] = struct{}{}
		out = append(out, u)
	}
	return out
}

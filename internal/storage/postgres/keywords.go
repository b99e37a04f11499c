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

const keywordColumns = "id, keyword, current_start, status, extension_id, created_at, updated_at, processed_at"

var keywordCasts = []string{"text", "text", "int", "text", "text", "timestamptz", "timestamptz", "timestamptz"}

func keywordRow(k crawl.Keyword) []any {
	return []any{
		k.ID,
		k.Keyword,
		k.Cursor,
		nullStatus(k.Status),
		nullIfEmpty(k.Owner),
		k.Created,
		k.Updated,
		k.Processed,
	}
}

func scanKeyword(row rowScanner) (crawl.Keyword, error) {
	var (
		k      crawl.Keyword
		status *string
		owner  *string
	)
	err := row.Scan(
		&k.ID,
		&k.Keyword,
		&k.Cursor,
		&status,
		&owner,
		&k.Created,
		&k.Updated,
		&k.Processed,
	)
	if err != nil {
		return crawl.Keyword{}, err
	}
	k.Status = crawl.Status(deref(status))
	k.Owner = deref(owner)
	return k, nil
}

// QueryKeywords compiles q into a bound-parameter SELECT. Keywords carry no
// depth, so lease order is status tier then created_at.
func (s *RecordStore) QueryKeywords(ctx context.Context, platform crawl.Platform, q crawl.KeywordQuery) ([]crawl.Keyword, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return nil, err
	}
	if set.Keywords == "" {
		return nil, fmt.Errorf("platform %s has no keywords table", platform)
	}

	b := &builder{}
	if q.ClaimableBy != "" {
		b.whereClaimable(q.ClaimableBy, q.IncludeTerminalRetries)
	}
	b.whereStatuses(q.Statuses, q.IncludeUnset)
	if len(q.Keywords) > 0 {
		b.whereIn("keyword", q.Keywords)
	}
	order := " ORDER BY created_at ASC"
	if q.LeaseOrder {
		order = " ORDER BY " + statusTierCase + " ASC, created_at ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM %s", keywordColumns, set.Keywords) + b.clause() + order + b.limit(q.Limit)

	rows, err := s.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer rows.Close()

	var keywords []crawl.Keyword
	for rows.Next() {
		k, err := scanKeyword(rows)
		if err != nil {
			return nil, fmt.Errorf("scan keyword row: %w", err)
		}
		keywords = append(keywords, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read keyword rows: %w", err)
	}
	return keywords, nil
}

// GetKeyword fetches a keyword by id.
func (s *RecordStore) GetKeyword(ctx context.Context, platform crawl.Platform, id string) (crawl.Keyword, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return crawl.Keyword{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", keywordColumns, set.Keywords)
	k, err := scanKeyword(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Keyword{}, crawl.ErrNotFound
		}
		return crawl.Keyword{}, fmt.Errorf("get keyword: %w", err)
	}
	return k, nil
}

// InsertKeywordsIfNotExists inserts keywords whose text is not yet present.
func (s *RecordStore) InsertKeywordsIfNotExists(ctx context.Context, platform crawl.Platform, keywords []crawl.Keyword) (int, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return 0, err
	}
	keywords = dedupKeywords(keywords)
	if len(keywords) == 0 {
		return 0, nil
	}

	if len(keywords) <= smallBatchLimit {
		query := fmt.Sprintf(
			"INSERT INTO %s (%s) SELECT $1, $2, $3, $4, $5, $6, $7, $8 "+
				"WHERE NOT EXISTS (SELECT 1 FROM %s WHERE keyword = $2)",
			set.Keywords, keywordColumns, set.Keywords,
		)
		inserted := 0
		for _, k := range keywords {
			tag, err := s.pool.Exec(ctx, query, keywordRow(k)...)
			if err != nil {
				return inserted, fmt.Errorf("insert keyword %q: %w", k.Keyword, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return inserted, nil
	}

	b := &builder{}
	rows := make([][]any, len(keywords))
	for i, k := range keywords {
		rows[i] = keywordRow(k)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT v.* FROM (VALUES %s) AS v(%s) "+
			"WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE t.keyword = v.keyword)",
		set.Keywords, keywordColumns, b.valuesRows(rows, keywordCasts), keywordColumns, set.Keywords,
	)
	tag, err := s.pool.Exec(ctx, query, b.args...)
	if err != nil {
		return 0, fmt.Errorf("insert keywords: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpdateKeyword applies a patch and stamps updated_at.
func (s *RecordStore) UpdateKeyword(ctx context.Context, platform crawl.Platform, id string, patch crawl.KeywordPatch) error {
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
	if patch.Cursor != nil {
		sets = append(sets, "current_start = "+b.bind(*patch.Cursor))
	}
	sets = append(sets, "updated_at = "+b.bind(time.Now().UTC()))

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", set.Keywords, strings.Join(sets, ", "), b.bind(id))
	tag, err := s.pool.Exec(ctx, query, b.args...)
	if err != nil {
		return fmt.Errorf("update keyword: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// KeywordStats counts keywords grouped by status.
func (s *RecordStore) KeywordStats(ctx context.Context, platform crawl.Platform) ([]crawl.StatusCount, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return nil, err
	}
	if set.Keywords == "" {
		return nil, nil
	}
	return s.statusCounts(ctx, set.Keywords)
}

func dedupKeywords(keywords []crawl.Keyword) []crawl.Keyword {
	seen := make(map[string]struct{}, len(keywords))
	out := keywords[:0:0]
	for _, k := range keywords {
		if _, dup := seen[k.Keyword]; dup {
			continue
		}
		seen[k.Keyword] = struct{}{}
		out = append(out, k)
	}
	return out
}

// statusCounts runs the status-only grouping shared by keywords and seeds.
func (s *RecordStore) statusCounts(ctx context.Context, table string) ([]crawl.StatusCount, error) {
	query := fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status ORDER BY status ASC", table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	var out []crawl.StatusCount
	for rows.Next() {
		var (
			status *string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count row: %w", err)
		}
		out = append(out, crawl.StatusCount{Status: crawl.Status(deref(status)), Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read status count rows: %w", err)
	}
	return out, nil
}

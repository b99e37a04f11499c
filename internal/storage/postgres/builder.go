package postgres

import (
	"fmt"
	"strings"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

// builder assembles WHERE clauses with bound parameters. Statement shape
// (identifiers, operators, the status-tier CASE) lives in code; every value
// travels as a placeholder.
type builder struct {
	conds []string
	args  []any
}

// bind registers a value and returns its placeholder.
func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// where appends a condition whose %s verbs are filled with placeholders for
// vals, in order.
func (b *builder) where(expr string, vals ...any) {
	ph := make([]any, len(vals))
	for i, v := range vals {
		ph[i] = b.bind(v)
	}
	b.conds = append(b.conds, fmt.Sprintf(expr, ph...))
}

// whereIn appends an IN condition over bound values.
func (b *builder) whereIn(column string, vals []string) {
	ph := make([]string, len(vals))
	for i, v := range vals {
		ph[i] = b.bind(v)
	}
	b.conds = append(b.conds, fmt.Sprintf("%s IN (%s)", column, strings.Join(ph, ", ")))
}

// clause renders the accumulated conditions, or "" when there are none.
func (b *builder) clause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

const statusUnset = "(status IS NULL OR status = '')"

// statusTierCase orders rows by lease priority; it mirrors
// crawl.StatusTier.
const statusTierCase = "CASE status" +
	" WHEN 'processing' THEN 0" +
	" WHEN 'failed' THEN 1" +
	" WHEN 'skipped' THEN 2" +
	" ELSE 3 END"

// whereClaimable appends the lease predicate: pending or unset rows, the
// claimer's own processing rows, and optionally requeue-eligible terminal
// rows.
func (b *builder) whereClaimable(claimer string, includeRetries bool) {
	parts := []string{
		fmt.Sprintf("status = %s", b.bind(crawl.StatusPending)),
		statusUnset,
		fmt.Sprintf("(status = %s AND extension_id = %s)", b.bind(crawl.StatusProcessing), b.bind(claimer)),
	}
	if includeRetries {
		parts = append(parts, fmt.Sprintf("status IN (%s, %s)", b.bind(crawl.StatusFailed), b.bind(crawl.StatusSkipped)))
	}
	b.conds = append(b.conds, "("+strings.Join(parts, " OR ")+")")
}

// whereStatuses appends the status filter, folding in unset rows when
// requested.
func (b *builder) whereStatuses(statuses []crawl.Status, includeUnset bool) {
	if len(statuses) == 0 && !includeUnset {
		return
	}
	parts := []string{}
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, st := range statuses {
			ph[i] = b.bind(st)
		}
		parts = append(parts, fmt.Sprintf("status IN (%s)", strings.Join(ph, ", ")))
	}
	if includeUnset {
		parts = append(parts, statusUnset)
	}
	b.conds = append(b.conds, "("+strings.Join(parts, " OR ")+")")
}

// limit renders a bound LIMIT, or "" when n is not positive.
func (b *builder) limit(n int) string {
	if n <= 0 {
		return ""
	}
	return " LIMIT " + b.bind(n)
}

// valuesRows renders a VALUES list of width columns starting after the
// already-bound args, casting the first row with the given column types so
// Postgres can infer the rest.
func (b *builder) valuesRows(rows [][]any, casts []string) string {
	out := make([]string, len(rows))
	for i, row := range rows {
		ph := make([]string, len(row))
		for j, v := range row {
			ph[j] = b.bind(v)
			if i == 0 && casts[j] != "" {
				ph[j] += "::" + casts[j]
			}
		}
		out[i] = "(" + strings.Join(ph, ", ") + ")"
	}
	return strings.Join(out, ", ")
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

const profileColumns = "id, account_id, url, name, headline, about, location, " +
	"experiences, educations, skills, posts, relations, extension_id, payload_hash, created_at, updated_at"

var profileCasts = []string{
	"text", "text", "text", "text", "text", "text", "text",
	"jsonb", "jsonb", "jsonb", "jsonb", "jsonb", "text", "text", "timestamptz", "timestamptz",
}

func profileRow(p crawl.Profile) ([]any, error) {
	experiences, err := json.Marshal(p.Experiences)
	if err != nil {
		return nil, fmt.Errorf("marshal experiences: %w", err)
	}
	educations, err := json.Marshal(p.Educations)
	if err != nil {
		return nil, fmt.Errorf("marshal educations: %w", err)
	}
	skills, err := json.Marshal(p.Skills)
	if err != nil {
		return nil, fmt.Errorf("marshal skills: %w", err)
	}
	posts, err := json.Marshal(p.Posts)
	if err != nil {
		return nil, fmt.Errorf("marshal posts: %w", err)
	}
	relations, err := json.Marshal(p.Relations)
	if err != nil {
		return nil, fmt.Errorf("marshal relations: %w", err)
	}
	return []any{
		p.ID,
		p.AccountID,
		nullIfEmpty(p.URL),
		nullIfEmpty(p.Name),
		nullIfEmpty(p.Headline),
		nullIfEmpty(p.About),
		nullIfEmpty(p.Location),
		experiences,
		educations,
		skills,
		posts,
		relations,
		nullIfEmpty(p.ExtensionID),
		nullIfEmpty(p.PayloadHash),
		p.Created,
		p.Updated,
	}, nil
}

func unmarshalList[T any](data []byte, dest *[]T) error {
	*dest = []T{}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func scanProfile(row rowScanner) (crawl.Profile, error) {
	var (
		p           crawl.Profile
		url         *string
		name        *string
		headline    *string
		about       *string
		location    *string
		experiences []byte
		educations  []byte
		skills      []byte
		posts       []byte
		relations   []byte
		extension   *string
		payloadHash *string
	)
	err := row.Scan(
		&p.ID,
		&p.AccountID,
		&url,
		&name,
		&headline,
		&about,
		&location,
		&experiences,
		&educations,
		&skills,
		&posts,
		&relations,
		&extension,
		&payloadHash,
		&p.Created,
		&p.Updated,
	)
	if err != nil {
		return crawl.Profile{}, err
	}
	p.URL = deref(url)
	p.Name = deref(name)
	p.Headline = deref(headline)
	p.About = deref(about)
	p.Location = deref(location)
	p.ExtensionID = deref(extension)
	p.PayloadHash = deref(payloadHash)
	if err := unmarshalList(experiences, &p.Experiences); err != nil {
		return crawl.Profile{}, fmt.Errorf("decode experiences: %w", err)
	}
	if err := unmarshalList(educations, &p.Educations); err != nil {
		return crawl.Profile{}, fmt.Errorf("decode educations: %w", err)
	}
	if err := unmarshalList(skills, &p.Skills); err != nil {
		return crawl.Profile{}, fmt.Errorf("decode skills: %w", err)
	}
	if err := unmarshalList(posts, &p.Posts); err != nil {
		return crawl.Profile{}, fmt.Errorf("decode posts: %w", err)
	}
	if err := unmarshalList(relations, &p.Relations); err != nil {
		return crawl.Profile{}, fmt.Errorf("decode relations: %w", err)
	}
	return p, nil
}

// QueryProfiles returns profiles matching q, ordered by account id.
func (s *RecordStore) QueryProfiles(ctx context.Context, platform crawl.Platform, q crawl.ProfileQuery) ([]crawl.Profile, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return nil, err
	}

	b := &builder{}
	if len(q.AccountIDs) > 0 {
		b.whereIn("account_id", q.AccountIDs)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", profileColumns, set.Profiles) +
		b.clause() + " ORDER BY account_id ASC" + b.limit(q.Limit)

	rows, err := s.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []crawl.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read profile rows: %w", err)
	}
	return profiles, nil
}

// GetProfile fetches a profile by account id. Should application-level
// dedup ever have let a key in twice, the freshest row wins.
func (s *RecordStore) GetProfile(ctx context.Context, platform crawl.Platform, accountID string) (crawl.Profile, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return crawl.Profile{}, err
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE account_id = $1 ORDER BY updated_at DESC LIMIT 1",
		profileColumns, set.Profiles,
	)
	p, err := scanProfile(s.pool.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Profile{}, crawl.ErrNotFound
		}
		return crawl.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// UpsertProfiles merges profiles on account id and returns the rows
// affected. Small batches run as UPDATE-then-INSERT pairs; larger ones
// compile to a single MERGE statement.
func (s *RecordStore) UpsertProfiles(ctx context.Context, platform crawl.Platform, profiles []crawl.Profile) (int, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return 0, err
	}
	profiles = dedupProfiles(profiles)
	if len(profiles) == 0 {
		return 0, nil
	}

	if len(profiles) <= smallBatchLimit {
		return s.upsertProfilesRowwise(ctx, set.Profiles, profiles)
	}
	return s.mergeProfiles(ctx, set.Profiles, profiles)
}

func (s *RecordStore) upsertProfilesRowwise(ctx context.Context, table string, profiles []crawl.Profile) (int, error) {
	update := fmt.Sprintf(
		"UPDATE %s SET url = $2, name = $3, headline = $4, about = $5, location = $6, "+
			"experiences = $7, educations = $8, skills = $9, posts = $10, relations = $11, "+
			"extension_id = $12, payload_hash = $13, updated_at = $14 WHERE account_id = $1",
		table,
	)
	insert := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16 "+
			"WHERE NOT EXISTS (SELECT 1 FROM %s WHERE account_id = $2)",
		table, profileColumns, table,
	)

	affected := 0
	for _, p := range profiles {
		row, err := profileRow(p)
		if err != nil {
			return affected, err
		}
		// row layout: id, account_id, url, ..., created_at, updated_at
		updateArgs := append([]any{row[1]}, row[2:14]...)
		updateArgs = append(updateArgs, row[15])
		tag, err := s.pool.Exec(ctx, update, updateArgs...)
		if err != nil {
			return affected, fmt.Errorf("update profile %s: %w", p.AccountID, err)
		}
		if tag.RowsAffected() > 0 {
			affected += int(tag.RowsAffected())
			continue
		}
		tag, err = s.pool.Exec(ctx, insert, row...)
		if err != nil {
			return affected, fmt.Errorf("insert profile %s: %w", p.AccountID, err)
		}
		affected += int(tag.RowsAffected())
	}
	return affected, nil
}

func (s *RecordStore) mergeProfiles(ctx context.Context, table string, profiles []crawl.Profile) (int, error) {
	b := &builder{}
	rows := make([][]any, len(profiles))
	for i, p := range profiles {
		row, err := profileRow(p)
		if err != nil {
			return 0, err
		}
		rows[i] = row
	}
	query := fmt.Sprintf(
		"MERGE INTO %s AS t USING (VALUES %s) AS v(%s) ON t.account_id = v.account_id "+
			"WHEN MATCHED THEN UPDATE SET url = v.url, name = v.name, headline = v.headline, "+
			"about = v.about, location = v.location, experiences = v.experiences, "+
			"educations = v.educations, skills = v.skills, posts = v.posts, relations = v.relations, "+
			"extension_id = v.extension_id, payload_hash = v.payload_hash, updated_at = v.updated_at "+
			"WHEN NOT MATCHED THEN INSERT (%s) VALUES (v.id, v.account_id, v.url, v.name, v.headline, "+
			"v.about, v.location, v.experiences, v.educations, v.skills, v.posts, v.relations, "+
			"v.extension_id, v.payload_hash, v.created_at, v.updated_at)",
		table, b.valuesRows(rows, profileCasts), profileColumns, profileColumns,
	)
	tag, err := s.pool.Exec(ctx, query, b.args...)
	if err != nil {
		return 0, fmt.Errorf("merge profiles: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountProfiles returns the number of stored profiles.
func (s *RecordStore) CountProfiles(ctx context.Context, platform crawl.Platform) (int64, error) {
	set, err := s.tablesFor(platform)
	if err != nil {
		return 0, err
	}
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", set.Profiles)
	if err := s.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count profiles: %w", err)
	}
	return count, nil
}

// dedupProfiles keeps the last payload per account id so MERGE never sees
// one key twice.
func dedupProfiles(profiles []crawl.Profile) []crawl.Profile {
	index := make(map[string]int, len(profiles))
	out := profiles[:0:0]
	for _, p := range profiles {
		if i, dup := index[p.AccountID]; dup {
			out[i] = p
			continue
		}
		index[p.AccountID] = len(out)
		out = append(out, p)
	}
	return out
}

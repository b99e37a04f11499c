// Package postgres provides the Postgres-backed record store. Natural-key
// uniqueness is enforced here at the application layer (conditional inserts
// and merge-on-key), never by table constraints, and every statement binds
// its parameters; identifiers are validated, values are never interpolated.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Batches at or under this size run as per-row conditional statements;
// larger batches compile to a single VALUES-table statement.
const smallBatchLimit = 10

// Config controls the Postgres connection pool and the per-platform table
// layout.
type Config struct {
	DSN             string
	Tables          map[crawl.Platform]crawl.TableSet
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// RecordStore implements crawl.RecordStore on Postgres.
type RecordStore struct {
	pool   pgxPool
	tables map[crawl.Platform]crawl.TableSet
}

// NewRecordStore connects a pool using cfg and validates the table layout.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	if err := validateTables(cfg.Tables); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, tables: cfg.Tables}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewRecordStoreWithPool(pool pgxPool, tables map[crawl.Platform]crawl.TableSet) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if err := validateTables(tables); err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, tables: tables}, nil
}

// Ping checks store connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *RecordStore) tablesFor(platform crawl.Platform) (crawl.TableSet, error) {
	set, ok := s.tables[platform]
	if !ok {
		return crawl.TableSet{}, fmt.Errorf("no tables configured for platform %s", platform)
	}
	return set, nil
}

func validateTables(tables map[crawl.Platform]crawl.TableSet) error {
	if len(tables) == 0 {
		return fmt.Errorf("store.tables is required")
	}
	for platform, set := range tables {
		for _, name := range []string{set.Units, set.Keywords, set.Seeds, set.Profiles} {
			if name == "" {
				continue
			}
			if !validTableName.MatchString(name) {
				return fmt.Errorf("invalid table name %q for platform %s", name, platform)
			}
		}
		if set.Units == "" || set.Profiles == "" {
			return fmt.Errorf("platform %s needs units and profiles tables", platform)
		}
	}
	return nil
}

// nullIfEmpty maps "" to SQL NULL so unset text columns stay NULL.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStatus(s crawl.Status) any {
	return nullIfEmpty(string(s))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

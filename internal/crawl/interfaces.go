package crawl

import (
	"context"
	"time"
)

// UnitStore persists discovery units. InsertUnitsIfNotExists skips rows
// whose natural key already exists and returns the number actually
// inserted; uniqueness lives here, at the application layer, not in a store
// constraint.
type UnitStore interface {
	QueryUnits(ctx context.Context, platform Platform, q UnitQuery) ([]DiscoveryUnit, error)
	GetUnit(ctx context.Context, platform Platform, id string) (DiscoveryUnit, error)
	InsertUnitsIfNotExists(ctx context.Context, platform Platform, units []DiscoveryUnit) (int, error)
	UpdateUnit(ctx context.Context, platform Platform, id string, patch UnitPatch) error
	UnitStats(ctx context.Context, platform Platform) ([]StatusCount, error)
}

// KeywordStore persists search keywords, deduplicated on keyword text.
type KeywordStore interface {
	QueryKeywords(ctx context.Context, platform Platform, q KeywordQuery) ([]Keyword, error)
	GetKeyword(ctx context.Context, platform Platform, id string) (Keyword, error)
	InsertKeywordsIfNotExists(ctx context.Context, platform Platform, keywords []Keyword) (int, error)
	UpdateKeyword(ctx context.Context, platform Platform, id string, patch KeywordPatch) error
	KeywordStats(ctx context.Context, platform Platform) ([]StatusCount, error)
}

// SeedStore persists seed units, deduplicated on URL.
type SeedStore interface {
	QuerySeeds(ctx context.Context, platform Platform, q SeedQuery) ([]SeedUnit, error)
	GetSeed(ctx context.Context, platform Platform, id string) (SeedUnit, error)
	InsertSeedsIfNotExists(ctx context.Context, platform Platform, seeds []SeedUnit) (int, error)
	UpdateSeed(ctx context.Context, platform Platform, id string, patch SeedPatch) error
	SeedStats(ctx context.Context, platform Platform) ([]StatusCount, error)
}

// ProfileStore persists scraped profiles. UpsertProfiles merges on
// AccountID (matched rows updated, unmatched inserted) and returns the
// number of rows affected.
type ProfileStore interface {
	QueryProfiles(ctx context.Context, platform Platform, q ProfileQuery) ([]Profile, error)
	GetProfile(ctx context.Context, platform Platform, accountID string) (Profile, error)
	UpsertProfiles(ctx context.Context, platform Platform, profiles []Profile) (int, error)
	CountProfiles(ctx context.Context, platform Platform) (int64, error)
}

// RecordStore is the full persistence surface the coordinator runs against.
// The store serializes individual statements; it offers no cross-statement
// transactions, so multi-step flows are best-effort and rely on idempotent
// writes.
type RecordStore interface {
	UnitStore
	KeywordStore
	SeedStore
	ProfileStore
	Ping(ctx context.Context) error
	Close()
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes domain events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// SearchResult is one page of profile URLs from a search provider.
type SearchResult struct {
	URLs       []string
	NextCursor int
	Exhausted  bool
}

// Searcher runs one page of a keyword search against an external provider.
type Searcher interface {
	Search(ctx context.Context, platform Platform, keyword string, cursor int) (SearchResult, error)
}

// Enricher fetches full profile details from an external provider. The
// payload is returned raw; normalization happens in the transform layer.
type Enricher interface {
	FetchProfile(ctx context.Context, platform Platform, accountID string) (map[string]any, error)
}

// Reporter delivers operator error reports.
type Reporter interface {
	ReportError(ctx context.Context, platform Platform, operation string, cause error) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

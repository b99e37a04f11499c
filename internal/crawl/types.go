package crawl

import (
	"time"
)

// Status represents the lifecycle state of a queued unit.
type Status string

// Status values persisted in the record store. The empty string marks rows
// created before the status column existed; it is treated as pending.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// ParseStatus validates a client-supplied status value.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusSkipped:
		return Status(s), nil
	default:
		return "", &ValidationError{Field: "status", Reason: "unknown status " + s}
	}
}

// StatusTier orders statuses for lease priority: own in-flight work first,
// then requeue-eligible failures, then fresh work. Lower sorts earlier.
func StatusTier(s Status) int {
	switch s {
	case StatusProcessing:
		return 0
	case StatusFailed:
		return 1
	case StatusSkipped:
		return 2
	default:
		return 3
	}
}

// SourceType records how a discovery unit entered the queue.
type SourceType string

// Source types persisted on discovery units.
const (
	SourceSeed    SourceType = "seed"
	SourceDerived SourceType = "derived"
)

// DiscoveryUnit is one URL of crawl work tracked through the status
// lifecycle. NaturalKey is the platform account id derived from the URL and
// is the dedup key; ParentKey links a derived unit to the profile whose
// relations produced it.
type DiscoveryUnit struct {
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	NaturalKey     string     `json:"account_id"`
	Depth          int        `json:"crawl_depth"`
	SourceType     SourceType `json:"source_type"`
	ParentKey      string     `json:"parent_account_id,omitempty"`
	Status         Status     `json:"status"`
	Owner          string     `json:"extension_id,omitempty"`
	ProcessedCount int        `json:"processed_count"`
	Created        time.Time  `json:"created_at"`
	Updated        time.Time  `json:"updated_at"`
	Processed      *time.Time `json:"processed_at,omitempty"`
}

// Keyword is a search-term discovery unit. Cursor persists the paging
// offset so a resuming worker continues from the last position instead of
// re-fetching earlier result pages.
type Keyword struct {
	ID        string     `json:"id"`
	Keyword   string     `json:"keyword"`
	Cursor    int        `json:"current_start"`
	Status    Status     `json:"status"`
	Owner     string     `json:"extension_id,omitempty"`
	Created   time.Time  `json:"created_at"`
	Updated   time.Time  `json:"updated_at"`
	Processed *time.Time `json:"processed_at,omitempty"`
}

// SeedUnit is a top-level entry page (for example a followers list) that
// expands into child discovery units, budgeted by MaxChildren.
type SeedUnit struct {
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	AccountID      string     `json:"account_id"`
	MaxChildren    int        `json:"max_profiles"`
	ProcessedCount int        `json:"processed_count"`
	Status         Status     `json:"status"`
	Owner          string     `json:"extension_id,omitempty"`
	Created        time.Time  `json:"created_at"`
	Updated        time.Time  `json:"updated_at"`
	Processed      *time.Time `json:"processed_at,omitempty"`
}

// RelationKind classifies how a related account was discovered.
type RelationKind string

// Relation kinds observed in scraped payloads.
const (
	RelationFriend     RelationKind = "friend"
	RelationFollower   RelationKind = "follower"
	RelationKeywordHit RelationKind = "keyword_hit"
)

// Relation is a reference from a profile to another account; relations are
// the input to frontier expansion.
type Relation struct {
	Kind      RelationKind `json:"kind"`
	AccountID string       `json:"account_id"`
	Name      string       `json:"name,omitempty"`
	URL       string       `json:"url,omitempty"`
}

// Experience is one position entry on a profile.
type Experience struct {
	Title       string `json:"title,omitempty"`
	Company     string `json:"company,omitempty"`
	Period      string `json:"period,omitempty"`
	Description string `json:"description,omitempty"`
}

// Education is one school entry on a profile.
type Education struct {
	School string `json:"school,omitempty"`
	Degree string `json:"degree,omitempty"`
	Field  string `json:"field,omitempty"`
	Period string `json:"period,omitempty"`
}

// Post is one activity entry on a profile.
type Post struct {
	Text   string `json:"text,omitempty"`
	URL    string `json:"url,omitempty"`
	Posted string `json:"posted,omitempty"`
}

// Profile is the canonical scraped record, upserted by AccountID. List
// fields are always present (empty, never null) after normalization.
type Profile struct {
	ID          string       `json:"id"`
	AccountID   string       `json:"account_id"`
	URL         string       `json:"url,omitempty"`
	Name        string       `json:"name,omitempty"`
	Headline    string       `json:"headline,omitempty"`
	About       string       `json:"about,omitempty"`
	Location    string       `json:"location,omitempty"`
	Experiences []Experience `json:"experiences"`
	Educations  []Education  `json:"educations"`
	Skills      []string     `json:"skills"`
	Posts       []Post       `json:"posts"`
	Relations   []Relation   `json:"relations"`
	ExtensionID string       `json:"extension_id,omitempty"`
	PayloadHash string       `json:"payload_hash,omitempty"`
	Created     time.Time    `json:"created_at"`
	Updated     time.Time    `json:"updated_at"`
}

// StatusCount is one row of a grouped stats aggregation. Depth is nil for
// entities that carry no depth (keywords, seeds).
type StatusCount struct {
	Status Status `json:"status"`
	Depth  *int   `json:"crawl_depth,omitempty"`
	Count  int64  `json:"count"`
}

// QueueStats summarizes a platform's queue for the stats endpoint.
type QueueStats struct {
	Platform Platform      `json:"platform"`
	Units    []StatusCount `json:"units"`
	Keywords []StatusCount `json:"keywords,omitempty"`
	Seeds    []StatusCount `json:"seeds,omitempty"`
	Profiles int64         `json:"profiles"`
}

// TableSet names the record store tables backing one platform.
type TableSet struct {
	Units    string `mapstructure:"units"`
	Keywords string `mapstructure:"keywords"`
	Seeds    string `mapstructure:"seeds"`
	Profiles string `mapstructure:"profiles"`
}

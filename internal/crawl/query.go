package crawl

import "time"

// UnitQuery filters and orders discovery unit reads. Zero values mean "no
// filter". ClaimableBy expresses the lease predicate: rows that are pending
// or unset, plus processing rows owned by the given id; terminal retry rows
// (failed, skipped) join the set only when IncludeTerminalRetries is set.
type UnitQuery struct {
	Statuses               []Status
	IncludeUnset           bool
	ClaimableBy            string
	IncludeTerminalRetries bool
	ParentKey              string
	NaturalKeys            []string
	SourceType             SourceType
	LeaseOrder             bool // depth asc, then StatusTier, then created_at asc
	Limit                  int
}

// KeywordQuery filters and orders keyword reads; see UnitQuery for the
// ClaimableBy semantics. Keywords carry no depth, so lease order is
// StatusTier then created_at.
type KeywordQuery struct {
	Statuses               []Status
	IncludeUnset           bool
	ClaimableBy            string
	IncludeTerminalRetries bool
	Keywords               []string
	LeaseOrder             bool
	Limit                  int
}

// SeedQuery filters and orders seed unit reads.
type SeedQuery struct {
	Statuses               []Status
	IncludeUnset           bool
	ClaimableBy            string
	IncludeTerminalRetries bool
	URLs                   []string
	AccountIDs             []string
	LeaseOrder             bool
	Limit                  int
}

// ProfileQuery filters profile reads.
type ProfileQuery struct {
	AccountIDs []string
	Limit      int
}

// UnitPatch is a partial update to a discovery unit. Nil pointers leave the
// field untouched; Owner set to the empty string clears ownership;
// ClearProcessed nulls the processed timestamp. Stores stamp updated_at on
// every patch.
type UnitPatch struct {
	Status              *Status
	Owner               *string
	Processed           *time.Time
	ClearProcessed      bool
	ProcessedCountDelta int
}

// KeywordPatch is a partial update to a keyword; Cursor persists the paging
// offset.
type KeywordPatch struct {
	Status         *Status
	Owner          *string
	Processed      *time.Time
	ClearProcessed bool
	Cursor         *int
}

// SeedPatch is a partial update to a seed unit.
type SeedPatch struct {
	Status              *Status
	Owner               *string
	Processed           *time.Time
	ClearProcessed      bool
	ProcessedCountDelta int
}

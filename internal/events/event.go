package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

// Kind denotes the type of crawl activity represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindUnitCreated      Kind = "UNIT_CREATED"
	KindUnitLeased       Kind = "UNIT_LEASED"
	KindUnitClaimed      Kind = "UNIT_CLAIMED"
	KindUnitCompleted    Kind = "UNIT_COMPLETED"
	KindUnitFailed       Kind = "UNIT_FAILED"
	KindUnitSkipped      Kind = "UNIT_SKIPPED"
	KindUnitReleased     Kind = "UNIT_RELEASED"
	KindProfileUpserted  Kind = "PROFILE_UPSERTED"
	KindProfileUnchanged Kind = "PROFILE_UNCHANGED"
	KindFrontierExpanded Kind = "FRONTIER_EXPANDED"
	KindKeywordSearched  Kind = "KEYWORD_SEARCHED"
	KindIngestFailed     Kind = "INGEST_FAILED"
	KindError            Kind = "ERROR"
)

// Event captures a single unit of crawl activity.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Platform scopes the event to a social network.
	Platform crawl.Platform `json:"platform"`
	// Kind denotes which lifecycle or ingest milestone occurred.
	Kind Kind `json:"kind"`
	// AccountID optionally names the account the event concerns.
	AccountID string `json:"account_id,omitempty"`
	// Extension identifies the extension instance that triggered the event.
	Extension string `json:"extension_id,omitempty"`
	// Depth is the crawl depth the event occurred at.
	Depth int `json:"depth,omitempty"`
	// Count carries the rows created, units leased, or URLs found.
	Count int64 `json:"count,omitempty"`
	// Dur captures execution latency where the emitter measured one.
	Dur time.Duration `json:"duration,omitempty"`
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string `json:"note,omitempty"`
	// Op names the API operation that produced an error event.
	Op string `json:"op,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if !e.Platform.Valid() {
		return fmt.Errorf("unknown platform %q", e.Platform)
	}
	switch e.Kind {
	case KindUnitCreated, KindUnitLeased, KindUnitClaimed, KindUnitCompleted,
		KindUnitFailed, KindUnitSkipped, KindUnitReleased, KindProfileUpserted,
		KindProfileUnchanged, KindFrontierExpanded, KindKeywordSearched,
		KindIngestFailed, KindError:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

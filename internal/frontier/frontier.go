// Package frontier derives the next generation of crawl work. Given a
// scraped profile and the depth it was found at, the engine turns each
// relation into a pending discovery unit at depth+1, bounded by the
// configured maximum depth. Expansion is a pure function: no store access,
// no id assignment, no side effects. Inserting the derived units (and
// deduplicating them against existing natural keys) is the coordinator's
// job.
package frontier

import (
	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

// DefaultMaxDepth bounds expansion hops from a seed unless configured
// otherwise.
const DefaultMaxDepth = 3

// Config wires an Engine.
type Config struct {
	// MaxDepth is the deepest unit the engine will emit; zero or negative
	// takes DefaultMaxDepth.
	MaxDepth int
	// Rules supplies the per-platform child URL shape.
	Rules map[crawl.Platform]crawl.PlatformRules
}

// Engine expands profiles into next-generation discovery units.
type Engine struct {
	maxDepth int
	rules    map[crawl.Platform]crawl.PlatformRules
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	depth := cfg.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	return &Engine{maxDepth: depth, rules: cfg.Rules}
}

// MaxDepth returns the configured expansion bound.
func (e *Engine) MaxDepth() int {
	return e.maxDepth
}

// Expand emits one pending unit per relation of the profile, at
// currentDepth+1. Past the depth bound it emits nothing; exceeding the
// bound is the expected end of a crawl, not an error. Relations without an
// account id are dropped, and duplicate account ids within one expansion
// collapse to the first occurrence. Emitted units carry no id or
// timestamps; the caller stamps them before insert.
func (e *Engine) Expand(platform crawl.Platform, profile crawl.Profile, currentDepth int) []crawl.DiscoveryUnit {
	next := currentDepth + 1
	if next > e.maxDepth {
		return nil
	}

	rules := e.rules[platform]
	seen := make(map[string]struct{}, len(profile.Relations))
	units := make([]crawl.DiscoveryUnit, 0, len(profile.Relations))
	for _, rel := range profile.Relations {
		if rel.AccountID == "" {
			continue
		}
		if _, dup := seen[rel.AccountID]; dup {
			continue
		}
		seen[rel.AccountID] = struct{}{}

		url := rel.URL
		if url == "" {
			url = rules.ProfileURL(rel.AccountID)
		}
		units = append(units, crawl.DiscoveryUnit{
			URL:        url,
			NaturalKey: rel.AccountID,
			Depth:      next,
			SourceType: crawl.SourceDerived,
			ParentKey:  profile.AccountID,
			Status:     crawl.StatusPending,
		})
	}
	return units
}

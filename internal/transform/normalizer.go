// Package transform normalizes the heterogeneous payloads posted by browser
// extensions into the canonical records persisted in the record store. It
// fills in ids and UTC timestamps, coerces missing or mistyped fields, and
// derives natural keys from platform URLs. Normalization is pure and
// idempotent: running a record through twice changes nothing.
package transform

import (
	"strings"
	"time"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

// Config wires a Normalizer. All fields are required; platform behavior is
// looked up in Rules, never in a global registry.
type Config struct {
	Rules map[crawl.Platform]crawl.PlatformRules
	Clock crawl.Clock
	IDs   crawl.IDGenerator
}

// Normalizer converts raw payload maps into canonical records.
type Normalizer struct {
	rules map[crawl.Platform]crawl.PlatformRules
	clock crawl.Clock
	ids   crawl.IDGenerator
}

// New creates a Normalizer from cfg.
func New(cfg Config) *Normalizer {
	return &Normalizer{rules: cfg.Rules, clock: cfg.Clock, ids: cfg.IDs}
}

// Profile normalizes a scraped profile payload. The account id is taken
// from the payload or derived from the profile URL; its absence is the only
// hard failure.
func (n *Normalizer) Profile(platform crawl.Platform, raw map[string]any) (crawl.Profile, error) {
	rules := n.rules[platform]

	p := crawl.Profile{
		AccountID:   asString(raw["account_id"]),
		URL:         asString(raw["url"]),
		Name:        asString(raw["name"]),
		Headline:    asString(raw["headline"]),
		About:       asString(raw["about"]),
		Location:    asString(raw["location"]),
		Skills:      asStringList(raw["skills"]),
		ExtensionID: asString(raw["extension_id"]),
		PayloadHash: asString(raw["payload_hash"]),
	}
	if p.AccountID == "" {
		p.AccountID = rules.AccountID(p.URL)
	}
	if p.AccountID == "" {
		return crawl.Profile{}, crawl.Validationf("account_id", "missing and not derivable from url %q", p.URL)
	}
	if p.URL == "" {
		p.URL = rules.ProfileURL(p.AccountID)
	}

	p.Experiences = asExperiences(raw["experiences"])
	p.Educations = asEducations(raw["educations"])
	p.Posts = asPosts(raw["posts"])
	p.Relations = n.relations(platform, raw)

	var err error
	if p.ID, err = n.fillID(raw["id"]); err != nil {
		return crawl.Profile{}, err
	}
	p.Created, p.Updated = n.fillTimes(raw["created_at"], raw["updated_at"])
	return p, nil
}

// Unit normalizes a discovery unit payload. Depth defaults to zero and the
// source type to seed at depth zero, derived otherwise.
func (n *Normalizer) Unit(platform crawl.Platform, raw map[string]any) (crawl.DiscoveryUnit, error) {
	rules := n.rules[platform]

	u := crawl.DiscoveryUnit{
		URL:        asString(raw["url"]),
		NaturalKey: asString(raw["account_id"]),
		Depth:      asInt(raw["crawl_depth"]),
		ParentKey:  asString(raw["parent_account_id"]),
	}
	if u.NaturalKey == "" {
		u.NaturalKey = rules.AccountID(u.URL)
	}
	if u.NaturalKey == "" {
		return crawl.DiscoveryUnit{}, crawl.Validationf("account_id", "missing and not derivable from url %q", u.URL)
	}
	if u.URL == "" {
		u.URL = rules.ProfileURL(u.NaturalKey)
	}
	if u.Depth < 0 {
		u.Depth = 0
	}

	switch st := crawl.SourceType(asString(raw["source_type"])); st {
	case crawl.SourceSeed, crawl.SourceDerived:
		u.SourceType = st
	default:
		if u.Depth == 0 {
			u.SourceType = crawl.SourceSeed
		} else {
			u.SourceType = crawl.SourceDerived
		}
	}

	if s, err := crawl.ParseStatus(asString(raw["status"])); err == nil {
		u.Status = s
	} else {
		u.Status = crawl.StatusPending
	}
	u.Owner = asString(raw["extension_id"])
	u.ProcessedCount = asInt(raw["processed_count"])

	var err error
	if u.ID, err = n.fillID(raw["id"]); err != nil {
		return crawl.DiscoveryUnit{}, err
	}
	u.Created, u.Updated = n.fillTimes(raw["created_at"], raw["updated_at"])
	if ts, ok := parseTime(raw["processed_at"]); ok {
		u.Processed = &ts
	}
	return u, nil
}

// Keyword normalizes a search keyword, applying the platform suffix exactly
// once. The cursor starts at zero.
func (n *Normalizer) Keyword(platform crawl.Platform, word string) (crawl.Keyword, error) {
	rules := n.rules[platform]

	word = strings.TrimSpace(word)
	if word == "" {
		return crawl.Keyword{}, crawl.Validationf("keyword", "empty")
	}
	if rules.KeywordSuffix != "" && !strings.HasSuffix(word, rules.KeywordSuffix) {
		word += rules.KeywordSuffix
	}

	k := crawl.Keyword{Keyword: word, Status: crawl.StatusPending}
	var err error
	if k.ID, err = n.fillID(nil); err != nil {
		return crawl.Keyword{}, err
	}
	k.Created, k.Updated = n.fillTimes(nil, nil)
	return k, nil
}

// Seed normalizes a seed unit. The URL is the natural key and must match
// the platform's seed shape; maxChildren zero takes the default budget.
func (n *Normalizer) Seed(platform crawl.Platform, url string, maxChildren int) (crawl.SeedUnit, error) {
	rules := n.rules[platform]

	url = strings.TrimSpace(url)
	if rules.SeedURLPattern == nil {
		return crawl.SeedUnit{}, crawl.Validationf("url", "platform %s does not take seeds", platform)
	}
	m := rules.SeedURLPattern.FindStringSubmatch(url)
	if m == nil {
		return crawl.SeedUnit{}, crawl.Validationf("url", "%q does not match the seed URL shape", url)
	}
	if maxChildren == 0 {
		maxChildren = DefaultMaxChildren
	}
	if maxChildren < 1 || maxChildren > MaxChildrenLimit {
		return crawl.SeedUnit{}, crawl.Validationf("max_profiles", "%d outside 1..%d", maxChildren, MaxChildrenLimit)
	}

	s := crawl.SeedUnit{
		URL:         strings.TrimSuffix(url, "/"),
		AccountID:   m[1],
		MaxChildren: maxChildren,
		Status:      crawl.StatusPending,
	}
	var err error
	if s.ID, err = n.fillID(nil); err != nil {
		return crawl.SeedUnit{}, err
	}
	s.Created, s.Updated = n.fillTimes(nil, nil)
	return s, nil
}

// Seed budget bounds mirrored by the HTTP surface.
const (
	DefaultMaxChildren = 100
	MaxChildrenLimit   = 1000
)

// relations folds the platform-specific relation shapes into one list.
func (n *Normalizer) relations(platform crawl.Platform, raw map[string]any) []crawl.Relation {
	rules := n.rules[platform]
	out := []crawl.Relation{}

	appendRel := func(kind crawl.RelationKind, v any) {
		for _, item := range asList(v) {
			rel := crawl.Relation{Kind: kind}
			switch t := item.(type) {
			case string:
				rel.AccountID = rules.AccountID(t)
				if rel.AccountID == "" {
					rel.AccountID = strings.TrimSpace(t)
				} else {
					rel.URL = t
				}
			case map[string]any:
				rel.AccountID = asString(t["account_id"])
				rel.Name = asString(t["name"])
				rel.URL = asString(t["url"])
				if k := crawl.RelationKind(asString(t["kind"])); k != "" {
					rel.Kind = k
				}
				if rel.AccountID == "" {
					rel.AccountID = rules.AccountID(rel.URL)
				}
			}
			if rel.AccountID != "" {
				out = append(out, rel)
			}
		}
	}

	appendRel(crawl.RelationFriend, raw["relations"])
	appendRel(crawl.RelationFriend, raw["friend_lists"])
	appendRel(crawl.RelationFollower, raw["followers"])
	appendRel(crawl.RelationKeywordHit, raw["keyword_hits"])
	return out
}

func (n *Normalizer) fillID(v any) (string, error) {
	if id := asString(v); id != "" {
		return id, nil
	}
	id, err := n.ids.NewID()
	if err != nil {
		return "", err
	}
	return id, nil
}

// fillTimes keeps payload timestamps when present so re-normalization never
// re-stamps a record.
func (n *Normalizer) fillTimes(created, updated any) (time.Time, time.Time) {
	now := n.clock.Now()
	c, ok := parseTime(created)
	if !ok {
		c = now
	}
	u, ok := parseTime(updated)
	if !ok {
		u = c
	}
	return c, u
}

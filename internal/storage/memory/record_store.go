package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

// RecordStore provides an in-memory crawl.RecordStore for development and
// testing. It mirrors the Postgres adapter's filter and ordering semantics,
// including application-layer natural-key dedup.
type RecordStore struct {
	mu       sync.RWMutex
	units    map[crawl.Platform]map[string]crawl.DiscoveryUnit
	unitKeys map[crawl.Platform]map[string]string
	keywords map[crawl.Platform]map[string]crawl.Keyword
	kwKeys   map[crawl.Platform]map[string]string
	seeds    map[crawl.Platform]map[string]crawl.SeedUnit
	seedKeys map[crawl.Platform]map[string]string
	profiles map[crawl.Platform]map[string]crawl.Profile
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		units:    make(map[crawl.Platform]map[string]crawl.DiscoveryUnit),
		unitKeys: make(map[crawl.Platform]map[string]string),
		keywords: make(map[crawl.Platform]map[string]crawl.Keyword),
		kwKeys:   make(map[crawl.Platform]map[string]string),
		seeds:    make(map[crawl.Platform]map[string]crawl.SeedUnit),
		seedKeys: make(map[crawl.Platform]map[string]string),
		profiles: make(map[crawl.Platform]map[string]crawl.Profile),
	}
}

// QueryUnits returns units matching q, lease-ordered when requested.
func (s *RecordStore) QueryUnits(_ context.Context, platform crawl.Platform, q crawl.UnitQuery) ([]crawl.DiscoveryUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []crawl.DiscoveryUnit{}
	for _, u := range s.units[platform] {
		if matchUnit(u, q) {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.LeaseOrder {
			if out[i].Depth != out[j].Depth {
				return out[i].Depth < out[j].Depth
			}
			ti, tj := crawl.StatusTier(out[i].Status), crawl.StatusTier(out[j].Status)
			if ti != tj {
				return ti < tj
			}
		}
		return out[i].Created.Before(out[j].Created)
	})
	return limitUnits(out, q.Limit), nil
}

// GetUnit fetches a unit by id.
func (s *RecordStore) GetUnit(_ context.Context, platform crawl.Platform, id string) (crawl.DiscoveryUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[platform][id]
	if !ok {
		return crawl.DiscoveryUnit{}, crawl.ErrNotFound
	}
	return u, nil
}

// InsertUnitsIfNotExists stores units whose natural key is new and reports
// how many were inserted.
func (s *RecordStore) InsertUnitsIfNotExists(_ context.Context, platform crawl.Platform, units []crawl.DiscoveryUnit) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.ensureUnits(platform)
	byKey := s.unitKeys[platform]
	inserted := 0
	for _, u := range units {
		if _, exists := byKey[u.NaturalKey]; exists {
			continue
		}
		byID[u.ID] = u
		byKey[u.NaturalKey] = u.ID
		inserted++
	}
	return inserted, nil
}

// UpdateUnit applies a patch and stamps updated_at.
func (s *RecordStore) UpdateUnit(_ context.Context, platform crawl.Platform, id string, patch crawl.UnitPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[platform][id]
	if !ok {
		return crawl.ErrNotFound
	}
	if patch.Status != nil {
		u.Status = *patch.Status
	}
	if patch.Owner != nil {
		u.Owner = *patch.Owner
	}
	if patch.Processed != nil {
		u.Processed = pointerTime(*patch.Processed)
	}
	if patch.ClearProcessed {
		u.Processed = nil
	}
	u.ProcessedCount += patch.ProcessedCountDelta
	u.Updated = time.Now().UTC()
	s.units[platform][id] = u
	return nil
}

// UnitStats counts units grouped by status and depth.
func (s *RecordStore) UnitStats(_ context.Context, platform crawl.Platform) ([]crawl.StatusCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type group struct {
		status crawl.Status
		depth  int
	}
	counts := map[group]int64{}
	for _, u := range s.units[platform] {
		counts[group{u.Status, u.Depth}]++
	}
	out := make([]crawl.StatusCount, 0, len(counts))
	for g, c := range counts {
		depth := g.depth
		out = append(out, crawl.StatusCount{Status: g.status, Depth: &depth, Count: c})
	}
	sortStatusCounts(out)
	return out, nil
}

// QueryKeywords returns keywords matching q, lease-ordered when requested.
func (s *RecordStore) QueryKeywords(_ context.Context, platform crawl.Platform, q crawl.KeywordQuery) ([]crawl.Keyword, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []crawl.Keyword{}
	for _, k := range s.keywords[platform] {
		if matchKeyword(k, q) {
			out = append(out, k)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.LeaseOrder {
			ti, tj := crawl.StatusTier(out[i].Status), crawl.StatusTier(out[j].Status)
			if ti != tj {
				return ti < tj
			}
		}
		return out[i].Created.Before(out[j].Created)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// GetKeyword fetches a keyword by id.
func (s *RecordStore) GetKeyword(_ context.Context, platform crawl.Platform, id string) (crawl.Keyword, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keywords[platform][id]
	if !ok {
		return crawl.Keyword{}, crawl.ErrNotFound
	}
	return k, nil
}

// InsertKeywordsIfNotExists stores keywords whose text is new.
func (s *RecordStore) InsertKeywordsIfNotExists(_ context.Context, platform crawl.Platform, keywords []crawl.Keyword) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.ensureKeywords(platform)
	byKey := s.kwKeys[platform]
	inserted := 0
	for _, k := range keywords {
		if _, exists := byKey[k.Keyword]; exists {
			continue
		}
		byID[k.ID] = k
		byKey[k.Keyword] = k.ID
		inserted++
	}
	return inserted, nil
}

// UpdateKeyword applies a patch and stamps updated_at.
func (s *RecordStore) UpdateKeyword(_ context.Context, platform crawl.Platform, id string, patch crawl.KeywordPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keywords[platform][id]
	if !ok {
		return crawl.ErrNotFound
	}
	if patch.Status != nil {
		k.Status = *patch.Status
	}
	if patch.Owner != nil {
		k.Owner = *patch.Owner
	}
	if patch.Processed != nil {
		k.Processed = pointerTime(*patch.Processed)
	}
	if patch.ClearProcessed {
		k.Processed = nil
	}
	if patch.Cursor != nil {
		k.Cursor = *patch.Cursor
	}
	k.Updated = time.Now().UTC()
	s.keywords[platform][id] = k
	return nil
}

// KeywordStats counts keywords grouped by status.
func (s *RecordStore) KeywordStats(_ context.Context, platform crawl.Platform) ([]crawl.StatusCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[crawl.Status]int64{}
	for _, k := range s.keywords[platform] {
		counts[k.Status]++
	}
	out := make([]crawl.StatusCount, 0, len(counts))
	for st, c := range counts {
		out = append(out, crawl.StatusCount{Status: st, Count: c})
	}
	sortStatusCounts(out)
	return out, nil
}

// QuerySeeds returns seed units matching q, lease-ordered when requested.
func (s *RecordStore) QuerySeeds(_ context.Context, platform crawl.Platform, q crawl.SeedQuery) ([]crawl.SeedUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []crawl.SeedUnit{}
	for _, sd := range s.seeds[platform] {
		if matchSeed(sd, q) {
			out = append(out, sd)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.LeaseOrder {
			ti, tj := crawl.StatusTier(out[i].Status), crawl.StatusTier(out[j].Status)
			if ti != tj {
				return ti < tj
			}
		}
		return out[i].Created.Before(out[j].Created)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// GetSeed fetches a seed unit by id.
func (s *RecordStore) GetSeed(_ context.Context, platform crawl.Platform, id string) (crawl.SeedUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.seeds[platform][id]
	if !ok {
		return crawl.SeedUnit{}, crawl.ErrNotFound
	}
	return sd, nil
}

// InsertSeedsIfNotExists stores seeds whose URL is new.
func (s *RecordStore) InsertSeedsIfNotExists(_ context.Context, platform crawl.Platform, seeds []crawl.SeedUnit) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.ensureSeeds(platform)
	byKey := s.seedKeys[platform]
	inserted := 0
	for _, sd := range seeds {
		if _, exists := byKey[sd.URL]; exists {
			continue
		}
		byID[sd.ID] = sd
		byKey[sd.URL] = sd.ID
		inserted++
	}
	return inserted, nil
}

// UpdateSeed applies a patch and stamps updated_at.
func (s *RecordStore) UpdateSeed(_ context.Context, platform crawl.Platform, id string, patch crawl.SeedPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd, ok := s.seeds[platform][id]
	if !ok {
		return crawl.ErrNotFound
	}
	if patch.Status != nil {
		sd.Status = *patch.Status
	}
	if patch.Owner != nil {
		sd.Owner = *patch.Owner
	}
	if patch.Processed != nil {
		sd.Processed = pointerTime(*patch.Processed)
	}
	if patch.ClearProcessed {
		sd.Processed = nil
	}
	sd.ProcessedCount += patch.ProcessedCountDelta
	sd.Updated = time.Now().UTC()
	s.seeds[platform][id] = sd
	return nil
}

// SeedStats counts seed units grouped by status.
func (s *RecordStore) SeedStats(_ context.Context, platform crawl.Platform) ([]crawl.StatusCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[crawl.Status]int64{}
	for _, sd := range s.seeds[platform] {
		counts[sd.Status]++
	}
	out := make([]crawl.StatusCount, 0, len(counts))
	for st, c := range counts {
		out = append(out, crawl.StatusCount{Status: st, Count: c})
	}
	sortStatusCounts(out)
	return out, nil
}

// QueryProfiles returns profiles matching q.
func (s *RecordStore) QueryProfiles(_ context.Context, platform crawl.Platform, q crawl.ProfileQuery) ([]crawl.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := map[string]struct{}{}
	for _, id := range q.AccountIDs {
		want[id] = struct{}{}
	}
	out := []crawl.Profile{}
	for _, p := range s.profiles[platform] {
		if len(want) > 0 {
			if _, ok := want[p.AccountID]; !ok {
				continue
			}
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// GetProfile fetches a profile by account id.
func (s *RecordStore) GetProfile(_ context.Context, platform crawl.Platform, accountID string) (crawl.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[platform][accountID]
	if !ok {
		return crawl.Profile{}, crawl.ErrNotFound
	}
	return p, nil
}

// UpsertProfiles merges profiles on account id: matched rows are replaced
// (keeping the original created_at), unmatched rows inserted.
func (s *RecordStore) UpsertProfiles(_ context.Context, platform crawl.Platform, profiles []crawl.Profile) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := s.ensureProfiles(platform)
	affected := 0
	for _, p := range profiles {
		if existing, ok := byKey[p.AccountID]; ok {
			p.ID = existing.ID
			p.Created = existing.Created
		}
		p.Updated = time.Now().UTC()
		byKey[p.AccountID] = p
		affected++
	}
	return affected, nil
}

// CountProfiles returns the number of stored profiles.
func (s *RecordStore) CountProfiles(_ context.Context, platform crawl.Platform) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.profiles[platform])), nil
}

// Ping always succeeds.
func (s *RecordStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *RecordStore) Close() {}

func (s *RecordStore) ensureUnits(platform crawl.Platform) map[string]crawl.DiscoveryUnit {
	if s.units[platform] == nil {
		s.units[platform] = make(map[string]crawl.DiscoveryUnit)
		s.unitKeys[platform] = make(map[string]string)
	}
	return s.units[platform]
}

func (s *RecordStore) ensureKeywords(platform crawl.Platform) map[string]crawl.Keyword {
	if s.keywords[platform] == nil {
		s.keywords[platform] = make(map[string]crawl.Keyword)
		s.kwKeys[platform] = make(map[string]string)
	}
	return s.keywords[platform]
}

func (s *RecordStore) ensureSeeds(platform crawl.Platform) map[string]crawl.SeedUnit {
	if s.seeds[platform] == nil {
		s.seeds[platform] = make(map[string]crawl.SeedUnit)
		s.seedKeys[platform] = make(map[string]string)
	}
	return s.seeds[platform]
}

func (s *RecordStore) ensureProfiles(platform crawl.Platform) map[string]crawl.Profile {
	if s.profiles[platform] == nil {
		s.profiles[platform] = make(map[string]crawl.Profile)
	}
	return s.profiles[platform]
}

// claimable implements the lease predicate shared by units, keywords, and
// seeds: pending or unset rows, the caller's own processing rows, and
// (optionally) requeue-eligible terminal rows.
func claimable(status crawl.Status, owner, claimer string, includeRetries bool) bool {
	switch status {
	case crawl.StatusPending, "":
		return true
	case crawl.StatusProcessing:
		return owner == claimer
	case crawl.StatusFailed, crawl.StatusSkipped:
		return includeRetries
	default:
		return false
	}
}

func statusMatches(status crawl.Status, statuses []crawl.Status, includeUnset bool) bool {
	if len(statuses) == 0 && !includeUnset {
		return true
	}
	if includeUnset && status == "" {
		return true
	}
	for _, want := range statuses {
		if status == want {
			return true
		}
	}
	return false
}

func matchUnit(u crawl.DiscoveryUnit, q crawl.UnitQuery) bool {
	if q.ClaimableBy != "" && !claimable(u.Status, u.Owner, q.ClaimableBy, q.IncludeTerminalRetries) {
		return false
	}
	if !statusMatches(u.Status, q.Statuses, q.IncludeUnset) {
		return false
	}
	if q.ParentKey != "" && u.ParentKey != q.ParentKey {
		return false
	}
	if q.SourceType != "" && u.SourceType != q.SourceType {
		return false
	}
	if len(q.NaturalKeys) > 0 {
		found := false
		for _, k := range q.NaturalKeys {
			if u.NaturalKey == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchKeyword(k crawl.Keyword, q crawl.KeywordQuery) bool {
	if q.ClaimableBy != "" && !claimable(k.Status, k.Owner, q.ClaimableBy, q.IncludeTerminalRetries) {
		return false
	}
	if !statusMatches(k.Status, q.Statuses, q.IncludeUnset) {
		return false
	}
	if len(q.Keywords) > 0 {
		found := false
		for _, w := range q.Keywords {
			if k.Keyword == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchSeed(sd crawl.SeedUnit, q crawl.SeedQuery) bool {
	if q.ClaimableBy != "" && !claimable(sd.Status, sd.Owner, q.ClaimableBy, q.IncludeTerminalRetries) {
		return false
	}
	if !statusMatches(sd.Status, q.Statuses, q.IncludeUnset) {
		return false
	}
	if len(q.URLs) > 0 {
		found := false
		for _, u := range q.URLs {
			if sd.URL == u {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.AccountIDs) > 0 {
		found := false
		for _, id := range q.AccountIDs {
			if sd.AccountID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func limitUnits(units []crawl.DiscoveryUnit, limit int) []crawl.DiscoveryUnit {
	if limit > 0 && len(units) > limit {
		return units[:limit]
	}
	return units
}

func sortStatusCounts(counts []crawl.StatusCount) {
	sort.SliceStable(counts, func(i, j int) bool {
		di, dj := 0, 0
		if counts[i].Depth != nil {
			di = *counts[i].Depth
		}
		if counts[j].Depth != nil {
			dj = *counts[j].Depth
		}
		if di != dj {
			return di < dj
		}
		return counts[i].Status < counts[j].Status
	})
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

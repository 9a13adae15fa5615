package mevprotect

import (
	"context"
	"sync"
	"time"
)

const (
	flaggedActorTTL  = 24 * time.Hour
	maxFlaggedActors = 4096
)

// ActorFlagStore remembers addresses that were seen attacking. Entries expire
// so that a one-off observation does not penalize an address forever.
type ActorFlagStore interface {
	Flag(ctx context.Context, actor string) error
	IsFlagged(ctx context.Context, actor string) (bool, error)
	// Flagged returns the subset of actors currently flagged.
	Flagged(ctx context.Context, actors []string) ([]string, error)
}

// MemoryActorFlags is the in-process ActorFlagStore used when no redis is
// configured. It is bounded, the entry closest to expiry is evicted first.
type MemoryActorFlags struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	expiry  map[string]time.Time
	now     func() time.Time
}

func NewMemoryActorFlags() *MemoryActorFlags {
	return &MemoryActorFlags{
		ttl:     flaggedActorTTL,
		maxSize: maxFlaggedActors,
		expiry:  make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryActorFlags) Flag(_ context.Context, actor string) error {
	if actor == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	if _, ok := m.expiry[actor]; !ok && len(m.expiry) >= m.maxSize {
		m.evictOldestLocked()
	}
	m.expiry[actor] = m.now().Add(m.ttl)
	return nil
}

func (m *MemoryActorFlags) IsFlagged(_ context.Context, actor string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expiry[actor]
	return ok && m.now().Before(exp), nil
}

func (m *MemoryActorFlags) Flagged(_ context.Context, actors []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var flagged []string
	for _, actor := range actors {
		if exp, ok := m.expiry[actor]; ok && now.Before(exp) {
			flagged = append(flagged, actor)
		}
	}
	return flagged, nil
}

func (m *MemoryActorFlags) pruneLocked() {
	now := m.now()
	for actor, exp := range m.expiry {
		if !now.Before(exp) {
			delete(m.expiry, actor)
		}
	}
}

func (m *MemoryActorFlags) evictOldestLocked() {
	var oldest string
	var oldestExp time.Time
	for actor, exp := range m.expiry {
		if oldest == "" || exp.Before(oldestExp) {
			oldest = actor
			oldestExp = exp
		}
	}
	if oldest != "" {
		delete(m.expiry, oldest)
	}
}

const (
	patternWindow       = 5 * time.Minute
	maxPatternsPerAsset = 512
)

// PatternStore keeps the recent attack records per asset. Records outside the
// window are pruned on access, per-asset history is capped.
type PatternStore struct {
	mu      sync.Mutex
	window  time.Duration
	maxSize int
	byAsset map[string][]AttackRecord
	now     func() time.Time
}

func NewPatternStore() *PatternStore {
	return &PatternStore{
		window:  patternWindow,
		maxSize: maxPatternsPerAsset,
		byAsset: make(map[string][]AttackRecord),
		now:     time.Now,
	}
}

func (s *PatternStore) Record(rec AttackRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.pruneLocked(rec.Asset)
	records = append(records, rec)
	if len(records) > s.maxSize {
		records = records[len(records)-s.maxSize:]
	}
	s.byAsset[rec.Asset] = records
}

// RecentByAsset returns a copy of the in-window records for an asset.
func (s *PatternStore) RecentByAsset(asset string) []AttackRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.pruneLocked(asset)
	s.byAsset[asset] = records
	out := make([]AttackRecord, len(records))
	copy(out, records)
	return out
}

func (s *PatternStore) pruneLocked(asset string) []AttackRecord {
	records := s.byAsset[asset]
	cutoff := s.now().Add(-s.window)
	drop := 0
	for drop < len(records) && records[drop].Time.Before(cutoff) {
		drop++
	}
	return records[drop:]
}

// ImpactHistory keeps the recent per-asset price impact observations used to
// spot divergence between expected and historical impact.
type ImpactHistory struct {
	mu      sync.Mutex
	window  time.Duration
	maxSize int
	byAsset map[string][]PricePoint
	now     func() time.Time
}

func NewImpactHistory() *ImpactHistory {
	return &ImpactHistory{
		window:  patternWindow,
		maxSize: maxPatternsPerAsset,
		byAsset: make(map[string][]PricePoint),
		now:     time.Now,
	}
}

func (h *ImpactHistory) Append(asset string, impact float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	points := h.pruneLocked(asset)
	points = append(points, PricePoint{Impact: impact, Time: h.now()})
	if len(points) > h.maxSize {
		points = points[len(points)-h.maxSize:]
	}
	h.byAsset[asset] = points
}

// Recent returns the in-window impact observations for an asset.
func (h *ImpactHistory) Recent(asset string) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	points := h.pruneLocked(asset)
	h.byAsset[asset] = points
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Impact
	}
	return out
}

func (h *ImpactHistory) pruneLocked(asset string) []PricePoint {
	points := h.byAsset[asset]
	cutoff := h.now().Add(-h.window)
	drop := 0
	for drop < len(points) && points[drop].Time.Before(cutoff) {
		drop++
	}
	return points[drop:]
}

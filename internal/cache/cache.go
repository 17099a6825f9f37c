// Package cache memoizes formula results keyed by formula identity plus
// context and variable fingerprints.
//
// Two operating regimes:
//
//   - Cycle-scoped (default): StartCycle marks all reads as misses until
//     EndCycle, so every value computed during one coordinated update pass
//     is fresh, while readers outside any cycle still benefit from results
//     computed during the last cycle.
//   - TTL: entries expire after a fixed duration regardless of cycle
//     boundaries; used when cycle-scoping is disabled.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/derive/internal/formula"
)

// Defaults. Sized for a per-host sensor fleet.
const (
	DefaultCapacity = 512
	DefaultTTL      = 30 * time.Second

	// evictFraction is the share of entries removed by hit-count eviction
	// once TTL cleanup alone cannot get under capacity.
	evictFraction = 0.10
)

// Mode selects the cache regime.
type Mode int

const (
	// ModeCycleScoped ties freshness to explicit update-cycle boundaries.
	ModeCycleScoped Mode = iota
	// ModeTTL ties freshness to wall-clock age.
	ModeTTL
)

// Clock abstracts time for TTL decisions. Tests inject a deterministic
// implementation.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Stats is the externally visible counter snapshot.
type Stats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Evictions  int64   `json:"evictions"`
	HitRate    float64 `json:"hit_rate"`
	EntryCount int     `json:"entry_count"`
}

// entry is one memoized result. Invariant: FormulaHash in the key always
// matches the formula the value was computed from, so invalidate-by-formula
// can match on the key alone.
type entry struct {
	value     formula.Value
	createdAt time.Time
	hitCount  int64
}

// ResultCache is safe for concurrent use; all mutating operations serialize
// under one lock since the cache is shared across evaluation passes.
type ResultCache struct {
	mu       sync.Mutex
	mode     Mode
	ttl      time.Duration
	capacity int
	clock    Clock

	entries map[formula.CacheKey]*entry

	inCycle    bool
	cycleToken string

	hits      int64
	misses    int64
	evictions int64
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithMode selects the operating regime.
func WithMode(m Mode) Option { return func(c *ResultCache) { c.mode = m } }

// WithTTL sets the entry lifetime.
func WithTTL(d time.Duration) Option { return func(c *ResultCache) { c.ttl = d } }

// WithCapacity sets the entry limit before eviction runs.
func WithCapacity(n int) Option { return func(c *ResultCache) { c.capacity = n } }

// WithClock injects a clock. Tests use a deterministic one.
func WithClock(clk Clock) Option { return func(c *ResultCache) { c.clock = clk } }

// New creates a ResultCache with the given options.
func New(opts ...Option) *ResultCache {
	c := &ResultCache{
		mode:     ModeCycleScoped,
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
		clock:    systemClock{},
		entries:  make(map[formula.CacheKey]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartCycle opens an update cycle and returns its token (UUIDv7, so
// tokens sort by start time in journal rows). While a cycle is open every
// read misses, guaranteeing fresh computation within the pass. Writes
// still populate the cache for readers outside the cycle.
func (c *ResultCache) StartCycle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inCycle = true
	c.cycleToken = uuid.Must(uuid.NewV7()).String()
	return c.cycleToken
}

// EndCycle closes the current update cycle. Entries written during the
// cycle become visible to subsequent reads.
func (c *ResultCache) EndCycle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inCycle = false
	c.cycleToken = ""
}

// InCycle reports whether an update cycle is open.
func (c *ResultCache) InCycle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inCycle
}

// CycleToken returns the open cycle's token, or "" outside a cycle.
func (c *ResultCache) CycleToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycleToken
}

// Get returns the memoized value for the key, honoring the active regime.
func (c *ResultCache) Get(key formula.CacheKey) (formula.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeCycleScoped && c.inCycle {
		c.misses++
		return nil, false
	}

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	if c.mode == ModeTTL && c.clock.Now().Sub(e.createdAt) > c.ttl {
		delete(c.entries, key)
		c.evictions++
		c.misses++
		return nil, false
	}

	e.hitCount++
	c.hits++
	return e.value, true
}

// Put memoizes a concrete value. Alternate states and fatal results are
// never cached; callers only store OutcomeValue results.
func (c *ResultCache) Put(key formula.CacheKey, v formula.Value) {
	if v == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictLocked()
	}
	c.entries[key] = &entry{value: v, createdAt: c.clock.Now()}
}

// evictLocked runs the two-stage eviction: drop TTL-expired entries first;
// if still at capacity, drop the lowest-hit-count tenth.
func (c *ResultCache) evictLocked() {
	now := c.clock.Now()
	for key, e := range c.entries {
		if now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, key)
			c.evictions++
		}
	}
	if len(c.entries) < c.capacity {
		return
	}

	type ranked struct {
		key  formula.CacheKey
		hits int64
	}
	byHits := make([]ranked, 0, len(c.entries))
	for key, e := range c.entries {
		byHits = append(byHits, ranked{key: key, hits: e.hitCount})
	}
	sort.Slice(byHits, func(i, j int) bool { return byHits[i].hits < byHits[j].hits })

	drop := int(float64(len(byHits)) * evictFraction)
	if drop < 1 {
		drop = 1
	}
	for _, r := range byHits[:drop] {
		delete(c.entries, r.key)
		c.evictions++
	}
}

// Invalidate removes every entry computed from the given formula hash.
// Used when a formula's text is edited. Returns the number removed.
func (c *ResultCache) Invalidate(formulaHash string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if key.FormulaHash == formulaHash {
			delete(c.entries, key)
			removed++
		}
	}
	c.evictions += int64(removed)
	return removed
}

// Clear removes all entries. Used on cache-invalidation events such as
// configuration reload or entity-id reassignment.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[formula.CacheKey]*entry)
}

// Stats returns a counter snapshot.
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		EntryCount: len(c.entries),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

package cache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/derive/internal/cache"
	"github.com/roach88/derive/internal/formula"
	"github.com/roach88/derive/internal/testutil"
)

func keyOf(expr string, x float64) formula.CacheKey {
	return formula.KeyFor(
		&formula.FormulaSpec{ID: "f", Expression: expr},
		map[string]formula.Value{"x": formula.Number(x)},
	)
}

func TestCache_HitAfterPut(t *testing.T) {
	c := cache.New()
	key := keyOf("x + 1", 10)

	_, hit := c.Get(key)
	assert.False(t, hit)

	c.Put(key, formula.Number(11))
	v, hit := c.Get(key)
	require.True(t, hit)
	assert.Equal(t, formula.Number(11), v)
}

func TestCache_DistinctContextsDistinctEntries(t *testing.T) {
	c := cache.New()
	c.Put(keyOf("x + 1", 10), formula.Number(11))

	_, hit := c.Get(keyOf("x + 1", 12))
	assert.False(t, hit, "different context fingerprint must miss")
}

func TestCache_NilValuesNeverCached(t *testing.T) {
	c := cache.New()
	key := keyOf("x + 1", 10)
	c.Put(key, nil)

	_, hit := c.Get(key)
	assert.False(t, hit)
	assert.Equal(t, 0, c.Stats().EntryCount)
}

func TestCache_CycleScopedReadsMissInsideCycle(t *testing.T) {
	c := cache.New()
	key := keyOf("x + 1", 10)
	c.Put(key, formula.Number(11))

	token := c.StartCycle()
	assert.NotEmpty(t, token)
	assert.True(t, c.InCycle())

	// In-cycle reads always miss: every value computed during one pass is
	// fresh.
	_, hit := c.Get(key)
	assert.False(t, hit)

	c.EndCycle()
	_, hit = c.Get(key)
	assert.True(t, hit)
}

func TestCache_CycleTokensAreUnique(t *testing.T) {
	c := cache.New()
	a := c.StartCycle()
	c.EndCycle()
	b := c.StartCycle()
	c.EndCycle()
	assert.NotEqual(t, a, b)
	assert.Empty(t, c.CycleToken())
}

func TestCache_TTLExpiry(t *testing.T) {
	clk := testutil.NewDeterministicClock(time.Unix(1700000000, 0))
	c := cache.New(cache.WithMode(cache.ModeTTL), cache.WithTTL(30*time.Second), cache.WithClock(clk))

	key := keyOf("x + 1", 10)
	c.Put(key, formula.Number(11))

	clk.Advance(29 * time.Second)
	_, hit := c.Get(key)
	assert.True(t, hit)

	clk.Advance(2 * time.Second)
	_, hit = c.Get(key)
	assert.False(t, hit, "entry older than TTL must expire")
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_CapacityEviction(t *testing.T) {
	clk := testutil.NewDeterministicClock(time.Unix(1700000000, 0))
	c := cache.New(cache.WithCapacity(10), cache.WithClock(clk))

	for i := 0; i < 10; i++ {
		c.Put(keyOf("x + 1", float64(i)), formula.Number(float64(i)))
	}
	assert.Equal(t, 10, c.Stats().EntryCount)

	// Touch most entries so the untouched ones rank lowest.
	for i := 1; i < 10; i++ {
		c.Get(keyOf("x + 1", float64(i)))
	}

	c.Put(keyOf("x + 1", 99), formula.Number(99))
	stats := c.Stats()
	assert.LessOrEqual(t, stats.EntryCount, 10)
	assert.GreaterOrEqual(t, stats.Evictions, int64(1))

	_, hit := c.Get(keyOf("x + 1", 0))
	assert.False(t, hit, "lowest-hit entry is evicted first")
}

func TestCache_InvalidateByFormulaHash(t *testing.T) {
	c := cache.New()
	for i := 0; i < 3; i++ {
		c.Put(keyOf("x + 1", float64(i)), formula.Number(float64(i)))
	}
	c.Put(keyOf("x + 2", 0), formula.Number(2))

	removed := c.Invalidate(formula.Fingerprint("x + 1"))
	assert.Equal(t, 3, removed)
	assert.Equal(t, 1, c.Stats().EntryCount)

	_, hit := c.Get(keyOf("x + 2", 0))
	assert.True(t, hit)
}

func TestCache_Clear(t *testing.T) {
	c := cache.New()
	c.Put(keyOf("x + 1", 1), formula.Number(2))
	c.Clear()
	assert.Equal(t, 0, c.Stats().EntryCount)
}

func TestCache_StatsHitRate(t *testing.T) {
	c := cache.New()
	key := keyOf("x + 1", 10)
	c.Put(key, formula.Number(11))

	c.Get(key)
	c.Get(keyOf("x + 1", 99))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestCache_ManyFormulasIndependentKeys(t *testing.T) {
	c := cache.New()
	for i := 0; i < 50; i++ {
		expr := fmt.Sprintf("x + %d", i)
		c.Put(keyOf(expr, 1), formula.Number(float64(i)))
	}
	assert.Equal(t, 50, c.Stats().EntryCount)
}

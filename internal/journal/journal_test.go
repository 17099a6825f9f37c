package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/derive/internal/formula"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j1.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j2.Close())
}

func TestRecord_RoundTrip(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record("cycle-1", "energy", "energy", formula.OK(formula.Number(11))))
	require.NoError(t, j.Record("cycle-1", "energy", "daily", formula.AlternateOutcome(formula.AlternateUnknown)))
	require.NoError(t, j.Record("cycle-1", "energy", "broken", formula.FatalOutcome(errors.New("boom"))))
	require.NoError(t, j.Record("cycle-2", "energy", "energy", formula.OK(formula.Number(12))))

	rows, err := j.OutcomesForCycle(ctx, "cycle-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "energy", rows[0].Node)
	assert.True(t, rows[0].Outcome.IsValue())
	assert.Equal(t, formula.Number(11), rows[0].Outcome.Value)

	assert.True(t, rows[1].Outcome.IsAlternate())
	assert.Equal(t, formula.AlternateUnknown, rows[1].Outcome.Alternate)

	assert.True(t, rows[2].Outcome.IsFatal())
	assert.Contains(t, rows[2].Outcome.Err.Error(), "boom")
}

func TestRecentOutcomes_NewestFirst(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record("c", "s", "s", formula.OK(formula.Number(float64(i)))))
	}

	rows, err := j.RecentOutcomes(ctx, "s", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, formula.Number(4), rows[0].Outcome.Value)
	assert.Equal(t, formula.Number(3), rows[1].Outcome.Value)
}

func TestLastValid_Upsert(t *testing.T) {
	j := openTestJournal(t)

	_, _, ok := j.LastValid("sensor.x")
	assert.False(t, ok)

	t1 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, j.StoreLastValid("sensor.x", formula.Number(5), t1))

	v, at, ok := j.LastValid("sensor.x")
	require.True(t, ok)
	assert.Equal(t, formula.Number(5), v)
	assert.True(t, at.Equal(t1))

	t2 := t1.Add(time.Hour)
	require.NoError(t, j.StoreLastValid("sensor.x", formula.Text("idle"), t2))

	v, at, ok = j.LastValid("sensor.x")
	require.True(t, ok)
	assert.Equal(t, formula.Text("idle"), v)
	assert.True(t, at.Equal(t2))
}

func TestLastValid_NilValueIgnored(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.StoreLastValid("sensor.x", nil, time.Now()))
	_, _, ok := j.LastValid("sensor.x")
	assert.False(t, ok)
}

func TestValueEncoding_RoundTrip(t *testing.T) {
	for _, v := range []formula.Value{
		formula.Number(2.5),
		formula.Number(-3),
		formula.Bool(true),
		formula.Text("on"),
	} {
		vt, text := encodeValue(v)
		back, err := decodeValue(vt, text)
		require.NoError(t, err)
		assert.Equal(t, v, back)
	}
}

package govern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowPruneDropsExpiredHits(t *testing.T) {
	w := newWindowState()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	w.record(base, time.Second)
	w.record(base.Add(400*time.Millisecond), time.Second)
	w.record(base.Add(800*time.Millisecond), time.Second)

	assert.Equal(t, 3, w.count(base.Add(900*time.Millisecond), time.Second))
	assert.Equal(t, 2, w.count(base.Add(1200*time.Millisecond), time.Second))
	assert.Equal(t, 0, w.count(base.Add(3*time.Second), time.Second))
}

func TestWindowMergeSkipsOverlapAndSorts(t *testing.T) {
	w := newWindowState()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	w.record(base.Add(200*time.Millisecond), time.Minute)

	w.merge([]time.Time{
		base,
		base.Add(200 * time.Millisecond), // duplicate of the local hit
		base.Add(100 * time.Millisecond),
	})

	hits := w.snapshot()
	require.Len(t, hits, 3)
	assert.True(t, hits[0].Before(hits[1]))
	assert.True(t, hits[1].Before(hits[2]))
}

func TestWindowMergeKeepsSameInstantBursts(t *testing.T) {
	w := newWindowState()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Two local hits in the same nanosecond (a burst under a coarse clock).
	w.record(base, time.Minute)
	w.record(base, time.Minute)

	// The store saw five hits at that instant; the merged log must count
	// five, not collapse them into one.
	w.merge([]time.Time{base, base, base, base, base})
	assert.Equal(t, 5, w.count(base, time.Minute))

	// Re-merging the same log is idempotent.
	w.merge([]time.Time{base, base, base, base, base})
	assert.Equal(t, 5, w.count(base, time.Minute))
}

func TestWindowCodecRoundTrip(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	hits := []time.Time{base, base.Add(time.Second), base.Add(2 * time.Second)}

	data, err := encodeHits(hits)
	require.NoError(t, err)

	decoded, err := decodeHits(data)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	for i := range hits {
		assert.True(t, hits[i].Equal(decoded[i]))
	}
}

func TestWindowOldest(t *testing.T) {
	w := newWindowState()
	assert.True(t, w.oldest().IsZero())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w.record(base, time.Minute)
	w.record(base.Add(time.Second), time.Minute)
	assert.True(t, w.oldest().Equal(base))
}

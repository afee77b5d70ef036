package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulego/microbatch/aggregator"
)

func contribution(records int, sum float64) *Contribution {
	acc := aggregator.New(aggregator.Sum)
	per := sum / float64(records)
	for i := 0; i < records; i++ {
		acc.Add(per)
	}
	return &Contribution{
		Fields:  map[string]interface{}{"name": "John"},
		Accs:    map[string]*aggregator.Accumulator{"total": acc},
		Records: records,
	}
}

func TestMergeBatchCreatesAndUpdates(t *testing.T) {
	st := NewStore(0)
	touched, err := st.MergeBatch(0, map[string]*Contribution{"John": contribution(2, 10)})
	require.NoError(t, err)
	assert.Equal(t, []string{"John"}, touched)

	g := st.Get("John")
	require.NotNil(t, g)
	assert.Equal(t, int64(0), g.FirstBatch)
	assert.Equal(t, 10.0, g.Accs["total"].Final())

	_, err = st.MergeBatch(1, map[string]*Contribution{"John": contribution(1, 5)})
	require.NoError(t, err)
	g = st.Get("John")
	assert.Equal(t, 15.0, g.Accs["total"].Final())
	assert.Equal(t, int64(0), g.FirstBatch)
	assert.Equal(t, int64(1), g.LastBatch)
}

// A batch id at or below the last applied one must not merge again, so a
// replayed batch cannot double-count.
func TestMergeBatchAppliedAtMostOnce(t *testing.T) {
	st := NewStore(0)
	_, err := st.MergeBatch(0, map[string]*Contribution{"John": contribution(1, 10)})
	require.NoError(t, err)

	touched, err := st.MergeBatch(0, map[string]*Contribution{"John": contribution(1, 10)})
	require.NoError(t, err)
	assert.Empty(t, touched)
	assert.Equal(t, 10.0, st.Get("John").Accs["total"].Final())
	assert.Equal(t, int64(0), st.LastApplied())
}

// Merging batch contributions B1 then B2 must equal a single merge of
// B1 union B2.
func TestMergeBatchSplitEquivalence(t *testing.T) {
	split := NewStore(0)
	_, err := split.MergeBatch(0, map[string]*Contribution{"John": contribution(2, 6)})
	require.NoError(t, err)
	_, err = split.MergeBatch(1, map[string]*Contribution{"John": contribution(3, 9)})
	require.NoError(t, err)

	union := NewStore(0)
	_, err = union.MergeBatch(0, map[string]*Contribution{"John": contribution(5, 15)})
	require.NoError(t, err)

	assert.Equal(t, union.Get("John").Accs["total"].Final(), split.Get("John").Accs["total"].Final())
}

func TestMaxGroupsCap(t *testing.T) {
	st := NewStore(1)
	_, err := st.MergeBatch(0, map[string]*Contribution{"John": contribution(1, 1)})
	require.NoError(t, err)
	touched, err := st.MergeBatch(1, map[string]*Contribution{
		"Jane": contribution(1, 1),
		"John": contribution(1, 2),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"John"}, touched)
	assert.Equal(t, 1, st.Len())
	assert.Equal(t, int64(1), st.Dropped())
	assert.Equal(t, 3.0, st.Get("John").Accs["total"].Final())
}

func TestSnapshotSorted(t *testing.T) {
	st := NewStore(0)
	_, err := st.MergeBatch(0, map[string]*Contribution{
		"b": contribution(1, 1),
		"a": contribution(1, 1),
		"c": contribution(1, 1),
	})
	require.NoError(t, err)
	groups := st.Snapshot()
	require.Len(t, groups, 3)
	assert.Equal(t, "a", groups[0].Key)
	assert.Equal(t, "b", groups[1].Key)
	assert.Equal(t, "c", groups[2].Key)
}

func TestWatermark(t *testing.T) {
	st := NewStore(0)
	_, ok := st.Watermark(10)
	assert.False(t, ok, "no watermark before any event time")

	c := contribution(1, 1)
	c.HasEventTime = true
	c.MaxEventTime = 100
	_, err := st.MergeBatch(0, map[string]*Contribution{"John": c})
	require.NoError(t, err)

	wm, ok := st.Watermark(10)
	require.True(t, ok)
	assert.Equal(t, 90.0, wm)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	st := NewStore(0)
	c := contribution(2, 10)
	c.HasEventTime = true
	c.MaxEventTime = 42
	_, err := st.MergeBatch(0, map[string]*Contribution{"JohnJones": c})
	require.NoError(t, err)
	_, err = st.MergeBatch(1, map[string]*Contribution{"JaneDoe": contribution(1, 3)})
	require.NoError(t, err)

	blob, err := st.Encode()
	require.NoError(t, err)

	restored := NewStore(0)
	require.NoError(t, restored.Decode(blob))
	assert.Equal(t, 2, restored.Len())
	assert.Equal(t, int64(1), restored.LastApplied())
	assert.Equal(t, 10.0, restored.Get("JohnJones").Accs["total"].Final())
	assert.Equal(t, 42.0, restored.Get("JohnJones").LastEventTime)
	wm, ok := restored.Watermark(2)
	require.True(t, ok)
	assert.Equal(t, 40.0, wm)

	// Restored state keeps accumulating.
	_, err = restored.MergeBatch(2, map[string]*Contribution{"JohnJones": contribution(1, 5)})
	require.NoError(t, err)
	assert.Equal(t, 15.0, restored.Get("JohnJones").Accs["total"].Final())
}

func TestDecodeGarbage(t *testing.T) {
	st := NewStore(0)
	assert.Error(t, st.Decode([]byte("definitely not msgpack")))
}

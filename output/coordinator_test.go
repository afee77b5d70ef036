package output

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulego/microbatch/aggregator"
	"github.com/rulego/microbatch/state"
	"github.com/rulego/microbatch/types"
)

func aggConfig() *types.PipelineConfig {
	return &types.PipelineConfig{
		Schema: types.NewSchema(
			types.Field{Name: "name", Type: types.FieldString},
			types.Field{Name: "delta_t", Type: types.FieldFloat},
			types.Field{Name: "flag", Type: types.FieldInt},
		),
		GroupFields: []string{"name"},
		Aggregations: []types.AggregationField{
			{InputField: "flag", Type: aggregator.Count, OutputAlias: "flagged"},
		},
		MaxGroups: 1000,
	}
}

func buildRow(g *state.Group) types.ResultRow {
	return types.ResultRow{GroupKey: g.Key, Fields: map[string]interface{}{"name": g.Key}, FirstSeen: g.FirstBatch}
}

func merge(t *testing.T, st *state.Store, batchID int64, keys map[string]float64) []types.ResultRow {
	t.Helper()
	contribs := make(map[string]*state.Contribution, len(keys))
	var touched []types.ResultRow
	for key, et := range keys {
		acc := aggregator.New(aggregator.Count)
		acc.Add(1)
		contribs[key] = &state.Contribution{
			Fields:       map[string]interface{}{"name": key},
			Accs:         map[string]*aggregator.Accumulator{"flagged": acc},
			Records:      1,
			MaxEventTime: et,
			HasEventTime: et > 0,
		}
	}
	keysTouched, err := st.MergeBatch(batchID, contribs)
	require.NoError(t, err)
	for _, key := range keysTouched {
		touched = append(touched, buildRow(st.Get(key)))
	}
	return touched
}

func TestValidateCompleteRequiresBound(t *testing.T) {
	cfg := aggConfig()
	cfg.MaxGroups = 0
	err := Validate(cfg, types.Complete)
	require.ErrorIs(t, err, types.ErrUnsupportedModeForQuery)

	cfg.MaxGroups = 10
	assert.NoError(t, Validate(cfg, types.Complete))
}

func TestValidateAppendRequiresWatermark(t *testing.T) {
	cfg := aggConfig()
	err := Validate(cfg, types.Append)
	require.ErrorIs(t, err, types.ErrAppendModeIncompatible)

	cfg.EventTimeField = "delta_t"
	cfg.WatermarkDelay = time.Second
	assert.NoError(t, Validate(cfg, types.Append))

	// Without mutable aggregates, Append needs no watermark.
	cfg = aggConfig()
	cfg.Aggregations = nil
	assert.NoError(t, Validate(cfg, types.Append))
}

// Update mode emits exactly the groups touched by the current batch.
func TestUpdateModeEmitsTouchedOnly(t *testing.T) {
	cfg := aggConfig()
	c, err := NewCoordinator(cfg, types.Update, buildRow)
	require.NoError(t, err)
	st := state.NewStore(0)

	touched := merge(t, st, 0, map[string]float64{"John": 0, "Jane": 0})
	assert.Len(t, c.Rows(0, touched, st), 2)

	touched = merge(t, st, 1, map[string]float64{"Jane": 0})
	rows := c.Rows(1, touched, st)
	require.Len(t, rows, 1)
	assert.Equal(t, "Jane", rows[0].GroupKey)
}

// Complete mode emits every group ever seen, on every trigger.
func TestCompleteModeEmitsAll(t *testing.T) {
	cfg := aggConfig()
	c, err := NewCoordinator(cfg, types.Complete, buildRow)
	require.NoError(t, err)
	st := state.NewStore(0)

	touched := merge(t, st, 0, map[string]float64{"John": 0})
	assert.Len(t, c.Rows(0, touched, st), 1)

	touched = merge(t, st, 1, map[string]float64{"Jane": 0})
	assert.Len(t, c.Rows(1, touched, st), 2)

	// Even an empty batch re-emits the full snapshot.
	touched = merge(t, st, 2, nil)
	assert.Len(t, c.Rows(2, touched, st), 2)
}

// Append mode emits a group only once its event time passed the watermark,
// and never re-emits it.
func TestAppendModeEmitsFinalGroupsOnce(t *testing.T) {
	cfg := aggConfig()
	cfg.EventTimeField = "delta_t"
	cfg.WatermarkDelay = 10 * time.Second
	c, err := NewCoordinator(cfg, types.Append, buildRow)
	require.NoError(t, err)
	st := state.NewStore(0)

	touched := merge(t, st, 0, map[string]float64{"John": 100})
	assert.Empty(t, c.Rows(0, touched, st), "watermark has not passed John yet")

	// An event far ahead moves the watermark past John.
	touched = merge(t, st, 1, map[string]float64{"Jane": 500})
	rows := c.Rows(1, touched, st)
	require.Len(t, rows, 1)
	assert.Equal(t, "John", rows[0].GroupKey)

	// John is never re-emitted.
	touched = merge(t, st, 2, map[string]float64{"Late": 1000})
	for _, row := range c.Rows(2, touched, st) {
		assert.NotEqual(t, "John", row.GroupKey)
	}
}

func TestAppendEmittedSetRoundTrip(t *testing.T) {
	cfg := aggConfig()
	cfg.EventTimeField = "delta_t"
	cfg.WatermarkDelay = 10 * time.Second
	c, err := NewCoordinator(cfg, types.Append, buildRow)
	require.NoError(t, err)
	st := state.NewStore(0)

	merge(t, st, 0, map[string]float64{"John": 100})
	touched := merge(t, st, 1, map[string]float64{"Jane": 500})
	require.Len(t, c.Rows(1, touched, st), 1)

	blob, err := c.EncodeEmitted()
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	restored, err := NewCoordinator(cfg, types.Append, buildRow)
	require.NoError(t, err)
	require.NoError(t, restored.RestoreEmitted(blob))

	// After restore, John stays emitted.
	touched = merge(t, st, 2, map[string]float64{"Far": 2000})
	for _, row := range restored.Rows(2, touched, st) {
		assert.NotEqual(t, "John", row.GroupKey)
	}
}

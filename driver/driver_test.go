package driver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulego/microbatch/aggregator"
	"github.com/rulego/microbatch/checkpoint"
	"github.com/rulego/microbatch/logger"
	"github.com/rulego/microbatch/sink"
	"github.com/rulego/microbatch/source"
	"github.com/rulego/microbatch/trigger"
	"github.com/rulego/microbatch/types"
)

func init() {
	logger.SetDefault(logger.NewDiscardLogger())
}

const (
	johnLine  = `{"name":"John","surname":"Jones","amount":1,"delta_t":1,"flag":1}`
	johnLine2 = `{"name":"John","surname":"Jones","amount":2,"delta_t":1,"flag":1}`
	janeLine  = `{"name":"Jane","surname":"Doe","amount":3,"delta_t":2,"flag":1}`
)

func fraudConfig() *types.PipelineConfig {
	return &types.PipelineConfig{
		Schema: types.NewSchema(
			types.Field{Name: "name", Type: types.FieldString},
			types.Field{Name: "surname", Type: types.FieldString},
			types.Field{Name: "amount", Type: types.FieldFloat},
			types.Field{Name: "delta_t", Type: types.FieldFloat},
			types.Field{Name: "flag", Type: types.FieldInt},
		),
		GroupFields: []string{"name", "surname"},
		Aggregations: []types.AggregationField{
			{InputField: "flag", Type: aggregator.Count, OutputAlias: "flagged", Filter: "flag == 1"},
		},
		ResultExpressions: []types.FieldExpression{
			{Field: "is_fraud", Expression: "flagged > 1"},
		},
		MaxGroups: 1000,
	}
}

func testOptions() Options {
	return Options{
		SourceRetryBackoff: 10 * time.Millisecond,
		SinkMaxRetries:     3,
		SinkRetryBackoff:   5 * time.Millisecond,
	}
}

func startDriver(t *testing.T, cfg *types.PipelineConfig, mode types.OutputMode,
	src source.Source, snk sink.Sink, ckpt checkpoint.Store) *Driver {
	t.Helper()
	d, err := New("test-query", cfg, mode, trigger.NewIntervalTrigger(10*time.Millisecond), src, snk, ckpt, testOptions())
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		d.Stop()
		d.AwaitTermination(2 * time.Second)
	})
	return d
}

// findRow scans all written batches for the group key and returns the rows
// of the batches containing it.
func findRow(snk *sink.MemorySink, key string) []types.ResultRow {
	var found []types.ResultRow
	for _, id := range snk.BatchIDs() {
		for _, row := range snk.Rows(id) {
			if row.GroupKey == key {
				found = append(found, row)
			}
		}
	}
	return found
}

func TestUpdateModeFraudEndToEnd(t *testing.T) {
	src := source.NewMemorySource()
	snk := sink.NewMemorySink()
	src.Push(johnLine, johnLine2)

	d := startDriver(t, fraudConfig(), types.Update, src, snk, nil)

	require.Eventually(t, func() bool { return len(findRow(snk, "JohnJones")) > 0 },
		3*time.Second, 10*time.Millisecond)

	rows := findRow(snk, "JohnJones")
	require.Len(t, rows, 1, "update mode emits the touched group once")
	assert.Equal(t, int64(2), rows[0].Fields["flagged"])
	assert.Equal(t, true, rows[0].Fields["is_fraud"])

	// Later empty batches do not re-emit the untouched group.
	require.Eventually(t, func() bool { return len(snk.BatchIDs()) >= 3 },
		3*time.Second, 10*time.Millisecond)
	assert.Len(t, findRow(snk, "JohnJones"), 1)

	status := d.Status()
	assert.Equal(t, int64(2), status.InputRows)
	assert.Equal(t, int64(1), status.RowsEmitted)
}

// Empty batches still advance the batch identifier and dispatch an (empty)
// write, gaplessly.
func TestEmptyBatchesAdvance(t *testing.T) {
	src := source.NewMemorySource()
	snk := sink.NewMemorySink()
	d := startDriver(t, fraudConfig(), types.Update, src, snk, nil)

	require.Eventually(t, func() bool { return len(snk.BatchIDs()) >= 3 },
		3*time.Second, 10*time.Millisecond)

	ids := snk.BatchIDs()
	for i, id := range ids[:3] {
		assert.Equal(t, int64(i), id, "batch ids are gapless from 0")
		assert.Empty(t, snk.Rows(id))
	}
	assert.GreaterOrEqual(t, d.Status().BatchID, int64(2))
}

func TestMalformedInputDoesNotStopQuery(t *testing.T) {
	src := source.NewMemorySource()
	snk := sink.NewMemorySink()
	src.Push("not json")
	d := startDriver(t, fraudConfig(), types.Update, src, snk, nil)

	require.Eventually(t, func() bool { return d.Status().MalformedRows == 1 },
		3*time.Second, 10*time.Millisecond)
	assert.False(t, d.State().Terminal())

	src.Push(johnLine)
	require.Eventually(t, func() bool { return len(findRow(snk, "JohnJones")) > 0 },
		3*time.Second, 10*time.Millisecond)
}

func TestSourceDisconnectRetriedOnce(t *testing.T) {
	src := source.NewMemorySource()
	snk := sink.NewMemorySink()
	src.FailNext(types.ErrSourceDisconnected)
	src.Push(johnLine)
	d := startDriver(t, fraudConfig(), types.Update, src, snk, nil)

	require.Eventually(t, func() bool { return len(findRow(snk, "JohnJones")) > 0 },
		3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, src.Opens(), 2, "driver reopened the source")
	assert.False(t, d.State().Terminal())
}

func TestSourceDisconnectTwiceIsFatal(t *testing.T) {
	src := source.NewMemorySource()
	snk := sink.NewMemorySink()
	src.FailNext(types.ErrSourceDisconnected)
	src.FailNext(types.ErrSourceDisconnected)
	d := startDriver(t, fraudConfig(), types.Update, src, snk, nil)

	terminated, err := d.AwaitTermination(3 * time.Second)
	require.True(t, terminated)
	require.ErrorIs(t, err, types.ErrSourceDisconnected)
	assert.Equal(t, types.StateFailed, d.State())
	assert.NotEmpty(t, d.Status().Error)
}

func TestSinkTransientFailureRetried(t *testing.T) {
	src := source.NewMemorySource()
	snk := sink.NewMemorySink()
	snk.FailNext(2)
	src.Push(johnLine)
	d := startDriver(t, fraudConfig(), types.Update, src, snk, nil)

	require.Eventually(t, func() bool { return len(findRow(snk, "JohnJones")) > 0 },
		3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, d.Stats().SinkRetryCount(), int64(2))
	assert.False(t, d.State().Terminal())
}

func TestSinkRetriesExhaustedIsFatal(t *testing.T) {
	src := source.NewMemorySource()
	snk := sink.NewMemorySink()
	snk.FailNext(100)
	src.Push(johnLine)
	d := startDriver(t, fraudConfig(), types.Update, src, snk, nil)

	terminated, err := d.AwaitTermination(3 * time.Second)
	require.True(t, terminated)
	var sinkErr *types.SinkError
	require.ErrorAs(t, err, &sinkErr)
	assert.Equal(t, types.StateFailed, d.State())
}

func TestStopIsGraceful(t *testing.T) {
	src := source.NewMemorySource()
	snk := sink.NewMemorySink()
	d := startDriver(t, fraudConfig(), types.Update, src, snk, nil)

	require.Eventually(t, func() bool { return len(snk.BatchIDs()) >= 1 },
		3*time.Second, 10*time.Millisecond)

	d.Stop()
	terminated, err := d.AwaitTermination(2 * time.Second)
	require.True(t, terminated)
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, d.State())
}

func TestAwaitTerminationTimeout(t *testing.T) {
	src := source.NewMemorySource()
	snk := sink.NewMemorySink()
	d := startDriver(t, fraudConfig(), types.Update, src, snk, nil)

	terminated, err := d.AwaitTermination(50 * time.Millisecond)
	assert.False(t, terminated)
	assert.NoError(t, err)
}

// Restarting against the same checkpoint resumes at the next batch id with
// the aggregation state intact.
func TestRestartResumesFromCheckpoint(t *testing.T) {
	ckpt := checkpoint.NewMemoryStore()

	src1 := source.NewMemorySource()
	snk1 := sink.NewMemorySink()
	src1.Push(johnLine)
	d1 := startDriver(t, fraudConfig(), types.Update, src1, snk1, ckpt)

	require.Eventually(t, func() bool { return len(findRow(snk1, "JohnJones")) > 0 },
		3*time.Second, 10*time.Millisecond)
	d1.Stop()
	terminated, err := d1.AwaitTermination(2 * time.Second)
	require.True(t, terminated)
	require.NoError(t, err)

	cp, err := ckpt.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	lastID := cp.LastBatchID

	src2 := source.NewMemorySource()
	snk2 := sink.NewMemorySink()
	src2.Push(johnLine2)
	startDriver(t, fraudConfig(), types.Update, src2, snk2, ckpt)

	require.Eventually(t, func() bool { return len(findRow(snk2, "JohnJones")) > 0 },
		3*time.Second, 10*time.Millisecond)

	rows := findRow(snk2, "JohnJones")
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Fields["flagged"], "count continued from restored state")
	assert.Equal(t, true, rows[0].Fields["is_fraud"])
	assert.Equal(t, lastID+1, snk2.BatchIDs()[0], "resumed at the next batch id")
}

func TestCheckpointSaveFailureIsFatal(t *testing.T) {
	ckpt := checkpoint.NewMemoryStore()
	ckpt.FailNext(errors.New("disk full"))
	src := source.NewMemorySource()
	snk := sink.NewMemorySink()
	d := startDriver(t, fraudConfig(), types.Update, src, snk, ckpt)

	terminated, err := d.AwaitTermination(3 * time.Second)
	require.True(t, terminated)
	require.Error(t, err)
	assert.Equal(t, types.StateFailed, d.State())
}

func TestCompleteModeEmitsFullSnapshot(t *testing.T) {
	src := source.NewMemorySource()
	snk := sink.NewMemorySink()
	src.Push(johnLine)
	startDriver(t, fraudConfig(), types.Complete, src, snk, nil)

	require.Eventually(t, func() bool { return len(findRow(snk, "JohnJones")) > 0 },
		3*time.Second, 10*time.Millisecond)

	src.Push(janeLine)
	require.Eventually(t, func() bool {
		ids := snk.BatchIDs()
		if len(ids) == 0 {
			return false
		}
		return len(snk.Rows(ids[len(ids)-1])) == 2
	}, 3*time.Second, 10*time.Millisecond, "latest snapshot carries both groups")
}

// Mode incompatibilities surface at construction, never at runtime.
func TestModeValidationAtStart(t *testing.T) {
	src := source.NewMemorySource()
	snk := sink.NewMemorySink()

	cfg := fraudConfig()
	_, err := New("q", cfg, types.Append, trigger.NewContinuousTrigger(), src, snk, nil, testOptions())
	require.ErrorIs(t, err, types.ErrAppendModeIncompatible)

	cfg = fraudConfig()
	cfg.MaxGroups = 0
	_, err = New("q", cfg, types.Complete, trigger.NewContinuousTrigger(), src, snk, nil, testOptions())
	require.ErrorIs(t, err, types.ErrUnsupportedModeForQuery)
}

func TestAppendModeEndToEnd(t *testing.T) {
	cfg := fraudConfig()
	cfg.EventTimeField = "delta_t"
	cfg.WatermarkDelay = 10 * time.Second

	src := source.NewMemorySource()
	snk := sink.NewMemorySink()
	src.Push(johnLine) // delta_t=1
	startDriver(t, cfg, types.Append, src, snk, nil)

	// John is not final until the watermark passes its event time.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, findRow(snk, "JohnJones"))

	// An event far ahead in event time finalizes John.
	src.Push(`{"name":"Far","surname":"Ahead","amount":1,"delta_t":1000,"flag":1}`)
	require.Eventually(t, func() bool { return len(findRow(snk, "JohnJones")) > 0 },
		3*time.Second, 10*time.Millisecond)
	require.Len(t, findRow(snk, "JohnJones"), 1)

	// And John is never emitted again.
	src.Push(`{"name":"Even","surname":"Further","amount":1,"delta_t":5000,"flag":1}`)
	require.Eventually(t, func() bool { return len(findRow(snk, "FarAhead")) > 0 },
		3*time.Second, 10*time.Millisecond)
	assert.Len(t, findRow(snk, "JohnJones"), 1)
}

/*
 * Copyright 2025 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package driver orchestrates one query: trigger-gated source pulls,
// batch processing against state, mode-filtered output dispatch and
// checkpointing. Exactly one batch is in flight per query.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rulego/microbatch/checkpoint"
	"github.com/rulego/microbatch/logger"
	"github.com/rulego/microbatch/metrics"
	"github.com/rulego/microbatch/output"
	"github.com/rulego/microbatch/processor"
	"github.com/rulego/microbatch/sink"
	"github.com/rulego/microbatch/source"
	"github.com/rulego/microbatch/state"
	"github.com/rulego/microbatch/trigger"
	"github.com/rulego/microbatch/types"
)

// errStopped marks a pull abandoned because stop was requested.
var errStopped = errors.New("stop requested")

// Options tunes the driver's retry behavior.
type Options struct {
	// SourceRetryBackoff is the wait before the single reconnect attempt
	// after a source disconnect.
	SourceRetryBackoff time.Duration
	// SinkMaxRetries bounds retries of a failed sink write.
	SinkMaxRetries int
	// SinkRetryBackoff is the initial backoff between sink retries; it
	// doubles per attempt.
	SinkRetryBackoff time.Duration
}

// withDefaults fills unset options.
func (o Options) withDefaults() Options {
	if o.SourceRetryBackoff <= 0 {
		o.SourceRetryBackoff = time.Second
	}
	if o.SinkMaxRetries <= 0 {
		o.SinkMaxRetries = 3
	}
	if o.SinkRetryBackoff <= 0 {
		o.SinkRetryBackoff = 100 * time.Millisecond
	}
	return o
}

// Driver runs one query to completion. The trigger and the processing path
// are two cooperating sequential phases of a single loop, never parallel
// workers, which guarantees no overlapping batches against the state.
type Driver struct {
	id    string
	cfg   *types.PipelineConfig
	mode  types.OutputMode
	trig  trigger.Trigger
	src   source.Source
	snk   sink.Sink
	ckpt  checkpoint.Store
	proc  *processor.Processor
	store *state.Store
	coord *output.Coordinator
	stats *metrics.Stats
	opts  Options

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	qstate  int32 // types.QueryState
	mu      sync.Mutex
	err     error
	started bool
	nextID  int64
}

// New validates the pipeline against the output mode and assembles a
// driver. All validation errors (including ErrAppendModeIncompatible and
// ErrUnsupportedModeForQuery) surface here, before anything runs.
// ckpt may be nil to run without fault tolerance.
func New(id string, cfg *types.PipelineConfig, mode types.OutputMode, trig trigger.Trigger,
	src source.Source, snk sink.Sink, ckpt checkpoint.Store, opts Options) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stats := metrics.NewStats()
	proc, err := processor.New(cfg, stats)
	if err != nil {
		return nil, err
	}
	coord, err := output.NewCoordinator(cfg, mode, proc.BuildRow)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		id:     id,
		cfg:    cfg,
		mode:   mode,
		trig:   trig,
		src:    src,
		snk:    snk,
		ckpt:   ckpt,
		proc:   proc,
		store:  state.NewStore(cfg.MaxGroups),
		coord:  coord,
		stats:  stats,
		opts:   opts.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start restores the checkpoint if present, opens the source and launches
// the processing loop. Restore failures are fatal: the query must not
// silently resume from unknown state.
func (d *Driver) Start() error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("query %s: already started", d.id)
	}
	d.started = true
	d.mu.Unlock()

	if d.ckpt != nil {
		cp, err := d.ckpt.Load()
		if err != nil {
			return err
		}
		if cp != nil {
			if err := d.store.Decode(cp.StateBlob); err != nil {
				return fmt.Errorf("%w: %v", types.ErrCheckpointCorrupt, err)
			}
			if err := d.coord.RestoreEmitted(cp.EmittedBlob); err != nil {
				return fmt.Errorf("%w: %v", types.ErrCheckpointCorrupt, err)
			}
			d.mu.Lock()
			d.nextID = cp.LastBatchID + 1
			d.mu.Unlock()
			logger.Info("query %s: resuming at batch %d with %d groups", d.id, cp.LastBatchID+1, d.store.Len())
		}
	}
	if err := d.src.Open(d.ctx); err != nil {
		return fmt.Errorf("query %s: open source: %w", d.id, err)
	}
	d.setState(types.StateIdle)
	go d.run()
	return nil
}

func (d *Driver) run() {
	defer close(d.doneCh)
	defer d.trig.Stop()
	defer d.src.Close()

	for {
		d.setState(types.StateWaiting)
		if !d.trig.Next(d.ctx) || d.stopRequested() {
			d.finish(nil)
			return
		}

		d.setState(types.StatePulling)
		lines, err := d.pull()
		if errors.Is(err, errStopped) || errors.Is(err, context.Canceled) {
			d.finish(nil)
			return
		}
		if err != nil {
			d.finish(err)
			return
		}

		// From here the batch runs to completion; stop is only honored
		// again at the next waiting-to-pulling boundary.
		d.setState(types.StateProcessing)
		started := time.Now()
		if err := d.processBatch(lines); err != nil {
			d.finish(err)
			return
		}
		d.stats.SetLastBatchDuration(time.Since(started))
		d.stats.IncBatch()
		d.setState(types.StateIdle)
	}
}

// processBatch runs one batch end to end: process, dispatch, checkpoint.
// Empty pulls still advance the batch id and dispatch an empty write.
func (d *Driver) processBatch(lines []string) error {
	d.mu.Lock()
	id := d.nextID
	d.mu.Unlock()

	batch := d.proc.ParseBatch(id, lines)
	touched, err := d.proc.Process(batch, d.store)
	if err != nil {
		return fmt.Errorf("process batch %d: %w", id, err)
	}
	rows := d.coord.Rows(id, touched, d.store)

	// The sink write precedes the checkpoint: a crash in between causes
	// the batch to be reprocessed and rewritten, which idempotent sinks
	// tolerate.
	if err := d.writeSink(rows, id); err != nil {
		return err
	}
	if d.ckpt != nil {
		blob, err := d.store.Encode()
		if err != nil {
			return fmt.Errorf("encode state for batch %d: %w", id, err)
		}
		emitted, err := d.coord.EncodeEmitted()
		if err != nil {
			return fmt.Errorf("encode emitted set for batch %d: %w", id, err)
		}
		if err := d.ckpt.Save(&checkpoint.Checkpoint{
			LastBatchID: id,
			StateBlob:   blob,
			EmittedBlob: emitted,
		}); err != nil {
			return fmt.Errorf("save checkpoint for batch %d: %w", id, err)
		}
	}
	d.stats.AddEmitted(int64(len(rows)))
	d.mu.Lock()
	d.nextID = id + 1
	d.mu.Unlock()
	logger.Debug("query %s: batch %d done, %d lines in, %d rows out", d.id, id, len(lines), len(rows))
	return nil
}

// pull reads the next lines. A disconnected source is retried exactly once
// after a bounded backoff; a second failure is fatal to the query.
func (d *Driver) pull() ([]string, error) {
	lines, err := d.src.Pull(d.ctx)
	if !errors.Is(err, types.ErrSourceDisconnected) {
		return lines, err
	}
	logger.Warn("query %s: %v, reconnecting once in %v", d.id, err, d.opts.SourceRetryBackoff)
	d.stats.IncSourceReconnect()
	select {
	case <-time.After(d.opts.SourceRetryBackoff):
	case <-d.stopCh:
		return nil, errStopped
	}
	if err := d.src.Open(d.ctx); err != nil {
		return nil, fmt.Errorf("%w: reconnect failed: %v", types.ErrSourceDisconnected, err)
	}
	return d.src.Pull(d.ctx)
}

// writeSink dispatches rows with bounded exponential backoff on failure.
func (d *Driver) writeSink(rows []types.ResultRow, batchID int64) error {
	backoff := d.opts.SinkRetryBackoff
	var err error
	for attempt := 0; attempt <= d.opts.SinkMaxRetries; attempt++ {
		if attempt > 0 {
			d.stats.IncSinkRetry()
			time.Sleep(backoff)
			backoff *= 2
		}
		if err = d.snk.Write(rows, batchID); err == nil {
			return nil
		}
		logger.Warn("query %s: sink write for batch %d failed (attempt %d): %v", d.id, batchID, attempt+1, err)
	}
	return &types.SinkError{BatchID: batchID, Err: err}
}

// Stop requests a graceful stop. The in-flight batch finishes; the stop is
// honored at the next waiting-to-pulling boundary. An idle pull blocked on
// the source is abandoned, which is safe because nothing of that batch has
// been merged yet.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.cancel()
	})
}

// AwaitTermination blocks until the driver reaches a terminal state or the
// timeout elapses. timeout <= 0 blocks indefinitely. It returns whether the
// driver terminated, and the fatal error if it failed.
func (d *Driver) AwaitTermination(timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		<-d.doneCh
		return true, d.Err()
	}
	select {
	case <-d.doneCh:
		return true, d.Err()
	case <-time.After(timeout):
		return false, nil
	}
}

// Err returns the fatal error of a failed query, or nil.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// State returns the current lifecycle state.
func (d *Driver) State() types.QueryState {
	return types.QueryState(atomic.LoadInt32(&d.qstate))
}

// Status reports the query's observable progress.
func (d *Driver) Status() types.QueryStatus {
	d.mu.Lock()
	lastBatch := d.nextID - 1
	errMsg := ""
	if d.err != nil {
		errMsg = d.err.Error()
	}
	d.mu.Unlock()
	return types.QueryStatus{
		ID:                  d.id,
		State:               d.State(),
		BatchID:             lastBatch,
		LastBatchDurationMs: d.stats.LastBatchDuration(),
		RowsEmitted:         d.stats.EmittedCount(),
		InputRows:           d.stats.InputCount(),
		MalformedRows:       d.stats.MalformedCount(),
		DroppedGroups:       d.store.Dropped(),
		Error:               errMsg,
	}
}

// Stats exposes the query's metrics collector.
func (d *Driver) Stats() *metrics.Stats { return d.stats }

// Store exposes the query's state store, mainly for tests and tooling.
func (d *Driver) Store() *state.Store { return d.store }

func (d *Driver) stopRequested() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

func (d *Driver) setState(s types.QueryState) {
	atomic.StoreInt32(&d.qstate, int32(s))
}

// finish records the terminal state.
func (d *Driver) finish(err error) {
	if err != nil {
		d.mu.Lock()
		d.err = err
		d.mu.Unlock()
		d.setState(types.StateFailed)
		logger.Error("query %s failed: %v", d.id, err)
		return
	}
	d.setState(types.StateStopped)
	logger.Info("query %s stopped", d.id)
}

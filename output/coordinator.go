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

// Package output computes which result rows are handed to the sink per
// trigger, according to the query's output mode.
package output

import (
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rulego/microbatch/state"
	"github.com/rulego/microbatch/types"
)

// RowBuilder recomputes the result row of a group from current state.
type RowBuilder func(g *state.Group) types.ResultRow

// Coordinator applies the output mode to the updated state after each
// batch. In Append mode it tracks which groups were already emitted; that
// set is part of the query's durable progress and travels with the
// checkpoint.
type Coordinator struct {
	mode     types.OutputMode
	build    RowBuilder
	delaySec float64
	hasAggs  bool

	mu      sync.Mutex
	emitted map[string]bool
}

// Validate checks mode/pipeline compatibility once at query start; these
// conditions are never reported at runtime.
func Validate(cfg *types.PipelineConfig, mode types.OutputMode) error {
	switch mode {
	case types.Complete:
		// Complete must enumerate every group each trigger, which requires
		// a declared bound on live state.
		if cfg.MaxGroups <= 0 {
			return fmt.Errorf("%w: complete mode requires a max groups bound", types.ErrUnsupportedModeForQuery)
		}
	case types.Append:
		// A mutable aggregate may be updated by any later batch; without a
		// watermark there is no point at which a row is final.
		if len(cfg.Aggregations) > 0 && (cfg.EventTimeField == "" || cfg.WatermarkDelay <= 0) {
			return fmt.Errorf("%w: aggregations require an event time field and watermark delay", types.ErrAppendModeIncompatible)
		}
	}
	return nil
}

// NewCoordinator validates and creates the coordinator for one query.
func NewCoordinator(cfg *types.PipelineConfig, mode types.OutputMode, build RowBuilder) (*Coordinator, error) {
	if err := Validate(cfg, mode); err != nil {
		return nil, err
	}
	return &Coordinator{
		mode:     mode,
		build:    build,
		delaySec: cfg.WatermarkDelay.Seconds(),
		hasAggs:  len(cfg.Aggregations) > 0,
		emitted:  make(map[string]bool),
	}, nil
}

// Rows computes the rows to emit for the batch.
//   - Complete: every live group, every trigger.
//   - Update: exactly the groups touched by this batch.
//   - Append: groups that can no longer be updated (event time below the
//     watermark), each emitted exactly once.
func (c *Coordinator) Rows(batchID int64, touched []types.ResultRow, st *state.Store) []types.ResultRow {
	switch c.mode {
	case types.Complete:
		groups := st.Snapshot()
		rows := make([]types.ResultRow, 0, len(groups))
		for _, g := range groups {
			rows = append(rows, c.build(g))
		}
		return rows
	case types.Append:
		return c.appendRows(batchID, st)
	default: // Update
		return touched
	}
}

func (c *Coordinator) appendRows(batchID int64, st *state.Store) []types.ResultRow {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rows []types.ResultRow
	if c.hasAggs {
		watermark, ok := st.Watermark(c.delaySec)
		if !ok {
			return nil
		}
		for _, g := range st.Snapshot() {
			if c.emitted[g.Key] {
				continue
			}
			if g.HasEventTime && g.LastEventTime < watermark {
				rows = append(rows, c.build(g))
				c.emitted[g.Key] = true
			}
		}
		return rows
	}
	// Without aggregations a group's row never changes after its first
	// batch, so new groups are final immediately.
	for _, g := range st.Snapshot() {
		if c.emitted[g.Key] || g.FirstBatch != batchID {
			continue
		}
		rows = append(rows, c.build(g))
		c.emitted[g.Key] = true
	}
	return rows
}

// EncodeEmitted serializes the emitted-group set for the checkpoint.
func (c *Coordinator) EncodeEmitted() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != types.Append || len(c.emitted) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(c.emitted))
	for key := range c.emitted {
		keys = append(keys, key)
	}
	return msgpack.Marshal(keys)
}

// RestoreEmitted restores the emitted-group set from a checkpoint blob.
func (c *Coordinator) RestoreEmitted(blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	var keys []string
	if err := msgpack.Unmarshal(blob, &keys); err != nil {
		return fmt.Errorf("decode emitted set: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.emitted[key] = true
	}
	return nil
}

// Mode returns the coordinator's output mode.
func (c *Coordinator) Mode() types.OutputMode { return c.mode }

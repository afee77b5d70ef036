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

// Package sink receives emitted result rows. Writes happen before the
// checkpoint for the batch is persisted, so a sink must tolerate
// re-delivery of the same batch id (idempotent overwrite).
package sink

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/rulego/microbatch/types"
)

// Sink receives the rows emitted for one batch. Write is synchronous; the
// driver retries transient failures with exponential backoff.
type Sink interface {
	Write(rows []types.ResultRow, batchID int64) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(rows []types.ResultRow, batchID int64) error

func (f SinkFunc) Write(rows []types.ResultRow, batchID int64) error {
	return f(rows, batchID)
}

// ConsoleSink prints emitted rows, one batch header and one line per row.
// Field names are sorted for stable output.
type ConsoleSink struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleSink creates a console sink; nil out writes to stdout.
func NewConsoleSink(out io.Writer) *ConsoleSink {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleSink{out: out}
}

func (c *ConsoleSink) Write(rows []types.ResultRow, batchID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "-------- batch %d (%d rows) --------\n", batchID, len(rows))
	for _, row := range rows {
		names := make([]string, 0, len(row.Fields))
		for name := range row.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(c.out, "%s:", row.GroupKey)
		for _, name := range names {
			fmt.Fprintf(c.out, " %s=%v", name, row.Fields[name])
		}
		fmt.Fprintln(c.out)
	}
	return nil
}

// MemorySink records writes keyed by batch id for tests. Re-delivery of a
// batch id overwrites the previous rows, which makes it idempotent.
type MemorySink struct {
	mu       sync.Mutex
	batches  map[int64][]types.ResultRow
	writes   int
	failures int
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{batches: make(map[int64][]types.ResultRow)}
}

// FailNext makes the next n writes fail with a transient SinkError.
func (m *MemorySink) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

func (m *MemorySink) Write(rows []types.ResultRow, batchID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failures > 0 {
		m.failures--
		return &types.SinkError{BatchID: batchID, Err: fmt.Errorf("injected transient failure")}
	}
	copied := make([]types.ResultRow, len(rows))
	copy(copied, rows)
	m.batches[batchID] = copied
	return nil
}

// Rows returns the rows last written for the batch id.
func (m *MemorySink) Rows(batchID int64) []types.ResultRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches[batchID]
}

// BatchIDs returns the written batch ids in ascending order.
func (m *MemorySink) BatchIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.batches))
	for id := range m.batches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// WriteCount returns the total number of Write calls, including failures.
func (m *MemorySink) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

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

// Package metrics collects per-query processing statistics.
package metrics

import (
	"sync/atomic"
	"time"
)

// Statistics field constants
const (
	InputCount      = "input_count"
	MalformedCount  = "malformed_count"
	EmittedCount    = "emitted_count"
	BatchCount      = "batch_count"
	LastBatchDurMs  = "last_batch_duration_ms"
	SinkRetryCount  = "sink_retry_count"
	SourceReconnect = "source_reconnect_count"
)

// Stats is a thread-safe statistics collector for one query.
type Stats struct {
	inputCount       int64
	malformedCount   int64
	emittedCount     int64
	batchCount       int64
	lastBatchDurMs   int64
	sinkRetryCount   int64
	sourceReconnects int64
}

// NewStats creates an empty collector.
func NewStats() *Stats { return &Stats{} }

func (s *Stats) AddInput(n int64)     { atomic.AddInt64(&s.inputCount, n) }
func (s *Stats) AddMalformed(n int64) { atomic.AddInt64(&s.malformedCount, n) }
func (s *Stats) AddEmitted(n int64)   { atomic.AddInt64(&s.emittedCount, n) }
func (s *Stats) IncBatch()            { atomic.AddInt64(&s.batchCount, 1) }
func (s *Stats) IncSinkRetry()        { atomic.AddInt64(&s.sinkRetryCount, 1) }
func (s *Stats) IncSourceReconnect()  { atomic.AddInt64(&s.sourceReconnects, 1) }
func (s *Stats) SetLastBatchDuration(d time.Duration) {
	atomic.StoreInt64(&s.lastBatchDurMs, d.Milliseconds())
}

func (s *Stats) InputCount() int64        { return atomic.LoadInt64(&s.inputCount) }
func (s *Stats) MalformedCount() int64    { return atomic.LoadInt64(&s.malformedCount) }
func (s *Stats) EmittedCount() int64      { return atomic.LoadInt64(&s.emittedCount) }
func (s *Stats) BatchCount() int64        { return atomic.LoadInt64(&s.batchCount) }
func (s *Stats) LastBatchDuration() int64 { return atomic.LoadInt64(&s.lastBatchDurMs) }
func (s *Stats) SinkRetryCount() int64    { return atomic.LoadInt64(&s.sinkRetryCount) }
func (s *Stats) SourceReconnects() int64  { return atomic.LoadInt64(&s.sourceReconnects) }

// Snapshot returns all counters keyed by the statistics field constants.
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		InputCount:      s.InputCount(),
		MalformedCount:  s.MalformedCount(),
		EmittedCount:    s.EmittedCount(),
		BatchCount:      s.BatchCount(),
		LastBatchDurMs:  s.LastBatchDuration(),
		SinkRetryCount:  s.SinkRetryCount(),
		SourceReconnect: s.SourceReconnects(),
	}
}

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

// Package checkpoint persists query progress: the last completed batch id
// and the serialized aggregation state. A checkpoint is written after the
// batch's rows were handed to the sink, which yields at-least-once
// delivery with idempotent sinks.
package checkpoint

import "time"

// Checkpoint is the durable progress record of one query.
type Checkpoint struct {
	// LastBatchID is the id of the last fully completed batch.
	LastBatchID int64 `json:"lastBatchId"`
	// StateBlob is the serialized aggregation state (msgpack).
	StateBlob []byte `json:"stateBlob"`
	// EmittedBlob is the serialized Append-mode emitted-group set, empty
	// for other modes.
	EmittedBlob []byte `json:"emittedBlob,omitempty"`
	// UpdatedAt is when the checkpoint was written.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists checkpoints. Load is called once at query start and
// returns nil when no checkpoint exists; a checkpoint that exists but
// cannot be decoded surfaces types.ErrCheckpointCorrupt. Save never
// regresses: a save for a smaller batch id than already persisted fails.
type Store interface {
	Load() (*Checkpoint, error)
	Save(cp *Checkpoint) error
}

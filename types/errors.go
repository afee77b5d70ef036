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

package types

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceDisconnected is returned by a source pull when the
	// underlying connection dropped. The driver retries it exactly once
	// with a bounded backoff, then fails the query.
	ErrSourceDisconnected = errors.New("source disconnected")

	// ErrCheckpointCorrupt is returned at startup when the persisted
	// checkpoint cannot be decoded. The query must not silently resume
	// from unknown state.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrAppendModeIncompatible is returned at query-start validation when
	// the pipeline contains a mutable aggregate without a watermark, so
	// emitted groups could still be updated.
	ErrAppendModeIncompatible = errors.New("append mode incompatible with pipeline")

	// ErrUnsupportedModeForQuery is returned at query-start validation
	// when Complete mode is requested over unbounded state.
	ErrUnsupportedModeForQuery = errors.New("output mode unsupported for query")

	// ErrQueryNotFound is returned by engine control operations for
	// unknown query ids.
	ErrQueryNotFound = errors.New("query not found")
)

// SinkError wraps a sink write failure for one batch. Transient sink errors
// are retried with exponential backoff; a SinkError surfacing from the
// driver means retries were exhausted.
type SinkError struct {
	BatchID int64
	Err     error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink write failed for batch %d: %v", e.BatchID, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

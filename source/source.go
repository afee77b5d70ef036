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

// Package source abstracts append-only external feeds into discrete pulls
// of newly arrived raw lines.
package source

import "context"

// Source is an append-only feed of raw input lines.
//
// Pull returns all complete lines received since the previous pull. When no
// lines are buffered it may block up to the source's read timeout; a
// timeout with zero new data returns an empty slice and no error, so
// time-based triggers keep producing visible (empty) batches. A dropped
// connection surfaces types.ErrSourceDisconnected; Open re-establishes the
// connection.
type Source interface {
	Open(ctx context.Context) error
	Pull(ctx context.Context) ([]string, error)
	Close() error
}

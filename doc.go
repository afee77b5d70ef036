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

// Package microbatch is a minimal incremental micro-batch stream
// processing engine. It pulls newly arrived lines from an append-only
// source on a trigger schedule, runs a declared parse/filter/aggregate
// pipeline over each micro-batch, maintains per-group accumulators across
// batches, and emits result rows to a sink under Append, Update or
// Complete output semantics.
//
// Progress is checkpointed after each batch's output is handed to the
// sink, so a restarted query resumes at the next batch with its
// aggregation state intact. Delivery is at-least-once; sinks are expected
// to overwrite idempotently by batch id.
package microbatch

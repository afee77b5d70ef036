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

// Package types defines the shared data model of the micro-batch engine:
// schemas, records, batches, result rows, output modes and query status.
package types

import "fmt"

// FieldType enumerates the value types a schema field can declare.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldFloat  FieldType = "float"
	FieldInt    FieldType = "int"
	FieldBool   FieldType = "bool"
)

// ParseFieldType parses a field type name as used in config files.
func ParseFieldType(s string) (FieldType, error) {
	switch FieldType(s) {
	case FieldString, FieldFloat, FieldInt, FieldBool:
		return FieldType(s), nil
	case "double":
		return FieldFloat, nil
	case "integer":
		return FieldInt, nil
	case "boolean":
		return FieldBool, nil
	}
	return "", fmt.Errorf("unknown field type %q", s)
}

// Field is one named, typed column of a schema.
type Field struct {
	Name string    `json:"name" yaml:"name"`
	Type FieldType `json:"type" yaml:"type"`
}

// Schema is an ordered sequence of fields used to validate and coerce
// records during parsing.
type Schema struct {
	Fields []Field `json:"fields" yaml:"fields"`
}

// NewSchema builds a schema from fields in declaration order.
func NewSchema(fields ...Field) Schema {
	return Schema{Fields: fields}
}

// Index returns the position of the named field, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// HasField reports whether the schema declares the named field.
func (s Schema) HasField(name string) bool { return s.Index(name) >= 0 }

// Record is one immutable parsed row. Values are positional against the
// schema; a null field is a nil value. A record whose raw input could not
// be parsed at all is marked malformed and carries all-null values.
type Record struct {
	schema    Schema
	values    []interface{}
	malformed bool
}

// NewRecord builds a record over the schema. values must have one entry per
// schema field; missing entries read as null.
func NewRecord(schema Schema, values []interface{}) Record {
	return Record{schema: schema, values: values}
}

// MalformedRecord builds the all-null record used for unparsable input.
func MalformedRecord(schema Schema) Record {
	return Record{schema: schema, values: make([]interface{}, len(schema.Fields)), malformed: true}
}

// Get returns the typed value of the named field, or nil when the field is
// null or not declared.
func (r Record) Get(name string) interface{} {
	i := r.schema.Index(name)
	if i < 0 || i >= len(r.values) {
		return nil
	}
	return r.values[i]
}

// Malformed reports whether the record came from unparsable input.
func (r Record) Malformed() bool { return r.malformed }

// Env exposes the record as a field-name keyed map for expression
// evaluation. The returned map is a copy; mutating it does not affect the
// record.
func (r Record) Env() map[string]interface{} {
	env := make(map[string]interface{}, len(r.schema.Fields))
	for i, f := range r.schema.Fields {
		if i < len(r.values) {
			env[f.Name] = r.values[i]
		} else {
			env[f.Name] = nil
		}
	}
	return env
}

// Batch is a finite ordered sequence of records pulled between two trigger
// firings. IDs are monotonically increasing and gapless per query, starting
// at 0. Batches are discarded after processing.
type Batch struct {
	ID      int64
	Records []Record
	// RawCount is the number of raw input lines, including malformed ones.
	RawCount int
}

// Empty reports whether the batch carries no records.
func (b *Batch) Empty() bool { return len(b.Records) == 0 }

// ResultRow is the per-group output computed from aggregation state.
type ResultRow struct {
	// GroupKey identifies the group the row belongs to.
	GroupKey string `json:"groupKey"`
	// Fields holds the group field values, aggregate outputs and derived
	// result expressions.
	Fields map[string]interface{} `json:"fields"`
	// FirstSeen is the batch id in which the group first appeared.
	FirstSeen int64 `json:"firstSeen"`
}

// OutputMode governs which result rows are emitted per trigger.
type OutputMode int

const (
	// Append emits each group exactly once, after no further updates to it
	// are possible.
	Append OutputMode = iota
	// Update emits only the groups touched by the current batch.
	Update
	// Complete emits the full state snapshot on every trigger.
	Complete
)

// String returns the lowercase mode name.
func (m OutputMode) String() string {
	switch m {
	case Append:
		return "append"
	case Update:
		return "update"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// ParseOutputMode parses an output mode name.
func ParseOutputMode(s string) (OutputMode, error) {
	switch s {
	case "append":
		return Append, nil
	case "update":
		return Update, nil
	case "complete":
		return Complete, nil
	}
	return Update, fmt.Errorf("unknown output mode %q", s)
}

// QueryState is the lifecycle state of a running query driver.
type QueryState int32

const (
	StateIdle QueryState = iota
	StateWaiting
	StatePulling
	StateProcessing
	StateStopped
	StateFailed
)

// String returns the state name.
func (s QueryState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StatePulling:
		return "pulling"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is a terminal state.
func (s QueryState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// QueryStatus is the observable progress of one query.
type QueryStatus struct {
	ID                  string     `json:"id"`
	State               QueryState `json:"state"`
	BatchID             int64      `json:"batchId"`
	LastBatchDurationMs int64      `json:"lastBatchDurationMs"`
	RowsEmitted         int64      `json:"rowsEmitted"`
	InputRows           int64      `json:"inputRows"`
	MalformedRows       int64      `json:"malformedRows"`
	DroppedGroups       int64      `json:"droppedGroups"`
	Error               string     `json:"error,omitempty"`
}

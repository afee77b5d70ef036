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

// Package parser turns raw input lines into schema-typed records.
// Parsing never fails: unparsable lines become malformed all-null records
// and field-level coercion failures become null fields.
package parser

import (
	"encoding/json"

	"github.com/spf13/cast"

	"github.com/rulego/microbatch/types"
)

// Parser parses one-JSON-object-per-line input against a schema.
type Parser struct {
	schema types.Schema
}

// New creates a parser for the schema.
func New(schema types.Schema) *Parser {
	return &Parser{schema: schema}
}

// Parse parses one raw line. A line that is not a JSON object yields a
// malformed record; callers count those via Record.Malformed.
func (p *Parser) Parse(line string) types.Record {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil || raw == nil {
		return types.MalformedRecord(p.schema)
	}
	values := make([]interface{}, len(p.schema.Fields))
	for i, f := range p.schema.Fields {
		v, ok := raw[f.Name]
		if !ok || v == nil {
			continue
		}
		values[i] = coerce(v, f.Type)
	}
	return types.NewRecord(p.schema, values)
}

// coerce converts a decoded JSON value to the declared field type.
// A value that cannot be coerced becomes null, not the raw value.
func coerce(v interface{}, t types.FieldType) interface{} {
	switch t {
	case types.FieldString:
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil
		}
		return s
	case types.FieldFloat:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return nil
		}
		return f
	case types.FieldInt:
		n, err := cast.ToInt64E(v)
		if err != nil {
			return nil
		}
		return n
	case types.FieldBool:
		b, err := cast.ToBoolE(v)
		if err != nil {
			return nil
		}
		return b
	default:
		return nil
	}
}

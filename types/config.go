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
	"fmt"
	"time"

	"github.com/rulego/microbatch/aggregator"
)

// AggregationField configures one aggregation over the record stream.
type AggregationField struct {
	// InputField is the record field fed to the accumulator. May be empty
	// for count.
	InputField string `json:"inputField" yaml:"input_field"`
	// Type selects the accumulator (count, sum, min, max, avg, any).
	Type aggregator.AggregateType `json:"type" yaml:"type"`
	// OutputAlias names the aggregate in result rows. Defaults to
	// "<type>_<inputField>".
	OutputAlias string `json:"outputAlias" yaml:"output_alias"`
	// Filter is an optional expression; only records for which it evaluates
	// to true contribute to this aggregation, e.g. "flag == 1".
	Filter string `json:"filter" yaml:"filter"`
}

// Alias returns the effective output alias.
func (a AggregationField) Alias() string {
	if a.OutputAlias != "" {
		return a.OutputAlias
	}
	if a.InputField == "" {
		return string(a.Type)
	}
	return fmt.Sprintf("%s_%s", a.Type, a.InputField)
}

// FieldExpression declares a per-record derived field computed before
// grouping, e.g. full_name: "name + surname".
type FieldExpression struct {
	Field      string `json:"field" yaml:"field"`
	Expression string `json:"expression" yaml:"expression"`
}

// PipelineConfig declares the full transformation pipeline of one query.
// It is assembled before the query starts, validated once, and immutable
// for the query's lifetime.
type PipelineConfig struct {
	// Schema describes the raw wire records.
	Schema Schema `json:"schema" yaml:"schema"`
	// GroupFields derive the group key: the string concatenation of the
	// named field values, in order. Fields may be schema fields or derived
	// fields.
	GroupFields []string `json:"groupFields" yaml:"group_fields"`
	// Where filters records before grouping; empty means no filter.
	Where string `json:"where" yaml:"where"`
	// DerivedFields are computed per record after the Where filter.
	DerivedFields []FieldExpression `json:"derivedFields" yaml:"derived_fields"`
	// Aggregations are merged into state per group.
	Aggregations []AggregationField `json:"aggregations" yaml:"aggregations"`
	// ResultExpressions compute derived output fields from the group's
	// aggregate results, e.g. is_fraud: "flagged > 1".
	ResultExpressions []FieldExpression `json:"resultExpressions" yaml:"result_expressions"`
	// EventTimeField names the record field carrying event time (seconds).
	// Required for Append mode with aggregations.
	EventTimeField string `json:"eventTimeField" yaml:"event_time_field"`
	// WatermarkDelay is the maximum lateness tolerated before a group is
	// considered final in Append mode.
	WatermarkDelay time.Duration `json:"watermarkDelay" yaml:"watermark_delay"`
	// MaxGroups bounds the number of live groups; 0 means unbounded.
	// Complete mode requires a bound.
	MaxGroups int `json:"maxGroups" yaml:"max_groups"`
}

// Validate performs the structural checks run once at query start.
func (c *PipelineConfig) Validate() error {
	if len(c.Schema.Fields) == 0 {
		return fmt.Errorf("pipeline config: schema has no fields")
	}
	seen := make(map[string]bool, len(c.Schema.Fields))
	for _, f := range c.Schema.Fields {
		if f.Name == "" {
			return fmt.Errorf("pipeline config: schema field with empty name")
		}
		if seen[f.Name] {
			return fmt.Errorf("pipeline config: duplicate schema field %q", f.Name)
		}
		seen[f.Name] = true
	}
	derived := make(map[string]bool, len(c.DerivedFields))
	for _, d := range c.DerivedFields {
		if d.Field == "" || d.Expression == "" {
			return fmt.Errorf("pipeline config: derived field needs name and expression")
		}
		derived[d.Field] = true
	}
	if len(c.GroupFields) == 0 {
		return fmt.Errorf("pipeline config: at least one group field required")
	}
	for _, g := range c.GroupFields {
		if !c.Schema.HasField(g) && !derived[g] {
			return fmt.Errorf("pipeline config: group field %q not in schema or derived fields", g)
		}
	}
	aliases := make(map[string]bool, len(c.Aggregations))
	for _, a := range c.Aggregations {
		if !aggregator.Known(a.Type) {
			return fmt.Errorf("pipeline config: unknown aggregation type %q", a.Type)
		}
		if a.InputField == "" && a.Type != aggregator.Count {
			return fmt.Errorf("pipeline config: aggregation %q requires an input field", a.Type)
		}
		if a.InputField != "" && !c.Schema.HasField(a.InputField) && !derived[a.InputField] {
			return fmt.Errorf("pipeline config: aggregation input field %q not in schema or derived fields", a.InputField)
		}
		if aliases[a.Alias()] {
			return fmt.Errorf("pipeline config: duplicate aggregation alias %q", a.Alias())
		}
		aliases[a.Alias()] = true
	}
	for _, r := range c.ResultExpressions {
		if r.Field == "" || r.Expression == "" {
			return fmt.Errorf("pipeline config: result expression needs name and expression")
		}
	}
	if c.EventTimeField != "" && !c.Schema.HasField(c.EventTimeField) && !derived[c.EventTimeField] {
		return fmt.Errorf("pipeline config: event time field %q not in schema or derived fields", c.EventTimeField)
	}
	if c.MaxGroups < 0 {
		return fmt.Errorf("pipeline config: max groups must not be negative")
	}
	return nil
}

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

// Package aggregator implements the per-group accumulators used by the
// incremental aggregation state. Accumulators merge associatively and
// commutatively, so record order within a batch does not affect results.
package aggregator

import (
	"fmt"

	"github.com/spf13/cast"
)

// AggregateType identifies a built-in accumulator.
type AggregateType string

const (
	Count AggregateType = "count"
	Sum   AggregateType = "sum"
	Min   AggregateType = "min"
	Max   AggregateType = "max"
	Avg   AggregateType = "avg"
	Any   AggregateType = "any"
)

// Known reports whether t names a built-in accumulator.
func Known(t AggregateType) bool {
	switch t {
	case Count, Sum, Min, Max, Avg, Any:
		return true
	}
	return false
}

// Accumulator holds the running aggregation value for one group and one
// aggregation field. A single flat struct covers all built-in types so the
// state store can serialize it without type registries.
//
// Count counts contributing records for Count, and non-null numeric inputs
// for Sum/Min/Max/Avg. Bool is the running OR for Any.
type Accumulator struct {
	Type  AggregateType `msgpack:"type" json:"type"`
	Count int64         `msgpack:"count" json:"count"`
	Sum   float64       `msgpack:"sum" json:"sum"`
	Min   float64       `msgpack:"min" json:"min"`
	Max   float64       `msgpack:"max" json:"max"`
	Bool  bool          `msgpack:"bool" json:"bool"`
}

// New creates an empty accumulator of the given type.
func New(t AggregateType) *Accumulator {
	return &Accumulator{Type: t}
}

// Add folds one record's value into the accumulator. Null values contribute
// nothing except for Count, which counts the record itself.
func (a *Accumulator) Add(v interface{}) {
	if a.Type == Count {
		a.Count++
		return
	}
	if v == nil {
		return
	}
	switch a.Type {
	case Any:
		b, err := cast.ToBoolE(v)
		if err != nil {
			return
		}
		a.Count++
		a.Bool = a.Bool || b
	default:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return
		}
		if a.Count == 0 {
			a.Min, a.Max = f, f
		} else {
			if f < a.Min {
				a.Min = f
			}
			if f > a.Max {
				a.Max = f
			}
		}
		a.Count++
		a.Sum += f
	}
}

// Merge folds another accumulator of the same type into this one.
// Merge is associative and commutative.
func (a *Accumulator) Merge(o *Accumulator) error {
	if o == nil || o.Count == 0 {
		return nil
	}
	if o.Type != a.Type {
		return fmt.Errorf("cannot merge accumulator type %q into %q", o.Type, a.Type)
	}
	if a.Count == 0 {
		*a = *o
		return nil
	}
	a.Sum += o.Sum
	a.Bool = a.Bool || o.Bool
	if o.Min < a.Min {
		a.Min = o.Min
	}
	if o.Max > a.Max {
		a.Max = o.Max
	}
	a.Count += o.Count
	return nil
}

// Final returns the aggregation result, or nil when no value contributed.
func (a *Accumulator) Final() interface{} {
	switch a.Type {
	case Count:
		return a.Count
	case Sum:
		return a.Sum
	case Avg:
		if a.Count == 0 {
			return nil
		}
		return a.Sum / float64(a.Count)
	case Min:
		if a.Count == 0 {
			return nil
		}
		return a.Min
	case Max:
		if a.Count == 0 {
			return nil
		}
		return a.Max
	case Any:
		return a.Bool
	default:
		return nil
	}
}

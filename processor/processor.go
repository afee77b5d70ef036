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

// Package processor applies the declared transformation pipeline to one
// micro-batch: parse, filter, derive fields, partition by group key, merge
// the batch contribution into state and recompute result rows for the
// touched groups.
package processor

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/spf13/cast"

	"github.com/rulego/microbatch/aggregator"
	"github.com/rulego/microbatch/condition"
	"github.com/rulego/microbatch/metrics"
	"github.com/rulego/microbatch/parser"
	"github.com/rulego/microbatch/state"
	"github.com/rulego/microbatch/types"
)

// compiledField is a named compiled expression.
type compiledField struct {
	name    string
	program *vm.Program
}

// Processor executes the pipeline of one query. All expressions are
// compiled once at construction; compilation failures surface at query
// start, never at runtime.
type Processor struct {
	cfg        *types.PipelineConfig
	parser     *parser.Parser
	where      condition.Condition
	derived    []compiledField
	aggFilters map[string]condition.Condition
	results    []compiledField
	stats      *metrics.Stats
}

// New compiles the pipeline. cfg must already pass Validate.
func New(cfg *types.PipelineConfig, stats *metrics.Stats) (*Processor, error) {
	p := &Processor{
		cfg:        cfg,
		parser:     parser.New(cfg.Schema),
		aggFilters: make(map[string]condition.Condition),
		stats:      stats,
	}
	if cfg.Where != "" {
		where, err := condition.New(cfg.Where)
		if err != nil {
			return nil, fmt.Errorf("compile where %q: %w", cfg.Where, err)
		}
		p.where = where
	}
	for _, d := range cfg.DerivedFields {
		program, err := expr.Compile(d.Expression, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile derived field %q: %w", d.Field, err)
		}
		p.derived = append(p.derived, compiledField{name: d.Field, program: program})
	}
	for _, a := range cfg.Aggregations {
		if a.Filter == "" {
			continue
		}
		f, err := condition.New(a.Filter)
		if err != nil {
			return nil, fmt.Errorf("compile aggregation filter %q: %w", a.Filter, err)
		}
		p.aggFilters[a.Alias()] = f
	}
	for _, r := range cfg.ResultExpressions {
		program, err := expr.Compile(r.Expression, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile result expression %q: %w", r.Field, err)
		}
		p.results = append(p.results, compiledField{name: r.Field, program: program})
	}
	return p, nil
}

// ParseBatch parses raw lines into a batch, counting malformed input.
// Malformed lines yield all-null records; they are counted and carried in
// the batch but contribute nothing to aggregation.
func (p *Processor) ParseBatch(id int64, lines []string) *types.Batch {
	batch := &types.Batch{ID: id, RawCount: len(lines)}
	malformed := int64(0)
	for _, line := range lines {
		rec := p.parser.Parse(line)
		if rec.Malformed() {
			malformed++
		}
		batch.Records = append(batch.Records, rec)
	}
	if p.stats != nil {
		p.stats.AddInput(int64(len(lines)))
		p.stats.AddMalformed(malformed)
	}
	return batch
}

// Process runs the pipeline stages for one batch and merges the result into
// the store. It returns the recomputed result rows of the touched groups
// only; untouched groups stay live in state but are not returned.
//
// The batch contribution is accumulated locally first and merged in one
// atomic step, so record order within a batch cannot affect accumulators
// and a batch is never half-applied.
func (p *Processor) Process(batch *types.Batch, st *state.Store) ([]types.ResultRow, error) {
	contribs := make(map[string]*state.Contribution)

	for _, rec := range batch.Records {
		if rec.Malformed() {
			continue
		}
		env := rec.Env()
		if p.where != nil && !p.where.Evaluate(env) {
			continue
		}
		for _, d := range p.derived {
			v, err := expr.Run(d.program, env)
			if err != nil {
				v = nil
			}
			env[d.name] = v
		}

		key := p.groupKey(env)
		c, ok := contribs[key]
		if !ok {
			c = &state.Contribution{
				Fields: make(map[string]interface{}, len(p.cfg.GroupFields)),
				Accs:   make(map[string]*aggregator.Accumulator, len(p.cfg.Aggregations)),
			}
			for _, g := range p.cfg.GroupFields {
				c.Fields[g] = env[g]
			}
			for _, a := range p.cfg.Aggregations {
				c.Accs[a.Alias()] = aggregator.New(a.Type)
			}
			contribs[key] = c
		}
		c.Records++

		for _, a := range p.cfg.Aggregations {
			alias := a.Alias()
			if f, ok := p.aggFilters[alias]; ok && !f.Evaluate(env) {
				continue
			}
			var v interface{}
			if a.InputField != "" {
				v = env[a.InputField]
			}
			c.Accs[alias].Add(v)
		}

		if p.cfg.EventTimeField != "" {
			if et, err := cast.ToFloat64E(env[p.cfg.EventTimeField]); err == nil {
				if !c.HasEventTime || et > c.MaxEventTime {
					c.MaxEventTime = et
				}
				c.HasEventTime = true
			}
		}
	}

	touched, err := st.MergeBatch(batch.ID, contribs)
	if err != nil {
		return nil, err
	}
	rows := make([]types.ResultRow, 0, len(touched))
	for _, key := range touched {
		if g := st.Get(key); g != nil {
			rows = append(rows, p.BuildRow(g))
		}
	}
	return rows, nil
}

// BuildRow recomputes the result row for a group from its current state:
// group fields, aggregate finals, then the configured result expressions
// evaluated over both.
func (p *Processor) BuildRow(g *state.Group) types.ResultRow {
	fields := make(map[string]interface{}, len(g.Fields)+len(g.Accs)+len(p.results))
	for name, v := range g.Fields {
		fields[name] = v
	}
	for alias, acc := range g.Accs {
		fields[alias] = acc.Final()
	}
	for _, r := range p.results {
		v, err := expr.Run(r.program, fields)
		if err != nil {
			v = nil
		}
		fields[r.name] = v
	}
	return types.ResultRow{GroupKey: g.Key, Fields: fields, FirstSeen: g.FirstBatch}
}

// groupKey concatenates the group field values in declaration order.
func (p *Processor) groupKey(env map[string]interface{}) string {
	var b strings.Builder
	for _, g := range p.cfg.GroupFields {
		if v := env[g]; v != nil {
			b.WriteString(cast.ToString(v))
		}
	}
	return b.String()
}

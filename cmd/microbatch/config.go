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

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rulego/microbatch/aggregator"
	"github.com/rulego/microbatch/trigger"
	"github.com/rulego/microbatch/types"
)

// fileConfig is the YAML shape of a query definition file.
type fileConfig struct {
	Source struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		ReadTimeout string `yaml:"read_timeout"`
	} `yaml:"source"`
	Pipeline struct {
		Schema []struct {
			Name string `yaml:"name"`
			Type string `yaml:"type"`
		} `yaml:"schema"`
		GroupFields   []string `yaml:"group_fields"`
		Where         string   `yaml:"where"`
		DerivedFields []struct {
			Field      string `yaml:"field"`
			Expression string `yaml:"expression"`
		} `yaml:"derived_fields"`
		Aggregations []struct {
			InputField  string `yaml:"input_field"`
			Type        string `yaml:"type"`
			OutputAlias string `yaml:"output_alias"`
			Filter      string `yaml:"filter"`
		} `yaml:"aggregations"`
		ResultExpressions []struct {
			Field      string `yaml:"field"`
			Expression string `yaml:"expression"`
		} `yaml:"result_expressions"`
		EventTimeField string `yaml:"event_time_field"`
		WatermarkDelay string `yaml:"watermark_delay"`
		MaxGroups      int    `yaml:"max_groups"`
	} `yaml:"pipeline"`
	Output struct {
		Mode string `yaml:"mode"`
	} `yaml:"output"`
	Trigger struct {
		Interval   string `yaml:"interval"`
		Continuous bool   `yaml:"continuous"`
		Cron       string `yaml:"cron"`
	} `yaml:"trigger"`
	Checkpoint struct {
		Path string `yaml:"path"`
	} `yaml:"checkpoint"`
	LogLevel string `yaml:"log_level"`
}

// loadConfig reads and converts a query definition file.
func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &fc, nil
}

// pipelineConfig converts the file pipeline section to the typed config.
func (fc *fileConfig) pipelineConfig() (*types.PipelineConfig, error) {
	cfg := &types.PipelineConfig{
		GroupFields:    fc.Pipeline.GroupFields,
		Where:          fc.Pipeline.Where,
		EventTimeField: fc.Pipeline.EventTimeField,
		MaxGroups:      fc.Pipeline.MaxGroups,
	}
	for _, f := range fc.Pipeline.Schema {
		t, err := types.ParseFieldType(f.Type)
		if err != nil {
			return nil, err
		}
		cfg.Schema.Fields = append(cfg.Schema.Fields, types.Field{Name: f.Name, Type: t})
	}
	for _, d := range fc.Pipeline.DerivedFields {
		cfg.DerivedFields = append(cfg.DerivedFields, types.FieldExpression{Field: d.Field, Expression: d.Expression})
	}
	for _, a := range fc.Pipeline.Aggregations {
		cfg.Aggregations = append(cfg.Aggregations, types.AggregationField{
			InputField:  a.InputField,
			Type:        aggregator.AggregateType(a.Type),
			OutputAlias: a.OutputAlias,
			Filter:      a.Filter,
		})
	}
	for _, r := range fc.Pipeline.ResultExpressions {
		cfg.ResultExpressions = append(cfg.ResultExpressions, types.FieldExpression{Field: r.Field, Expression: r.Expression})
	}
	if fc.Pipeline.WatermarkDelay != "" {
		d, err := time.ParseDuration(fc.Pipeline.WatermarkDelay)
		if err != nil {
			return nil, fmt.Errorf("parse watermark_delay: %w", err)
		}
		cfg.WatermarkDelay = d
	}
	return cfg, nil
}

// readTimeout parses the source read timeout; zero means default.
func (fc *fileConfig) readTimeout() (time.Duration, error) {
	if fc.Source.ReadTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(fc.Source.ReadTimeout)
}

// buildTrigger converts the trigger section; defaults to a 1s interval.
func (fc *fileConfig) buildTrigger() (trigger.Trigger, error) {
	switch {
	case fc.Trigger.Cron != "":
		return trigger.NewCronTrigger(fc.Trigger.Cron)
	case fc.Trigger.Continuous:
		return trigger.NewContinuousTrigger(), nil
	case fc.Trigger.Interval != "":
		d, err := time.ParseDuration(fc.Trigger.Interval)
		if err != nil {
			return nil, fmt.Errorf("parse trigger interval: %w", err)
		}
		return trigger.NewIntervalTrigger(d), nil
	default:
		return trigger.NewIntervalTrigger(time.Second), nil
	}
}

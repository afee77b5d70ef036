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

package microbatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rulego/microbatch/checkpoint"
	"github.com/rulego/microbatch/driver"
	"github.com/rulego/microbatch/logger"
	"github.com/rulego/microbatch/sink"
	"github.com/rulego/microbatch/source"
	"github.com/rulego/microbatch/trigger"
	"github.com/rulego/microbatch/types"
)

// Engine is the process-wide handle for running incremental micro-batch
// queries. It has an explicit lifecycle: construct with New, start queries,
// tear down with Close. Queries are fully independent; each has its own
// state and checkpoint, so they parallelize safely across each other.
//
// Usage:
//
//	engine := microbatch.New()
//	defer engine.Close()
//
//	id, err := engine.StartQuery(microbatch.QuerySpec{
//	    Pipeline: cfg,
//	    Mode:     types.Update,
//	    Trigger:  trigger.NewIntervalTrigger(2 * time.Second),
//	    Source:   source.NewSocketSource("127.0.0.1", 7777, 0),
//	    Sink:     sink.NewConsoleSink(nil),
//	})
type Engine struct {
	mu      sync.RWMutex
	queries map[string]*driver.Driver
	opts    driver.Options
	closed  bool
}

// QuerySpec bundles everything a query needs to run.
type QuerySpec struct {
	// Pipeline is the validated-once, then immutable transformation config.
	Pipeline *types.PipelineConfig
	// Mode selects what is emitted per trigger.
	Mode types.OutputMode
	// Trigger decides when batches are pulled. Defaults to a continuous
	// trigger.
	Trigger trigger.Trigger
	// Source feeds raw lines.
	Source source.Source
	// Sink receives emitted rows. Must be idempotent per batch id.
	Sink sink.Sink
	// Checkpoint persists progress; nil disables fault tolerance.
	Checkpoint checkpoint.Store
}

// New creates an engine.
func New(options ...Option) *Engine {
	e := &Engine{queries: make(map[string]*driver.Driver)}
	for _, option := range options {
		option(e)
	}
	return e
}

// StartQuery validates the spec, assigns a query id and starts the driver
// loop. Mode/pipeline incompatibilities (ErrAppendModeIncompatible,
// ErrUnsupportedModeForQuery) are reported here, never at runtime.
func (e *Engine) StartQuery(spec QuerySpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", fmt.Errorf("engine is closed")
	}
	if spec.Pipeline == nil {
		return "", fmt.Errorf("query spec: pipeline config required")
	}
	if spec.Source == nil {
		return "", fmt.Errorf("query spec: source required")
	}
	if spec.Sink == nil {
		return "", fmt.Errorf("query spec: sink required")
	}
	if spec.Trigger == nil {
		spec.Trigger = trigger.NewContinuousTrigger()
	}

	id := uuid.NewString()
	d, err := driver.New(id, spec.Pipeline, spec.Mode, spec.Trigger, spec.Source, spec.Sink, spec.Checkpoint, e.opts)
	if err != nil {
		return "", err
	}
	if err := d.Start(); err != nil {
		return "", err
	}
	e.queries[id] = d
	logger.Info("started query %s (mode=%s)", id, spec.Mode)
	return id, nil
}

// StopQuery requests a graceful stop of the query; the in-flight batch
// finishes first.
func (e *Engine) StopQuery(id string) error {
	e.mu.RLock()
	d, ok := e.queries[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrQueryNotFound, id)
	}
	d.Stop()
	return nil
}

// AwaitTermination blocks until the query terminates or the timeout
// elapses; timeout <= 0 blocks indefinitely.
func (e *Engine) AwaitTermination(id string, timeout time.Duration) (bool, error) {
	e.mu.RLock()
	d, ok := e.queries[id]
	e.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", types.ErrQueryNotFound, id)
	}
	return d.AwaitTermination(timeout)
}

// QueryStatus reports the progress of one query.
func (e *Engine) QueryStatus(id string) (types.QueryStatus, error) {
	e.mu.RLock()
	d, ok := e.queries[id]
	e.mu.RUnlock()
	if !ok {
		return types.QueryStatus{}, fmt.Errorf("%w: %s", types.ErrQueryNotFound, id)
	}
	return d.Status(), nil
}

// Queries returns the ids of all queries the engine has started.
func (e *Engine) Queries() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.queries))
	for id := range e.queries {
		ids = append(ids, id)
	}
	return ids
}

// Close stops all queries and waits briefly for each to terminate. The
// engine cannot be reused afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	drivers := make([]*driver.Driver, 0, len(e.queries))
	for _, d := range e.queries {
		drivers = append(drivers, d)
	}
	e.mu.Unlock()

	for _, d := range drivers {
		d.Stop()
	}
	for _, d := range drivers {
		if ok, _ := d.AwaitTermination(5 * time.Second); !ok {
			logger.Warn("query did not terminate within close timeout")
		}
	}
	logger.Info("engine closed")
}

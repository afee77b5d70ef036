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

// Package trigger decides when the next micro-batch is pulled. Triggers
// block between firings; the driver calls Next sequentially, so a firing
// can never overlap an in-flight batch.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger gates micro-batch pulls.
//
// Next blocks until the next firing and returns true, or returns false when
// the trigger was stopped or the context cancelled. Stop is idempotent.
type Trigger interface {
	Next(ctx context.Context) bool
	Stop()
}

// IntervalTrigger fires every fixed interval. The first call fires
// immediately. When batch processing outlasts the interval, the missed
// firing happens immediately on the next call and the schedule restarts
// from there, keeping a single batch in flight with no burst catch-up.
type IntervalTrigger struct {
	interval time.Duration

	mu       sync.Mutex
	next     time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewIntervalTrigger creates a fixed-interval trigger.
func NewIntervalTrigger(interval time.Duration) *IntervalTrigger {
	if interval <= 0 {
		interval = time.Second
	}
	return &IntervalTrigger{
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (t *IntervalTrigger) Next(ctx context.Context) bool {
	t.mu.Lock()
	now := time.Now()
	if t.next.IsZero() || !now.Before(t.next) {
		// First firing, or the previous batch outlasted the interval.
		t.next = now.Add(t.interval)
		t.mu.Unlock()
		select {
		case <-t.stopCh:
			return false
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	wait := t.next.Sub(now)
	t.next = t.next.Add(t.interval)
	t.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *IntervalTrigger) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// ContinuousTrigger refires as soon as the previous batch's output has been
// dispatched, with no minimum delay.
type ContinuousTrigger struct {
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewContinuousTrigger creates a continuous-availability trigger.
func NewContinuousTrigger() *ContinuousTrigger {
	return &ContinuousTrigger{stopCh: make(chan struct{})}
}

func (t *ContinuousTrigger) Next(ctx context.Context) bool {
	select {
	case <-t.stopCh:
		return false
	case <-ctx.Done():
		return false
	default:
		return true
	}
}

func (t *ContinuousTrigger) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// CronTrigger fires on a standard cron schedule. Firings that would land
// while a batch is in flight are absorbed by the schedule: the next firing
// is computed from the time the driver asks again.
type CronTrigger struct {
	schedule cron.Schedule
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCronTrigger parses a standard 5-field cron spec (optionally with
// @every syntax) and creates the trigger.
func NewCronTrigger(spec string) (*CronTrigger, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	return &CronTrigger{
		schedule: schedule,
		stopCh:   make(chan struct{}),
	}, nil
}

func (t *CronTrigger) Next(ctx context.Context) bool {
	wait := time.Until(t.schedule.Next(time.Now()))
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *CronTrigger) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

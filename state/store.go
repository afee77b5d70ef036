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

// Package state holds the per-query aggregation state: one group per group
// key, each carrying the accumulators that persist across batches. This is
// the only cross-batch mutable state of a query.
package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rulego/microbatch/aggregator"
)

// Group is the state of one group key.
type Group struct {
	Key    string                             `msgpack:"key"`
	Fields map[string]interface{}             `msgpack:"fields"`
	Accs   map[string]*aggregator.Accumulator `msgpack:"accs"`
	// FirstBatch is the batch id in which the group first appeared.
	FirstBatch int64 `msgpack:"first_batch"`
	// LastBatch is the batch id that last touched the group.
	LastBatch int64 `msgpack:"last_batch"`
	// LastEventTime is the largest event time observed for the group.
	LastEventTime float64 `msgpack:"last_event_time"`
	// HasEventTime reports whether any record carried an event time.
	HasEventTime bool `msgpack:"has_event_time"`
}

// Contribution is one batch's pre-aggregated input for a single group.
// Contributions are built batch-locally and merged atomically, so a batch
// is either fully applied or not started.
type Contribution struct {
	Fields       map[string]interface{}
	Accs         map[string]*aggregator.Accumulator
	Records      int
	MaxEventTime float64
	HasEventTime bool
}

// Store maps group keys to groups for one query. A store is never shared
// between queries; the mutex only guards against status readers racing the
// processing loop.
type Store struct {
	mu          sync.RWMutex
	groups      map[string]*Group
	maxGroups   int
	lastApplied int64
	maxEvent    float64
	hasEvent    bool
	dropped     int64
}

// encoded is the serialized form of a store for checkpoint blobs.
type encoded struct {
	Groups      map[string]*Group `msgpack:"groups"`
	LastApplied int64             `msgpack:"last_applied"`
	MaxEvent    float64           `msgpack:"max_event"`
	HasEvent    bool              `msgpack:"has_event"`
	Dropped     int64             `msgpack:"dropped"`
}

// NewStore creates an empty store. maxGroups 0 means unbounded.
func NewStore(maxGroups int) *Store {
	return &Store{
		groups:      make(map[string]*Group),
		maxGroups:   maxGroups,
		lastApplied: -1,
	}
}

// MergeBatch merges one batch's contributions into the store. It returns
// the touched group keys in sorted order. A batch id at or below the last
// applied id is skipped, so re-running a batch after a crash before
// checkpoint cannot double-merge within one process lifetime.
func (s *Store) MergeBatch(batchID int64, contribs map[string]*Contribution) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batchID <= s.lastApplied {
		return nil, nil
	}

	touched := make([]string, 0, len(contribs))
	for key, c := range contribs {
		g, ok := s.groups[key]
		if !ok {
			if s.maxGroups > 0 && len(s.groups) >= s.maxGroups {
				s.dropped++
				continue
			}
			g = &Group{
				Key:        key,
				Fields:     c.Fields,
				Accs:       make(map[string]*aggregator.Accumulator, len(c.Accs)),
				FirstBatch: batchID,
			}
			s.groups[key] = g
		}
		for alias, acc := range c.Accs {
			cur, ok := g.Accs[alias]
			if !ok {
				cur = aggregator.New(acc.Type)
				g.Accs[alias] = cur
			}
			if err := cur.Merge(acc); err != nil {
				return nil, fmt.Errorf("merge group %q: %w", key, err)
			}
		}
		g.LastBatch = batchID
		if c.HasEventTime {
			if !g.HasEventTime || c.MaxEventTime > g.LastEventTime {
				g.LastEventTime = c.MaxEventTime
			}
			g.HasEventTime = true
			if !s.hasEvent || c.MaxEventTime > s.maxEvent {
				s.maxEvent = c.MaxEventTime
			}
			s.hasEvent = true
		}
		touched = append(touched, key)
	}
	s.lastApplied = batchID
	sort.Strings(touched)
	return touched, nil
}

// Get returns the group for the key, or nil.
func (s *Store) Get(key string) *Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups[key]
}

// Snapshot returns all live groups sorted by key.
func (s *Store) Snapshot() []*Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })
	return groups
}

// Len returns the number of live groups.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups)
}

// LastApplied returns the id of the last merged batch, -1 when none.
func (s *Store) LastApplied() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

// Dropped returns how many new groups were rejected by the MaxGroups cap.
func (s *Store) Dropped() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// Watermark returns the event-time bound below which no further group
// updates are expected: max event time seen minus the delay. The second
// return is false until any event time was observed.
func (s *Store) Watermark(delaySeconds float64) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasEvent {
		return 0, false
	}
	return s.maxEvent - delaySeconds, true
}

// Encode serializes the store for a checkpoint blob.
func (s *Store) Encode() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return msgpack.Marshal(&encoded{
		Groups:      s.groups,
		LastApplied: s.lastApplied,
		MaxEvent:    s.maxEvent,
		HasEvent:    s.hasEvent,
		Dropped:     s.dropped,
	})
}

// Decode replaces the store contents from a checkpoint blob.
func (s *Store) Decode(blob []byte) error {
	var e encoded
	if err := msgpack.Unmarshal(blob, &e); err != nil {
		return fmt.Errorf("decode state blob: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Groups == nil {
		e.Groups = make(map[string]*Group)
	}
	s.groups = e.Groups
	s.lastApplied = e.LastApplied
	s.maxEvent = e.MaxEvent
	s.hasEvent = e.HasEvent
	s.dropped = e.Dropped
	return nil
}

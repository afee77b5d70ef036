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

package source

import (
	"context"
	"sync"
)

// MemorySource is an in-process source for tests and demos. Pushed lines
// are returned by the next Pull; injected errors are returned once, in
// order, before any pending lines.
type MemorySource struct {
	mu      sync.Mutex
	pending []string
	errs    []error
	opened  bool
	opens   int
}

// NewMemorySource creates an empty memory source.
func NewMemorySource() *MemorySource { return &MemorySource{} }

// Push enqueues lines for the next pull.
func (m *MemorySource) Push(lines ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, lines...)
}

// FailNext makes the next Pull return err once.
func (m *MemorySource) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

// Opens returns how many times Open was called.
func (m *MemorySource) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

func (m *MemorySource) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	m.opens++
	return nil
}

func (m *MemorySource) Pull(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	lines := m.pending
	m.pending = nil
	return lines, nil
}

func (m *MemorySource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = false
	return nil
}

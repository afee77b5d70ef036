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

package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rulego/microbatch/types"
)

// FileStore persists checkpoints as a single JSON file, replaced atomically
// via a temp file and rename.
type FileStore struct {
	path string

	mu   sync.Mutex
	last int64
}

// NewFileStore creates a file-backed checkpoint store at path. The parent
// directory is created on the first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, last: -1}
}

// Load reads the checkpoint. A missing file means a fresh query and
// returns nil; an unreadable or inconsistent file is fatal.
func (f *FileStore) Load() (*Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", types.ErrCheckpointCorrupt, f.path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", types.ErrCheckpointCorrupt, f.path, err)
	}
	if cp.LastBatchID < 0 || len(cp.StateBlob) == 0 {
		return nil, fmt.Errorf("%w: %s has no usable progress record", types.ErrCheckpointCorrupt, f.path)
	}
	f.last = cp.LastBatchID
	return &cp, nil
}

// Save writes the checkpoint atomically. Once batch N is persisted, a save
// for any batch before N fails.
func (f *FileStore) Save(cp *Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cp.LastBatchID < f.last {
		return fmt.Errorf("checkpoint regression: have batch %d, refusing batch %d", f.last, cp.LastBatchID)
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	f.last = cp.LastBatchID
	return nil
}

// MemoryStore is an in-process checkpoint store for tests.
type MemoryStore struct {
	mu       sync.Mutex
	cp       *Checkpoint
	saves    int
	failNext error
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// FailNext makes the next Save return err once.
func (m *MemoryStore) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryStore) Load() (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cp, nil
}

func (m *MemoryStore) Save(cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	if m.cp != nil && cp.LastBatchID < m.cp.LastBatchID {
		return fmt.Errorf("checkpoint regression: have batch %d, refusing batch %d", m.cp.LastBatchID, cp.LastBatchID)
	}
	copied := *cp
	m.cp = &copied
	m.saves++
	return nil
}

// Saves returns the number of successful saves.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

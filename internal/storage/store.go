// Package storage provides the durable key-value blob store settings are
// persisted in. Values are JSON documents addressed by top-level key.
package storage

import (
	"context"
	"encoding/json"
	"maps"
	"sync"

	"github.com/oszuidwest/zwfm-tabboost/internal/util"
)

// Store gets and sets JSON values by key.
type Store interface {
	// Get returns the stored values of keys. Missing keys are absent from
	// the result.
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	// Set stores every value of items, replacing previous values.
	Set(ctx context.Context, items map[string]any) error
}

// ChangeFunc receives the keys changed by another writer.
type ChangeFunc func(keys []string)

// Watcher is implemented by stores that report changes made elsewhere.
type Watcher interface {
	// Watch calls fn for every external change until ctx is done or stop
	// is called.
	Watch(ctx context.Context, fn ChangeFunc) (stop func(), err error)
}

// encodeItems marshals every value of items.
func encodeItems(items map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(items))
	for k, v := range items {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, util.WrapError("encode "+k, err)
		}
		out[k] = data
	}
	return out, nil
}

// MemoryStore keeps values in memory. It counts writes and can be told to
// fail, which makes it the store of choice in tests.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
	writes int
	getErr error
	setErr error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]json.RawMessage)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := m.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, items map[string]any) error {
	encoded, err := encodeItems(items)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	maps.Copy(m.values, encoded)
	m.writes++
	return nil
}

// FailWith makes later Get and Set calls return the given errors. Nil
// clears the failure.
func (m *MemoryStore) FailWith(getErr, setErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = getErr
	m.setErr = setErr
}

// Writes returns the number of successful Set calls.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Raw returns the stored value of key.
func (m *MemoryStore) Raw(key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

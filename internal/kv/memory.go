package kv

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Memory is an in-process Store backed by a sorted key slice.
type Memory struct {
	mu     sync.RWMutex
	keys   []string
	values map[string][]byte
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

// Scan implements Store.
func (m *Memory) Scan(_ context.Context, prefix string) ([]Pair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	start, _ := slices.BinarySearch(m.keys, prefix)
	var out []Pair
	for _, k := range m.keys[start:] {
		if !strings.HasPrefix(k, prefix) {
			break
		}
		out = append(out, Pair{Key: k, Value: slices.Clone(m.values[k])})
	}
	return out, nil
}

// Apply implements Store.
func (m *Memory) Apply(_ context.Context, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, op := range ops {
		i, found := slices.BinarySearch(m.keys, op.Key)
		if op.Delete {
			if found {
				m.keys = slices.Delete(m.keys, i, i+1)
				delete(m.values, op.Key)
			}
			continue
		}
		if !found {
			m.keys = slices.Insert(m.keys, i, op.Key)
		}
		m.values[op.Key] = slices.Clone(op.Value)
	}
	return nil
}

// Len returns the number of keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

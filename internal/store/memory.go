package store

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process Driver. Bodies are copied on the way in and out so
// callers never share backing arrays with the store.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]map[Key][]byte
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]map[Key][]byte)}
}

func (m *Memory) collection(coll string) map[Key][]byte {
	c, ok := m.docs[coll]
	if !ok {
		c = make(map[Key][]byte)
		m.docs[coll] = c
	}
	return c
}

func (m *Memory) Insert(_ context.Context, coll string, key Key, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(coll)
	if _, exists := c[key]; exists {
		return ErrDuplicateKey
	}
	c[key] = slices.Clone(body)
	return nil
}

func (m *Memory) Get(_ context.Context, coll string, key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.docs[coll][key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(body), nil
}

func (m *Memory) GetMany(_ context.Context, coll string, repoID string, objectIDs []string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(objectIDs))
	c := m.docs[coll]
	for _, id := range objectIDs {
		if body, ok := c[Key{RepoID: repoID, ObjectID: id}]; ok {
			out[id] = slices.Clone(body)
		}
	}
	return out, nil
}

func (m *Memory) PutMany(_ context.Context, coll string, docs map[Key][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(coll)
	for key, body := range docs {
		c[key] = slices.Clone(body)
	}
	return nil
}

func (m *Memory) Update(_ context.Context, coll string, key Key, fn func([]byte) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(coll)
	body, ok := c[key]
	if !ok {
		return ErrNotFound
	}
	updated, err := fn(slices.Clone(body))
	if err != nil {
		return err
	}
	c[key] = slices.Clone(updated)
	return nil
}

func (m *Memory) Delete(_ context.Context, coll string, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[coll], key)
	return nil
}

// Len reports how many documents a collection holds.
func (m *Memory) Len(coll string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[coll])
}

func (m *Memory) Close() error { return nil }

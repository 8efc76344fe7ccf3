package objstore

import (
	"context"
	"errors"
	"sync"
)

// Memory is an in-process Storage used by tests.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailPuts makes every Put fail, simulating an unreachable upstream.
	FailPuts bool
}

// NewMemory creates an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, key, contentType string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts {
		return errors.New("objstore: upstream unavailable")
	}
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

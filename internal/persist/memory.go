package persist

import (
	"context"
	"sync"

	"tenantly.dev/internal/auth"
)

var _ auth.Persistence = (*Memory)(nil)

// Memory keeps values in a map.
type Memory struct {
	mu     sync.RWMutex
	values map[auth.Key]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[auth.Key]string)}
}

func (m *Memory) Get(_ context.Context, key auth.Key) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key], nil
}

func (m *Memory) Set(_ context.Context, key auth.Key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == "" {
		delete(m.values, key)
		return nil
	}
	m.values[key] = value
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[auth.Key]string)
	return nil
}

func (m *Memory) Close() error { return nil }

package store

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	fields  map[string]string
	expires time.Time
}

// Memory is an in-process KV for single-process mode and tests. Expired
// keys are dropped lazily.
type Memory struct {
	mu   sync.Mutex
	data map[string]*memEntry
	now  func() time.Time
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]*memEntry), now: time.Now}
}

// live returns the entry at key, deleting it if expired. Caller holds mu.
func (m *Memory) live(key string) *memEntry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *Memory) SetHash(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &memEntry{fields: make(map[string]string, len(fields))}
		m.data[key] = e
	}
	maps.Copy(e.fields, fields)
	return nil
}

func (m *Memory) GetHash(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return map[string]string{}, nil
	}
	return maps.Clone(e.fields), nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.live(key); e != nil {
		e.expires = m.now().Add(ttl)
	}
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) && m.live(k) != nil {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

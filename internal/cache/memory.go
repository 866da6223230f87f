package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process LRU with per-entry expiry.
type Memory struct {
	lru *lru.Cache[string, memoryEntry]
	now func() time.Time
}

func NewMemory(size int) (*Memory, error) {
	c, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &Memory{lru: c, now: time.Now}, nil
}

func (m *Memory) Get(_ context.Context, key Key) ([]byte, bool, error) {
	k := key.String()
	e, ok := m.lru.Get(k)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.lru.Remove(k)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Put(_ context.Context, key Key, value []byte, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	m.lru.Add(key.String(), memoryEntry{value: value, expires: expires})
	return nil
}

// Delete drops a key, used after the learner rewrites a department.
func (m *Memory) Delete(_ context.Context, key Key) error {
	m.lru.Remove(key.String())
	return nil
}

func (m *Memory) Len() int {
	return m.lru.Len()
}

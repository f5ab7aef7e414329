package store

import (
	"context"
	"sync"
	"time"
)

// MemKV is a process-local KV implementation used by tests and local
// development in place of Redis. All operations are mutex-protected, the same
// serialization discipline the teacher's file-backed store uses for its
// writes.
type MemKV struct {
	mu      sync.Mutex
	values  map[string]string
	expiry  map[string]time.Time
	sets    map[string]map[string]struct{}
}

func NewMemKV() *MemKV {
	return &MemKV{
		values: make(map[string]string),
		expiry: make(map[string]time.Time),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (m *MemKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.expiry[key]; ok && time.Now().After(exp) {
		delete(m.values, key)
		delete(m.expiry, key)
		return "", false, nil
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *MemKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.expiry, key)
	return nil
}

func (m *MemKV) SAdd(ctx context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets[set] == nil {
		m.sets[set] = make(map[string]struct{})
	}
	m.sets[set][member] = struct{}{}
	return nil
}

func (m *MemKV) SRem(ctx context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[set], member)
	return nil
}

func (m *MemKV) SMembers(ctx context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]string, 0, len(m.sets[set]))
	for k := range m.sets[set] {
		members = append(members, k)
	}
	return members, nil
}

package counter

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and by single-node setups
// that run without Redis. TTLs are honoured lazily on read.
type Memory struct {
	mu      sync.Mutex
	values  map[string]int64
	expires map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		values:  make(map[string]int64),
		expires: make(map[string]time.Time),
	}
}

func (m *Memory) pruneLocked(key string) {
	if exp, ok := m.expires[key]; ok && time.Now().After(exp) {
		delete(m.values, key)
		delete(m.expires, key)
	}
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(key)
	m.values[key]++
	return m.values[key], nil
}

func (m *Memory) Decr(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(key)
	m.values[key]--
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, seconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[key] = time.Now().Add(time.Duration(seconds) * time.Second)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(key)
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) SetEx(_ context.Context, key string, seconds int, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return err
	}
	m.values[key] = n
	m.expires[key] = time.Now().Add(time.Duration(seconds) * time.Second)
	return nil
}

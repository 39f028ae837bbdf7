package kv

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Client used by tests and by deployments that run
// without Redis. Expiry is checked lazily on read.
type Memory struct {
	mu     sync.Mutex
	vals   map[string]memVal
	hashes map[string]map[string]string

	// Fail forces every operation to return ErrUnavailable, letting tests
	// exercise the degraded paths.
	Fail bool

	// Now is overridable in tests.
	Now func() time.Time
}

type memVal struct {
	s       string
	n       int64
	expires time.Time
}

// NewMemory creates an empty in-memory KV client.
func NewMemory() *Memory {
	return &Memory{
		vals:   make(map[string]memVal),
		hashes: make(map[string]map[string]string),
		Now:    time.Now,
	}
}

func (m *Memory) live(v memVal) bool {
	return v.expires.IsZero() || m.Now().Before(v.expires)
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return "", ErrUnavailable
	}
	v, ok := m.vals[key]
	if !ok || !m.live(v) {
		return "", ErrNotFound
	}
	return v.s, nil
}

func (m *Memory) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return ErrUnavailable
	}
	m.vals[key] = memVal{s: value, expires: m.Now().Add(ttl)}
	return nil
}

func (m *Memory) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return 0, ErrUnavailable
	}
	v, ok := m.vals[key]
	if !ok || !m.live(v) {
		v = memVal{}
	}
	v.n++
	v.s = strconv.FormatInt(v.n, 10)
	v.expires = m.Now().Add(ttl)
	m.vals[key] = v
	return v.n, nil
}

func (m *Memory) HGet(ctx context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return "", ErrUnavailable
	}
	h, ok := m.hashes[key]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) HSet(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return ErrUnavailable
	}
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	m.hashes[key][field] = value
	return nil
}

func (m *Memory) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return 0, ErrUnavailable
	}
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	n, _ := strconv.ParseInt(m.hashes[key][field], 10, 64)
	n += delta
	m.hashes[key][field] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return 0, ErrUnavailable
	}
	var deleted int64
	for k := range m.vals {
		if strings.HasPrefix(k, prefix) {
			delete(m.vals, k)
			deleted++
		}
	}
	for k := range m.hashes {
		if strings.HasPrefix(k, prefix) {
			delete(m.hashes, k)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return ErrUnavailable
	}
	for _, k := range keys {
		delete(m.vals, k)
		delete(m.hashes, k)
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	if m.Fail {
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) Close() error { return nil }

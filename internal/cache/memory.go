package cache

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means never
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Cache. Expired entries are dropped lazily on
// access and periodically by a janitor goroutine.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory creates a memory cache. A positive janitorInterval starts a
// background sweep; call Close to stop it.
func NewMemory(janitorInterval time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]*memEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if janitorInterval > 0 {
		go m.janitor(janitorInterval)
	}
	return m
}

func memKey(ns, key string) string {
	return ns + "\x00" + key
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// live returns the entry if present and unexpired. Caller holds mu.
func (m *Memory) live(k string) (*memEntry, bool) {
	e, ok := m.entries[k]
	if !ok {
		return nil, false
	}
	if e.expired(m.now()) {
		delete(m.entries, k)
		return nil, false
	}
	return e, true
}

func (m *Memory) Set(_ context.Context, ns, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[memKey(ns, key)] = &memEntry{value: append([]byte(nil), value...), expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) SetIfAbsent(_ context.Context, ns, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(ns, key)
	if _, ok := m.live(k); ok {
		return false, nil
	}
	m.entries[k] = &memEntry{value: append([]byte(nil), value...), expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) Get(_ context.Context, ns, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(memKey(ns, key))
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Remove(_ context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, memKey(ns, key))
	return nil
}

func (m *Memory) Has(_ context.Context, ns, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(memKey(ns, key))
	return ok, nil
}

func (m *Memory) RemainingTTL(_ context.Context, ns, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(memKey(ns, key))
	if !ok {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(m.now()), nil
}

// Len returns the number of stored entries, including expired ones not
// yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep drops every expired entry.
func (m *Memory) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
}

func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close stops the janitor.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

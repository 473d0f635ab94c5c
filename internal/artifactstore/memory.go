package artifactstore

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

type memoryStore struct {
	mu sync.Mutex

	prefix   string
	maxBytes int64

	totalBytes int64
	order      *list.List // front = most recently used
	entries    map[string]*list.Element
}

type memoryEntry struct {
	key    string
	data   []byte
	pinned bool
}

func newMemoryStore(cfg Config) Store {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &memoryStore{
		prefix:   normalizePrefix(cfg.Prefix),
		maxBytes: maxBytes,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte) error {
	fullKey, err := m.fullKey(key)
	if err != nil {
		return err
	}
	if int64(len(payload)) > m.maxBytes {
		return fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, key, m.maxBytes)
	}

	data := append([]byte(nil), payload...)
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[fullKey]; ok {
		entry := el.Value.(*memoryEntry)
		m.totalBytes += int64(len(data)) - int64(len(entry.data))
		entry.data = data
		m.order.MoveToFront(el)
	} else {
		el := m.order.PushFront(&memoryEntry{key: fullKey, data: data})
		m.entries[fullKey] = el
		m.totalBytes += int64(len(data))
	}
	m.evictLocked()
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	fullKey, err := m.fullKey(key)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[fullKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	m.order.MoveToFront(el)
	entry := el.Value.(*memoryEntry)
	return append([]byte(nil), entry.data...), nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	fullKey, err := m.fullKey(key)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	_, ok := m.entries[fullKey]
	m.mu.Unlock()
	return ok, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	fullKey, err := m.fullKey(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[fullKey]; ok {
		m.removeLocked(el)
	}
	return nil
}

func (m *memoryStore) Pin(_ context.Context, key string) error {
	return m.setPinned(key, true)
}

func (m *memoryStore) Unpin(_ context.Context, key string) error {
	return m.setPinned(key, false)
}

func (m *memoryStore) setPinned(key string, pinned bool) error {
	fullKey, err := m.fullKey(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[fullKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	el.Value.(*memoryEntry).pinned = pinned
	if !pinned {
		m.evictLocked()
	}
	return nil
}

// evictLocked drops least recently used unpinned entries until the cache fits
// its byte bound. Pinned entries are skipped; the cache may exceed the bound
// while everything over it is pinned.
func (m *memoryStore) evictLocked() {
	el := m.order.Back()
	for m.totalBytes > m.maxBytes && el != nil {
		prev := el.Prev()
		if !el.Value.(*memoryEntry).pinned {
			m.removeLocked(el)
		}
		el = prev
	}
}

func (m *memoryStore) removeLocked(el *list.Element) {
	entry := el.Value.(*memoryEntry)
	m.order.Remove(el)
	delete(m.entries, entry.key)
	m.totalBytes -= int64(len(entry.data))
}

func (m *memoryStore) fullKey(key string) (string, error) {
	logicalKey, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	return joinPrefix(m.prefix, logicalKey), nil
}

package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// memoryManager is an in-process Manager used by tests and local
// development. Documents are held as their JSON encoding so that reads
// hand back copies, never aliases.
type memoryManager struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryManager() Manager {
	return &memoryManager{docs: make(map[string][]byte)}
}

func (m *memoryManager) Get(_ context.Context, path string, into any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	raw, ok := m.docs[path]
	if !ok {
		return ErrNotFound
	}

	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("document decode %s: %w", path, err)
	}

	return nil
}

func (m *memoryManager) Set(_ context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("document encode %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.docs[path] = raw
	return nil
}

func (m *memoryManager) Merge(_ context.Context, path string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := make(map[string]any)
	if raw, ok := m.docs[path]; ok {
		if err := json.Unmarshal(raw, &merged); err != nil {
			return fmt.Errorf("document decode %s: %w", path, err)
		}
	}

	for k, v := range fields {
		merged[k] = v
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("document encode %s: %w", path, err)
	}

	m.docs[path] = raw
	return nil
}

func (m *memoryManager) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs, path)
	return nil
}

// List returns direct children of the collection path in lexicographic
// ID order. Nested documents (for example an asset's pipeline state) are
// not part of their parent collection.
func (m *memoryManager) List(_ context.Context, collectionPath string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := collectionPath + "/"
	ids := make([]string, 0)
	for path := range m.docs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}

		id := strings.TrimPrefix(path, prefix)
		if strings.Contains(id, "/") {
			continue
		}

		ids = append(ids, id)
	}
	sort.Strings(ids)

	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		raw := m.docs[prefix+id]
		docs = append(docs, Document{
			ID: id,
			decode: func(into any) error {
				return json.Unmarshal(raw, into)
			},
		})
	}

	return docs, nil
}

func (m *memoryManager) Close() error {
	return nil
}

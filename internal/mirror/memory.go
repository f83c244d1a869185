package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/itsdave-de/frappebr/internal/br"
)

// MemoryMirror keeps objects in a map. Safe for concurrent use.
type MemoryMirror struct {
	name    string
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ br.Mirror = (*MemoryMirror)(nil)

func NewMemoryMirror(name string) *MemoryMirror {
	return &MemoryMirror{name: name, objects: make(map[string][]byte)}
}

func (m *MemoryMirror) Name() string { return m.name }

func (m *MemoryMirror) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch for %s: expected %d bytes, got %d", key, size, len(data))
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryMirror) Get(ctx context.Context, key string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", key, br.ErrNotFound)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (m *MemoryMirror) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryMirror) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryMirror) ValidateSetup(ctx context.Context) error { return nil }

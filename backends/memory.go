package backends

import (
	"github.com/sloonz/ushelf/lib"

	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// In-memory backend, for tests and dry runs
type Memory struct {
	mu      sync.RWMutex
	objects map[ushelf.ObjectKind]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[ushelf.ObjectKind]map[string][]byte)}
}

func (m *Memory) Upload(ctx context.Context, kind ushelf.ObjectKind, name string, data io.Reader) error {
	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, data); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects[kind] == nil {
		m.objects[kind] = make(map[string][]byte)
	}
	m.objects[kind][name] = buf.Bytes()
	return nil
}

func (m *Memory) Download(ctx context.Context, kind ushelf.ObjectKind, name string) (io.ReadCloser, error) {
	data, ok := m.Get(kind, name)
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", kind, name, ushelf.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Exists(ctx context.Context, kind ushelf.ObjectKind, name string) (bool, error) {
	_, ok := m.Get(kind, name)
	return ok, nil
}

func (m *Memory) List(ctx context.Context, kind ushelf.ObjectKind) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.objects[kind]))
	for name := range m.objects[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) Delete(ctx context.Context, kind ushelf.ObjectKind, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[kind][name]; !ok {
		return fmt.Errorf("%s/%s: %w", kind, name, ushelf.ErrNotFound)
	}
	delete(m.objects[kind], name)
	return nil
}

// Raw stored content of an object
func (m *Memory) Get(kind ushelf.ObjectKind, name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[kind][name]
	return data, ok
}

// Replace the raw content of an object, bypassing the envelope
func (m *Memory) Set(kind ushelf.ObjectKind, name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects[kind] == nil {
		m.objects[kind] = make(map[string][]byte)
	}
	m.objects[kind][name] = data
}

func (m *Memory) Count(kind ushelf.ObjectKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects[kind])
}

// storage/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
)

type memory struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

// NewMemory returns a FileStorage that stores all files in RAM. It's
// really only useful for testing of code built on top of storage.Backend,
// where we may want to save the trouble of saving a bunch of stuff to
// disk.
func NewMemory() FileStorage {
	return &memory{
		files: make(map[string][]byte),
		dirs:  map[string]bool{".": true},
	}
}

func clean(name string) string {
	return path.Clean(strings.TrimPrefix(name, "/"))
}

func (m *memory) String() string {
	return "memory"
}

func (m *memory) Create(ctx context.Context, name string) (FileWriter, error) {
	name = clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[path.Dir(name)] {
		return nil, ErrNotExist
	}
	return &memoryWriter{m: m, name: name}, nil
}

type memoryWriter struct {
	m    *memory
	name string
	buf  bytes.Buffer
}

func (w *memoryWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

func (w *memoryWriter) Close() error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	w.m.files[w.name] = dupe(w.buf.Bytes())
	return nil
}

func (w *memoryWriter) Abort() {
	w.buf.Reset()
}

func (m *memory) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[clean(name)]
	if !ok {
		return nil, ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(dupe(b))), nil
}

func (m *memory) Exists(ctx context.Context, name string) (bool, error) {
	name = clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	return ok || m.dirs[name], nil
}

func (m *memory) Mkdir(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for d := clean(name); !m.dirs[d]; d = path.Dir(d) {
		m.dirs[d] = true
	}
	return nil
}

func (m *memory) List(ctx context.Context, dir string) ([]string, error) {
	dir = clean(dir)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[dir] {
		return nil, ErrNotExist
	}

	var names []string
	for n := range m.files {
		if path.Dir(n) == dir {
			names = append(names, path.Base(n))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *memory) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, clean(name))
	return nil
}

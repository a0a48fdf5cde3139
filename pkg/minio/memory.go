package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStore is an ObjectStore kept in process memory, used by tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (m *MemoryStore) Put(_ context.Context, b Bucket, key string, r io.Reader, _ int64, _ string) (*Object, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[string(b)+"/"+key] = data
	return &Object{Bucket: string(b), Key: key, Size: int64(len(data))}, nil
}

func (m *MemoryStore) Get(_ context.Context, b Bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[string(b)+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", b, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) Remove(_ context.Context, b Bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, string(b)+"/"+key)
	return nil
}

// Keys lists stored keys of a bucket.
func (m *MemoryStore) Keys(b Bucket) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := string(b) + "/"
	var out []string
	for k := range m.objects {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	return out
}

package staging

import (
	"context"
	"fmt"
	"sync"
)

// MemoryClient is an in-process ObjectClient for tests and single-node runs.
type MemoryClient struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string][]byte)}
}

func memoryKey(bucket, key string) string {
	return bucket + "/" + key
}

func (m *MemoryClient) PutObject(_ context.Context, bucket, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[memoryKey(bucket, key)] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryClient) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[memoryKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrMissingKey, bucket, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryClient) RemoveObject(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, memoryKey(bucket, key))
	return nil
}

func (m *MemoryClient) StatObject(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[memoryKey(bucket, key)]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrMissingKey, bucket, key)
	}
	return nil
}

// Has reports whether s3://bucket/key is stored.
func (m *MemoryClient) Has(uri string) bool {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[memoryKey(bucket, key)]
	return ok
}

func (m *MemoryClient) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

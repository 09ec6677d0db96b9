package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"
)

// Memory is an in-process ObjectStore.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	putHook func(bucket, key string) error
}

// NewMemory creates an empty in-memory object store
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string][]byte)}
}

// SetPutHook installs a function consulted before every PutBlob; a non-nil error fails the put.
func (m *Memory) SetPutHook(hook func(bucket, key string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putHook = hook
}

func (m *Memory) CreateBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

func (m *Memory) DeleteBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
	}
	delete(m.buckets, bucket)
	return nil
}

func (m *Memory) PutBlob(_ context.Context, bucket, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putHook != nil {
		if err := m.putHook(bucket, key); err != nil {
			return err
		}
	}
	b, ok := m.buckets[bucket]
	if !ok {
		return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
	}
	b[key] = bytes.Clone(data)
	return nil
}

func (m *Memory) GetBlob(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) DeleteBlob(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
	}
	delete(b, key)
	return nil
}

func (m *Memory) ListKeys(_ context.Context, bucket string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		m.mu.RLock()
		b, ok := m.buckets[bucket]
		if !ok {
			m.mu.RUnlock()
			yield("", fmt.Errorf("bucket %s: %w", bucket, ErrNotFound))
			return
		}
		keys := make([]string, 0, len(b))
		for k := range b {
			keys = append(keys, k)
		}
		m.mu.RUnlock()

		slices.Sort(keys)
		for _, k := range keys {
			if !yield(k, nil) {
				return
			}
		}
	}
}

// Objects returns a copy of every object in bucket.
func (m *Memory) Objects(bucket string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.buckets[bucket]))
	for k, v := range m.buckets[bucket] {
		out[k] = string(v)
	}
	return out
}

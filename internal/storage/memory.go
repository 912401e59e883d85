package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryObject struct {
	body         []byte
	contentType  string
	lastModified time.Time
}

// Memory is an in-process object store used by tests and local runs.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]memoryObject),
		now:     time.Now,
	}
}

func objectPath(bucket, key string) string {
	return bucket + "/" + key
}

func (m *Memory) Stat(_ context.Context, bucket, key string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[objectPath(bucket, key)]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return ObjectInfo{Bucket: bucket, Key: key, Size: int64(len(obj.body)), LastModified: obj.lastModified}, nil
}

func (m *Memory) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[objectPath(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return append([]byte(nil), obj.body...), nil
}

func (m *Memory) Put(_ context.Context, bucket, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectPath(bucket, key)] = memoryObject{
		body:         append([]byte(nil), body...),
		contentType:  contentType,
		lastModified: m.now(),
	}
	return nil
}

func (m *Memory) Move(_ context.Context, bucket, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := objectPath(bucket, srcKey)
	obj, ok := m.objects[src]
	if !ok {
		return fmt.Errorf("%s/%s: %w", bucket, srcKey, ErrNotFound)
	}
	obj.lastModified = m.now()
	m.objects[objectPath(bucket, dstKey)] = obj
	delete(m.objects, src)
	return nil
}

// Touch bumps an object's last-modified time without changing its body.
func (m *Memory) Touch(bucket, key string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[objectPath(bucket, key)]; ok {
		obj.lastModified = at
		m.objects[objectPath(bucket, key)] = obj
	}
}

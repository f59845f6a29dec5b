package objstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store and Multipart implementation used in
// tests and local development.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	uploads map[string][][]byte
}

type memObject struct {
	body     []byte
	modified time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		objects: make(map[string]memObject),
		uploads: make(map[string][][]byte),
	}
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Op: "get", Key: key, Err: errors.New("no such key")}
	}
	out := make([]byte, len(obj.body))
	copy(out, obj.body)
	return out, nil
}

func (m *MemStore) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(body))
	copy(stored, body)
	m.objects[key] = memObject{body: stored, modified: time.Now()}
	return nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var infos []ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, ObjectInfo{Key: key, Size: int64(len(obj.body)), LastModified: obj.modified})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *MemStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", &Error{Kind: KindNotFound, Op: "presign", Key: key, Err: errors.New("no such key")}
	}
	return fmt.Sprintf("mem://%s?expires=%d", key, int64(expiry.Seconds())), nil
}

func (m *MemStore) CreateMultipart(_ context.Context, key, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uploadID := "upload-" + key
	m.uploads[uploadID] = nil
	return uploadID, nil
}

func (m *MemStore) UploadPart(_ context.Context, _ string, uploadID string, partNumber int32, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[uploadID]; !ok {
		return "", errors.New("unknown upload id")
	}
	stored := make([]byte, len(body))
	copy(stored, body)
	m.uploads[uploadID] = append(m.uploads[uploadID], stored)
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (m *MemStore) CompleteMultipart(_ context.Context, key, uploadID string, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts, ok := m.uploads[uploadID]
	if !ok {
		return errors.New("unknown upload id")
	}
	var body []byte
	for _, p := range parts {
		body = append(body, p...)
	}
	m.objects[key] = memObject{body: body, modified: time.Now()}
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemStore) AbortMultipart(_ context.Context, _ string, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	return nil
}

// Keys returns all stored keys, sorted. Test helper.
func (m *MemStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package testsupport holds in-memory stand-ins shared by package tests.
package testsupport

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"packager/models"
	"packager/services"
)

type StoredObject struct {
	Body      []byte
	Options   services.UploadOptions
	UpdatedAt time.Time
}

// MemStore is an in-memory services.ObjectStore. Errors set in FailUpload,
// FailList or FailDelete are returned for the matching key or prefix.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]StoredObject
	uploads []string
	deletes []string

	FailUpload map[string]error
	FailList   error
	FailDelete map[string]error
	// OnMetadata runs before each Metadata lookup, outside the lock.
	OnMetadata func(key string)
	Now        func() time.Time
	BaseURL    string
}

var _ services.ObjectStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		objects:    make(map[string]StoredObject),
		FailUpload: make(map[string]error),
		FailDelete: make(map[string]error),
		Now:        func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
		BaseURL:    "https://cdn.test",
	}
}

func (m *MemStore) Upload(ctx context.Context, localPath, key string, opts services.UploadOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailUpload[key]; err != nil {
		return err
	}
	m.objects[key] = StoredObject{Body: body, Options: opts, UpdatedAt: m.Now()}
	m.uploads = append(m.uploads, key)
	return nil
}

func (m *MemStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemStore) Metadata(ctx context.Context, key string) (services.ObjectMetadata, error) {
	if m.OnMetadata != nil {
		m.OnMetadata(key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return services.ObjectMetadata{}, fmt.Errorf("object %s: %w", key, models.ErrNotFound)
	}
	return services.ObjectMetadata{UpdatedAt: obj.UpdatedAt, Size: int64(len(obj.Body))}, nil
}

func (m *MemStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailList != nil {
		return nil, m.FailList
	}
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailDelete[key]; err != nil {
		return err
	}
	delete(m.objects, key)
	m.deletes = append(m.deletes, key)
	return nil
}

func (m *MemStore) PublicURL(key string) string {
	return m.BaseURL + "/" + key
}

// Put seeds an object directly, bypassing upload bookkeeping.
func (m *MemStore) Put(key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = StoredObject{Body: body, UpdatedAt: m.Now()}
}

func (m *MemStore) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

func (m *MemStore) Get(key string) (StoredObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

func (m *MemStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Uploads returns keys in the order their uploads completed.
func (m *MemStore) Uploads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.uploads...)
}

func (m *MemStore) Deletes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletes...)
}

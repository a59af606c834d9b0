// Package idempotency replays the first response for a repeated
// X-Idempotency-Key so a retried pay call never moves funds twice.
package idempotency

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Record is a stored response, keyed by the caller's idempotency key.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	ContentType string    `json:"contentType,omitempty"`
	Response    []byte    `json:"response"`
	// Fingerprint identifies the request that produced the response.
	Fingerprint string    `json:"fingerprint,omitempty"`
	// Pending marks a key whose first request is still being handled.
	Pending     bool      `json:"pending,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store abstracts idempotency persistence. Get returns nil, nil for an
// unknown or expired key.
//
// Reserve stores the pending record only when the key is free and returns
// nil; otherwise it leaves the store untouched and returns the live record.
// Release drops a pending record and keeps finished ones.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Reserve(ctx context.Context, key string, pending Record) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	Release(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok || rec.expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Reserve(_ context.Context, key string, pending Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && !rec.expired(time.Now()) {
		return &rec, nil
	}
	pending.Pending = true
	m.data[key] = pending
	return nil, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && rec.Pending {
		delete(m.data, key)
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// FileStore persists records to a single JSON file. Suitable for local dev.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return sonic.Unmarshal(blob, &f.data)
}

// persist drops expired records before writing.
func (f *FileStore) persist() error {
	now := time.Now()
	for k, rec := range f.data {
		if rec.expired(now) {
			delete(f.data, k)
		}
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := sonic.ConfigStd.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if record.expired(time.Now()) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Reserve(_ context.Context, key string, pending Record) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.data[key]; ok && !rec.expired(time.Now()) {
		return &rec, nil
	}
	pending.Pending = true
	f.data[key] = pending
	if err := f.persist(); err != nil {
		delete(f.data, key)
		return nil, err
	}
	return nil, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.persist()
}

func (f *FileStore) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[key]
	if !ok || !rec.Pending {
		return nil
	}
	delete(f.data, key)
	return f.persist()
}

// Ping checks that the store directory is still writable.
func (f *FileStore) Ping(context.Context) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".idem-ping-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

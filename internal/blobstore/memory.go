package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"locker-go/internal/locker"
)

type memoryBlob struct {
	data    []byte
	modTime time.Time
}

// MemoryBlobStore keeps blobs in a map, making it useful for testing.
// It is safe for concurrent use.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
	locks *locker.KeyLock
	now   func() time.Time
}

var _ locker.BlobStore = (*MemoryBlobStore)(nil)

// NewMemoryBlobStore creates an empty in-memory blob store. clock may be
// nil, in which case wall time is used for modification times.
func NewMemoryBlobStore(clock locker.Clock) *MemoryBlobStore {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &MemoryBlobStore{
		blobs: make(map[string]memoryBlob),
		locks: locker.NewKeyLock(),
		now:   now,
	}
}

func (m *MemoryBlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[hash]
	return ok, nil
}

func (m *MemoryBlobStore) Put(ctx context.Context, hash string, staged locker.StagedContent) (locker.PutOutcome, error) {
	if err := checkHash(hash); err != nil {
		return 0, err
	}
	unlock := m.locks.Lock(hash)
	defer unlock()

	if ok, _ := m.Exists(ctx, hash); ok {
		return locker.PutAlreadyExists, nil
	}

	rc, err := staged.Open()
	if err != nil {
		return 0, fmt.Errorf("opening staged content: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return 0, fmt.Errorf("failed to read content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[hash] = memoryBlob{data: data, modTime: m.now()}
	return locker.PutCommitted, nil
}

func (m *MemoryBlobStore) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", hash, locker.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (m *MemoryBlobStore) DeleteIfUnreferenced(ctx context.Context, hash string, referenced func(context.Context) (bool, error)) (bool, error) {
	unlock := m.locks.Lock(hash)
	defer unlock()

	inUse, err := referenced(ctx)
	if err != nil {
		return false, fmt.Errorf("checking references to %s: %w", hash, err)
	}
	if inUse {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[hash]; !ok {
		return false, nil
	}
	delete(m.blobs, hash)
	return true, nil
}

// List snapshots the stored blobs and calls fn without holding the store
// lock, so fn may delete.
func (m *MemoryBlobStore) List(ctx context.Context, fn func(locker.StoredBlob) error) error {
	m.mu.RLock()
	snapshot := make([]locker.StoredBlob, 0, len(m.blobs))
	for hash, b := range m.blobs {
		snapshot = append(snapshot, locker.StoredBlob{Hash: hash, Size: int64(len(b.data)), ModTime: b.modTime})
	}
	m.mu.RUnlock()

	slices.SortFunc(snapshot, func(a, b locker.StoredBlob) int {
		return strings.Compare(a.Hash, b.Hash)
	})
	for _, sb := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(sb); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBlobStore) ValidateSetup(ctx context.Context) error {
	return nil
}

// Count returns the number of stored blobs.
func (m *MemoryBlobStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Remove deletes a blob unconditionally, for simulating lost bytes in tests.
func (m *MemoryBlobStore) Remove(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, hash)
}

// PutBytes stores data under hash without going through staging, for
// simulating orphaned bytes in tests.
func (m *MemoryBlobStore) PutBytes(hash string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[hash] = memoryBlob{data: bytes.Clone(data), modTime: m.now()}
}

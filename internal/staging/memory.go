package staging

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// memoryStore keeps staged bytes in memory, making it useful for testing.
type memoryStore struct{}

// NewMemoryStagingArea creates a staging area that holds uploads in memory.
// maxSize is the maximum total size in bytes; must be positive.
func NewMemoryStagingArea(maxSize int64, opts Options) (*StagingArea, error) {
	return newStagingArea(memoryStore{}, maxSize, opts)
}

func (memoryStore) Create() (slot, error) {
	return &memorySlot{}, nil
}

func (memoryStore) Cleanup() error {
	return nil
}

type memorySlot struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	removed bool
}

func (m *memorySlot) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}

func (m *memorySlot) Close() error { return nil }

func (m *memorySlot) Path() string { return "" }

func (m *memorySlot) Open() (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed {
		return nil, fmt.Errorf("staged content was discarded")
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(m.buf.Bytes()))), nil
}

func (m *memorySlot) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = true
	m.buf = bytes.Buffer{}
	return nil
}

package testutil

import (
	"locker-go/internal/blobstore"
	"locker-go/internal/locker"
)

// NewTestBlobStore creates a new in-memory blob store whose modification
// times come from clock.
func NewTestBlobStore(clock locker.Clock) *blobstore.MemoryBlobStore {
	return blobstore.NewMemoryBlobStore(clock)
}

package locker

import (
	"context"
	"io"
	"time"
)

// PutOutcome reports what BlobStore.Put did.
type PutOutcome int

const (
	// PutCommitted means the staged bytes are now stored under the hash.
	PutCommitted PutOutcome = iota + 1
	// PutAlreadyExists means bytes for the hash were already present
	// (possibly written by a concurrent Put). Nothing was written.
	PutAlreadyExists
)

func (o PutOutcome) String() string {
	switch o {
	case PutCommitted:
		return "committed"
	case PutAlreadyExists:
		return "already-exists"
	default:
		return "unknown"
	}
}

// StoredBlob describes bytes found in a BlobStore during a sweep.
type StoredBlob struct {
	Hash    string
	Size    int64
	ModTime time.Time
}

// BlobStore persists blob bytes keyed by content hash.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	// Exists reports whether bytes for hash are stored.
	Exists(ctx context.Context, hash string) (bool, error)

	// Put moves or copies staged bytes into permanent storage under hash.
	// Concurrent Puts of the same hash resolve to exactly one PutCommitted;
	// the rest report PutAlreadyExists. The caller still owns staged and
	// must Discard it.
	Put(ctx context.Context, hash string, staged StagedContent) (PutOutcome, error)

	// Get opens the stored bytes. Returns ErrNotFound if hash is unknown.
	Get(ctx context.Context, hash string) (io.ReadCloser, error)

	// DeleteIfUnreferenced calls referenced while holding the store's lock for
	// hash and removes the bytes only if it reports false. referenced is
	// expected to consult the same bookkeeping that decremented the count.
	// Reports whether bytes were removed.
	DeleteIfUnreferenced(ctx context.Context, hash string, referenced func(context.Context) (bool, error)) (bool, error)

	// List calls fn for every stored blob.
	List(ctx context.Context, fn func(StoredBlob) error) error

	// ValidateSetup verifies the store is reachable and writable.
	ValidateSetup(ctx context.Context) error
}

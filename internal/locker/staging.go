package locker

import (
	"context"
	"io"
)

// StagedContent is an upload that has been hashed and written to staging
// but not yet committed to the BlobStore.
type StagedContent interface {
	// Hash is the lowercase hex digest of the plaintext.
	Hash() string

	// Size is the number of plaintext bytes read from the stream.
	Size() int64

	// StoredSize is the number of bytes held in staging, which differs from
	// Size when the staging area encrypts.
	StoredSize() int64

	// Encrypted reports whether the staged bytes are ciphertext.
	Encrypted() bool

	// MimeType is sniffed from the leading bytes of the stream.
	MimeType() string

	// Path is the staging file on local disk, or "" for memory staging.
	Path() string

	// Open re-reads the staged bytes.
	Open() (io.ReadCloser, error)

	// Discard removes the staged bytes and releases staging capacity.
	// Safe to call more than once.
	Discard() error
}

// StagingArea hashes incoming streams while writing them to temporary storage.
type StagingArea interface {
	// Ingest consumes r until EOF. Any failure, including cancellation of
	// ctx, is returned as *IngestError with the partial file already removed.
	Ingest(ctx context.Context, r io.Reader) (StagedContent, error)

	// Size returns the number of bytes currently staged.
	Size() int64

	// Cleanup removes staging files left behind by a crashed process.
	Cleanup() error
}

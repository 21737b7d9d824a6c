package staging

import "io"

// stagingStore abstracts where staged bytes live. The staging area owns
// hashing, encryption and accounting; stores only hold bytes.
type stagingStore interface {
	// Create returns a new, empty slot ready for writing.
	Create() (slot, error)

	// Cleanup removes slots left behind by a process that exited mid-ingest.
	Cleanup() error
}

// slot is one staged upload.
type slot interface {
	io.Writer

	// Close finishes writing. The slot can then be opened.
	Close() error

	// Path returns the local file backing the slot, or "" if there is none.
	Path() string

	// Open re-reads the written bytes.
	Open() (io.ReadCloser, error)

	// Remove deletes the slot's bytes.
	Remove() error
}

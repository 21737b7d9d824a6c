package locker

import "io"

// FilesystemManager reads local files for import into the store.
// It abstracts the OS so ImportLocal can be tested without touching disk.
type FilesystemManager interface {
	// Resolve turns a raw path into an absolute, stat'ed Path.
	// Symlinks, devices, pipes and sockets are rejected.
	Resolve(rawPath string) (*Path, error)

	// Open opens a regular file for reading.
	Open(path *Path) (io.ReadCloser, error)

	// FindFiles lists regular files under a directory, skipping ignored ones.
	// With recursive set, files in subdirectories are included.
	FindFiles(path *Path, recursive bool) ([]*Path, error)
}

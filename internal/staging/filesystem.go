package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	slotPattern = "ingest-*.tmp"

	// staleAfter is how old a slot must be before Cleanup treats it as
	// abandoned. Another process may be ingesting into younger ones.
	staleAfter = time.Hour
)

// filesystemStore stages uploads as temp files in one directory.
//
// Directory structure:
//
//	<staging_dir>/
//	  ingest-<random>.tmp    (one per in-flight upload)
type filesystemStore struct {
	dir string
	now func() time.Time
}

// NewFileSystemStagingArea creates a staging area backed by stagingDir.
// maxSize is the maximum total size in bytes; must be positive.
func NewFileSystemStagingArea(stagingDir string, maxSize int64, opts Options) (*StagingArea, error) {
	if err := os.MkdirAll(stagingDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return newStagingArea(&filesystemStore{dir: stagingDir, now: time.Now}, maxSize, opts)
}

func (s *filesystemStore) Create() (slot, error) {
	f, err := os.CreateTemp(s.dir, slotPattern)
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	return &fileSlot{f: f, path: f.Name()}, nil
}

func (s *filesystemStore) Cleanup() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, slotPattern))
	if err != nil {
		return fmt.Errorf("listing staging files: %w", err)
	}

	cutoff := s.now().Add(-staleAfter)
	var failed []string
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			failed = append(failed, filepath.Base(path))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("removing stale staging files: %s", strings.Join(failed, ", "))
	}
	return nil
}

type fileSlot struct {
	f    *os.File
	path string
}

func (s *fileSlot) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *fileSlot) Close() error { return s.f.Close() }

func (s *fileSlot) Path() string { return s.path }

func (s *fileSlot) Open() (io.ReadCloser, error) {
	return os.Open(s.path)
}

func (s *fileSlot) Remove() error {
	s.f.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing staging file: %w", err)
	}
	return nil
}

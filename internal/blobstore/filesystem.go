package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"locker-go/internal/locker"
)

const (
	blobMode    = 0440
	tmpPrefix   = ".tmp-"
	probePrefix = ".probe-"
)

// FileSystemBlobStore stores each blob as one read-only file, sharded by
// the first two byte pairs of its hash:
//
//	<root>/
//	  content/
//	    ab/
//	      cd/
//	        abcd1234...   (bytes, possibly ciphertext)
//
// Blobs are committed by hard-linking the staged file into place. A link
// fails if the destination exists, so concurrent writers of the same hash
// (in this process or another) cannot overwrite each other.
type FileSystemBlobStore struct {
	root       string
	contentDir string
	locks      *locker.KeyLock
}

var _ locker.BlobStore = (*FileSystemBlobStore)(nil)

// NewFileSystemBlobStore creates a blob store rooted at root.
func NewFileSystemBlobStore(root string) (*FileSystemBlobStore, error) {
	contentDir := filepath.Join(root, "content")
	if err := os.MkdirAll(contentDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	return &FileSystemBlobStore{
		root:       root,
		contentDir: contentDir,
		locks:      locker.NewKeyLock(),
	}, nil
}

func (b *FileSystemBlobStore) blobPath(hash string) string {
	return filepath.Join(b.contentDir, hash[0:2], hash[2:4], hash)
}

func (b *FileSystemBlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := checkHash(hash); err != nil {
		return false, err
	}
	_, err := os.Stat(b.blobPath(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking blob %s: %w", hash, err)
}

func (b *FileSystemBlobStore) Put(ctx context.Context, hash string, staged locker.StagedContent) (locker.PutOutcome, error) {
	if err := checkHash(hash); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	unlock := b.locks.Lock(hash)
	defer unlock()

	dest := b.blobPath(hash)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("creating shard directory: %w", err)
	}

	if src := staged.Path(); src != "" {
		if err := os.Chmod(src, blobMode); err != nil {
			return 0, fmt.Errorf("sealing staged file: %w", err)
		}
		err := os.Link(src, dest)
		if err == nil {
			return locker.PutCommitted, nil
		}
		if errors.Is(err, fs.ErrExist) {
			return locker.PutAlreadyExists, nil
		}
		// Different filesystem or no hard links: copy instead.
	}

	return b.copyIn(dest, staged)
}

// copyIn writes staged bytes to a temp file next to dest and links it into
// place.
func (b *FileSystemBlobStore) copyIn(dest string, staged locker.StagedContent) (locker.PutOutcome, error) {
	src, err := staged.Open()
	if err != nil {
		return 0, fmt.Errorf("opening staged content: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), tmpPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != staged.StoredSize() {
		return 0, fmt.Errorf("size mismatch: expected %d bytes, got %d", staged.StoredSize(), written)
	}
	if err := os.Chmod(tmpPath, blobMode); err != nil {
		return 0, fmt.Errorf("sealing blob: %w", err)
	}

	if err := os.Link(tmpPath, dest); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return locker.PutAlreadyExists, nil
		}
		return 0, fmt.Errorf("committing blob: %w", err)
	}
	return locker.PutCommitted, nil
}

func (b *FileSystemBlobStore) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := checkHash(hash); err != nil {
		return nil, err
	}
	f, err := os.Open(b.blobPath(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", hash, locker.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

func (b *FileSystemBlobStore) DeleteIfUnreferenced(ctx context.Context, hash string, referenced func(context.Context) (bool, error)) (bool, error) {
	if err := checkHash(hash); err != nil {
		return false, err
	}

	unlock := b.locks.Lock(hash)
	defer unlock()

	inUse, err := referenced(ctx)
	if err != nil {
		return false, fmt.Errorf("checking references to %s: %w", hash, err)
	}
	if inUse {
		return false, nil
	}

	if err := os.Remove(b.blobPath(hash)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("removing blob %s: %w", hash, err)
	}
	return true, nil
}

// List walks the content directory. Temp files from interrupted copies
// are skipped.
func (b *FileSystemBlobStore) List(ctx context.Context, fn func(locker.StoredBlob) error) error {
	return filepath.WalkDir(b.contentDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || !validHash(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return fn(locker.StoredBlob{
			Hash:    d.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	})
}

// ValidateSetup verifies that the content directory exists and is writable.
func (b *FileSystemBlobStore) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(b.root)
	if err != nil {
		return fmt.Errorf("blob store root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("blob store root is not a directory: %s", b.root)
	}

	probe, err := os.CreateTemp(b.contentDir, probePrefix+"*")
	if err != nil {
		return fmt.Errorf("blob store is not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"locker-go/internal/locker"
)

// stagedBytes is a minimal locker.StagedContent. When dir is set the bytes
// are also written to a file so Put can link them.
type stagedBytes struct {
	data []byte
	path string
}

func newStaged(t *testing.T, data []byte, dir string) *stagedBytes {
	t.Helper()
	s := &stagedBytes{data: data}
	if dir != "" {
		f, err := os.CreateTemp(dir, "ingest-*.tmp")
		if err != nil {
			t.Fatalf("CreateTemp() error = %v", err)
		}
		if _, err := f.Write(data); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		f.Close()
		s.path = f.Name()
	}
	return s
}

func (s *stagedBytes) Hash() string {
	sum := sha256.Sum256(s.data)
	return hex.EncodeToString(sum[:])
}
func (s *stagedBytes) Size() int64       { return int64(len(s.data)) }
func (s *stagedBytes) StoredSize() int64 { return int64(len(s.data)) }
func (s *stagedBytes) Encrypted() bool   { return false }
func (s *stagedBytes) MimeType() string  { return "application/octet-stream" }
func (s *stagedBytes) Path() string      { return s.path }
func (s *stagedBytes) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}
func (s *stagedBytes) Discard() error {
	if s.path != "" {
		return os.Remove(s.path)
	}
	return nil
}

var _ locker.StagedContent = (*stagedBytes)(nil)

func readBlob(t *testing.T, bs locker.BlobStore, hash string) []byte {
	t.Helper()
	rc, err := bs.Get(context.Background(), hash)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return data
}

func notReferenced(context.Context) (bool, error) { return false, nil }

// testBlobStore runs the behavior every BlobStore must share.
func testBlobStore(t *testing.T, bs locker.BlobStore, stagingDir string) {
	ctx := context.Background()

	t.Run("put then get", func(t *testing.T) {
		s := newStaged(t, []byte("hello blob"), stagingDir)
		defer s.Discard()

		out, err := bs.Put(ctx, s.Hash(), s)
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if out != locker.PutCommitted {
			t.Errorf("Put() = %v, want committed", out)
		}
		exists, err := bs.Exists(ctx, s.Hash())
		if err != nil || !exists {
			t.Fatalf("Exists() = %v, %v, want true", exists, err)
		}
		if got := readBlob(t, bs, s.Hash()); !bytes.Equal(got, s.data) {
			t.Errorf("Get() = %q, want %q", got, s.data)
		}
	})

	t.Run("second put reports existing", func(t *testing.T) {
		first := newStaged(t, []byte("same bytes"), stagingDir)
		defer first.Discard()
		second := newStaged(t, []byte("same bytes"), stagingDir)
		defer second.Discard()

		if _, err := bs.Put(ctx, first.Hash(), first); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		out, err := bs.Put(ctx, second.Hash(), second)
		if err != nil {
			t.Fatalf("second Put() error = %v", err)
		}
		if out != locker.PutAlreadyExists {
			t.Errorf("second Put() = %v, want already-exists", out)
		}
	})

	t.Run("concurrent puts commit once", func(t *testing.T) {
		data := []byte("raced content")
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			committed int
		)
		for i := 0; i < 8; i++ {
			s := newStaged(t, data, stagingDir)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.Discard()
				out, err := bs.Put(ctx, s.Hash(), s)
				if err != nil {
					t.Errorf("Put() error = %v", err)
					return
				}
				if out == locker.PutCommitted {
					mu.Lock()
					committed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if committed != 1 {
			t.Errorf("%d puts committed, want exactly 1", committed)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := bs.Get(ctx, "deadbeef")
		if !errors.Is(err, locker.ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("delete respects references", func(t *testing.T) {
		s := newStaged(t, []byte("to delete"), stagingDir)
		defer s.Discard()
		if _, err := bs.Put(ctx, s.Hash(), s); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		removed, err := bs.DeleteIfUnreferenced(ctx, s.Hash(), func(context.Context) (bool, error) { return true, nil })
		if err != nil || removed {
			t.Fatalf("DeleteIfUnreferenced(referenced) = %v, %v, want false", removed, err)
		}

		probeErr := errors.New("db down")
		_, err = bs.DeleteIfUnreferenced(ctx, s.Hash(), func(context.Context) (bool, error) { return false, probeErr })
		if !errors.Is(err, probeErr) {
			t.Fatalf("DeleteIfUnreferenced() error = %v, want probe error", err)
		}
		if exists, _ := bs.Exists(ctx, s.Hash()); !exists {
			t.Fatal("blob removed although probe failed")
		}

		removed, err = bs.DeleteIfUnreferenced(ctx, s.Hash(), notReferenced)
		if err != nil || !removed {
			t.Fatalf("DeleteIfUnreferenced() = %v, %v, want true", removed, err)
		}
		if exists, _ := bs.Exists(ctx, s.Hash()); exists {
			t.Error("Exists() = true after delete")
		}

		removed, err = bs.DeleteIfUnreferenced(ctx, s.Hash(), notReferenced)
		if err != nil || removed {
			t.Errorf("second DeleteIfUnreferenced() = %v, %v, want false", removed, err)
		}
	})

	t.Run("list", func(t *testing.T) {
		want := map[string]int64{}
		for _, body := range []string{"list one", "list two"} {
			s := newStaged(t, []byte(body), stagingDir)
			if _, err := bs.Put(ctx, s.Hash(), s); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			s.Discard()
			want[s.Hash()] = s.Size()
		}

		got := map[string]int64{}
		err := bs.List(ctx, func(sb locker.StoredBlob) error {
			got[sb.Hash] = sb.Size
			return nil
		})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		for h, size := range want {
			if got[h] != size {
				t.Errorf("List() size for %s = %d, want %d", h[:8], got[h], size)
			}
		}
	})

	t.Run("list callback may delete", func(t *testing.T) {
		err := bs.List(ctx, func(sb locker.StoredBlob) error {
			_, err := bs.DeleteIfUnreferenced(ctx, sb.Hash, notReferenced)
			return err
		})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		var left []string
		bs.List(ctx, func(sb locker.StoredBlob) error {
			left = append(left, sb.Hash)
			return nil
		})
		if len(left) != 0 {
			sort.Strings(left)
			t.Errorf("List() after deleting everything = %v", left)
		}
	})

	t.Run("validate setup", func(t *testing.T) {
		if err := bs.ValidateSetup(ctx); err != nil {
			t.Errorf("ValidateSetup() error = %v", err)
		}
	})
}

func TestMemoryBlobStore(t *testing.T) {
	testBlobStore(t, NewMemoryBlobStore(nil), "")
}

func TestFileSystemBlobStore(t *testing.T) {
	tmp := t.TempDir()
	staging := filepath.Join(tmp, "staging")
	if err := os.MkdirAll(staging, 0700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	bs, err := NewFileSystemBlobStore(filepath.Join(tmp, "blobs"))
	if err != nil {
		t.Fatalf("NewFileSystemBlobStore() error = %v", err)
	}

	t.Run("linked from staging", func(t *testing.T) {
		testBlobStore(t, bs, staging)
	})
	t.Run("copied from memory staging", func(t *testing.T) {
		testBlobStore(t, bs, "")
	})
}

func TestFileSystemBlobStore_Layout(t *testing.T) {
	root := t.TempDir()
	bs, err := NewFileSystemBlobStore(root)
	if err != nil {
		t.Fatalf("NewFileSystemBlobStore() error = %v", err)
	}

	s := newStaged(t, []byte("sharded"), t.TempDir())
	if _, err := bs.Put(context.Background(), s.Hash(), s); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	h := s.Hash()
	path := filepath.Join(root, "content", h[0:2], h[2:4], h)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("blob not at sharded path: %v", err)
	}
	if info.Mode().Perm() != blobMode {
		t.Errorf("blob mode = %o, want %o", info.Mode().Perm(), blobMode)
	}

	if err := s.Discard(); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if got := readBlob(t, bs, h); string(got) != "sharded" {
		t.Errorf("blob content after staging removal = %q", got)
	}
}

func TestFileSystemBlobStore_ListSkipsTempFiles(t *testing.T) {
	root := t.TempDir()
	bs, err := NewFileSystemBlobStore(root)
	if err != nil {
		t.Fatalf("NewFileSystemBlobStore() error = %v", err)
	}
	shard := filepath.Join(root, "content", "ab", "cd")
	if err := os.MkdirAll(shard, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	for _, name := range []string{".tmp-123", "README", "abcdef"} {
		if err := os.WriteFile(filepath.Join(shard, name), []byte("x"), 0600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}

	var got []string
	if err := bs.List(context.Background(), func(sb locker.StoredBlob) error {
		got = append(got, sb.Hash)
		return nil
	}); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0] != "abcdef" {
		t.Errorf("List() = %v, want [abcdef]", got)
	}
}

func TestInvalidHash(t *testing.T) {
	bs, err := NewFileSystemBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemBlobStore() error = %v", err)
	}
	for _, h := range []string{"", "ab", "../../etc/passwd", "ABCDEF"} {
		if _, err := bs.Exists(context.Background(), h); err == nil {
			t.Errorf("Exists(%q) should fail", h)
		}
	}
}

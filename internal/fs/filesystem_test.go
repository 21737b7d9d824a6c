package fs

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
}

func relPaths(t *testing.T, root string, m *OSFilesystemManager, recursive bool) []string {
	t.Helper()
	dir, err := m.Resolve(root)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	paths, err := m.FindFiles(dir, recursive)
	if err != nil {
		t.Fatalf("FindFiles() error = %v", err)
	}
	var out []string
	for _, p := range paths {
		rel, _ := filepath.Rel(root, p.String())
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}

func TestOSFilesystemManager_Resolve(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a"})
	m := NewOSFilesystemManager(nil)

	t.Run("regular file", func(t *testing.T) {
		p, err := m.Resolve(filepath.Join(root, "a.txt"))
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if p.IsDir() || p.Info().Size() != 1 {
			t.Errorf("Resolve() = dir %v size %d, want file of 1 byte", p.IsDir(), p.Info().Size())
		}
	})

	t.Run("directory", func(t *testing.T) {
		p, err := m.Resolve(root)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if !p.IsDir() {
			t.Error("Resolve() IsDir = false for directory")
		}
	})

	t.Run("symlink rejected", func(t *testing.T) {
		link := filepath.Join(root, "link")
		if err := os.Symlink(filepath.Join(root, "a.txt"), link); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
		if _, err := m.Resolve(link); err == nil {
			t.Error("Resolve() of symlink should fail")
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := m.Resolve(filepath.Join(root, "nope")); err == nil {
			t.Error("Resolve() of missing path should fail")
		}
	})
}

func TestOSFilesystemManager_FindFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt":               "a",
		"debug.log":           "log",
		".DS_Store":           "junk",
		"docs/b.txt":          "b",
		"docs/deep/c.txt":     "c",
		"docs/deep/trace.log": "log",
		"docs/.lockerignore":  "c.txt",
		"node_modules/x/y.js": "js",
		IgnoreFileName:        "*.log\nnode_modules/\n",
	})

	m := NewOSFilesystemManager([]string{".DS_Store"})

	t.Run("flat", func(t *testing.T) {
		got := relPaths(t, root, m, false)
		want := []string{"a.txt"}
		if !slices.Equal(got, want) {
			t.Errorf("FindFiles() = %v, want %v", got, want)
		}
	})

	t.Run("recursive", func(t *testing.T) {
		got := relPaths(t, root, m, true)
		// Only the root's ignore file is read.
		want := []string{"a.txt", "docs/b.txt", "docs/deep/c.txt"}
		if !slices.Equal(got, want) {
			t.Errorf("FindFiles() = %v, want %v", got, want)
		}
	})

	t.Run("not a directory", func(t *testing.T) {
		p, err := m.Resolve(filepath.Join(root, "a.txt"))
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if _, err := m.FindFiles(p, false); err == nil {
			t.Error("FindFiles() on a file should fail")
		}
	})
}

func TestOSFilesystemManager_Open(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "hello"})
	m := NewOSFilesystemManager(nil)

	p, err := m.Resolve(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	rc, err := m.Open(p)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Errorf("Open() content = %q, want hello", data)
	}

	dir, _ := m.Resolve(root)
	if _, err := m.Open(dir); err == nil {
		t.Error("Open() on a directory should fail")
	}
}

package locker

import "io/fs"

// Path is a validated local filesystem path with cached stat info.
// Paths come from FilesystemManager.Resolve and feed ImportLocal.
type Path struct {
	absPath string
	isDir   bool
	info    fs.FileInfo
}

// NewPath creates a Path. Intended for FilesystemManager implementations.
func NewPath(absPath string, isDir bool, info fs.FileInfo) *Path {
	return &Path{absPath: absPath, isDir: isDir, info: info}
}

func (p *Path) String() string { return p.absPath }

func (p *Path) IsDir() bool { return p.isDir }

// Info returns the stat info captured at resolve time.
func (p *Path) Info() fs.FileInfo { return p.info }

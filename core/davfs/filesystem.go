package davfs

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/cordum/davlock/core/dav"
	"github.com/cordum/davlock/core/version"
	"golang.org/x/net/webdav"
)

const writeFlags = os.O_WRONLY | os.O_RDWR | os.O_CREATE | os.O_TRUNC | os.O_APPEND

// FileSystem bumps version counters after successful mutations of the
// wrapped webdav.FileSystem and serves ETags from them.
type FileSystem struct {
	fs    webdav.FileSystem
	stamp *version.Stamp
}

func NewFileSystem(inner webdav.FileSystem, stamp *version.Stamp) *FileSystem {
	return &FileSystem{fs: inner, stamp: stamp}
}

var _ webdav.FileSystem = (*FileSystem)(nil)

func (f *FileSystem) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	if err := f.fs.Mkdir(ctx, name, perm); err != nil {
		return err
	}
	return f.bump(ctx, clean(name), dav.Parent(clean(name)))
}

func (f *FileSystem) RemoveAll(ctx context.Context, name string) error {
	if err := f.fs.RemoveAll(ctx, name); err != nil {
		return err
	}
	return f.bump(ctx, clean(name), dav.Parent(clean(name)))
}

func (f *FileSystem) Rename(ctx context.Context, oldName, newName string) error {
	if err := f.fs.Rename(ctx, oldName, newName); err != nil {
		return err
	}
	dst := clean(newName)
	return f.bump(ctx, dav.Parent(clean(oldName)), dst, dav.Parent(dst))
}

func (f *FileSystem) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	writing := flag&writeFlags != 0
	created := false
	if writing && flag&os.O_CREATE != 0 {
		if _, err := f.fs.Stat(ctx, name); errors.Is(err, fs.ErrNotExist) {
			created = true
		}
	}
	file, err := f.fs.OpenFile(ctx, name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &versionedFile{File: file, fs: f, ctx: ctx, name: clean(name), writing: writing, created: created}, nil
}

func (f *FileSystem) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	fi, err := f.fs.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	return &fileInfo{FileInfo: fi, stamp: f.stamp, name: clean(name)}, nil
}

// bump reports the first failure but still tries every resource.
func (f *FileSystem) bump(ctx context.Context, resources ...string) error {
	var first error
	for _, r := range resources {
		if _, err := f.stamp.Bump(ctx, r); err != nil && first == nil {
			first = dav.Committed("bump version", r, err)
		}
	}
	return first
}

func clean(name string) string {
	if n, err := dav.Normalize(name); err == nil {
		return n
	}
	return dav.Root
}

type versionedFile struct {
	webdav.File
	fs      *FileSystem
	ctx     context.Context
	name    string
	writing bool
	created bool
}

func (v *versionedFile) Close() error {
	if err := v.File.Close(); err != nil {
		return err
	}
	if !v.writing {
		return nil
	}
	if v.created {
		return v.fs.bump(v.ctx, v.name, dav.Parent(v.name))
	}
	return v.fs.bump(v.ctx, v.name)
}

func (v *versionedFile) Stat() (fs.FileInfo, error) {
	fi, err := v.File.Stat()
	if err != nil {
		return nil, err
	}
	return &fileInfo{FileInfo: fi, stamp: v.fs.stamp, name: v.name}, nil
}

// fileInfo satisfies webdav.ETager.
type fileInfo struct {
	os.FileInfo
	stamp *version.Stamp
	name  string
}

func (fi *fileInfo) ETag(ctx context.Context) (string, error) {
	tag, err := fi.stamp.ETag(ctx, fi.name, fi.ModTime())
	if err != nil {
		return "", err
	}
	return `"` + tag + `"`, nil
}

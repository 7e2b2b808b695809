// Package memvfs is an in-process VFS backend. Named files are shared by
// every handle that opens them and live until deleted; ":memory:" and
// temporary files are private to one handle.
package memvfs

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/vfs"
)

// Name is the default registration name.
const Name = "mem"

const maxPathname = 512

// VFS stores files in memory.
type VFS struct {
	name  string
	locks *vfs.LockManager

	mu    sync.Mutex
	files map[string]*data
}

type data struct {
	mu  sync.RWMutex
	buf []byte
}

// New creates an empty store registered as name, or Name when empty.
func New(name string) *VFS {
	if name == "" {
		name = Name
	}
	return &VFS{
		name:  name,
		locks: vfs.NewLockManager(),
		files: make(map[string]*data),
	}
}

func (v *VFS) Name() string     { return v.name }
func (v *VFS) MaxPathname() int { return maxPathname }

// Locks exposes the lock manager shared by handles on the same name.
func (v *VFS) Locks() *vfs.LockManager { return v.locks }

func private(name *vfs.Filename, flags vfs.OpenFlag) bool {
	return name.Temp() || name.String() == "" || name.String() == ":memory:" || flags&vfs.OpenMemory != 0
}

func (v *VFS) Open(_ context.Context, name *vfs.Filename, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	if private(name, flags) {
		f := &File{
			FileLock: v.locks.Open("private:" + uuid.NewString()),
			d:        &data{},
			flags:    flags,
		}
		return f, flags, nil
	}

	path := name.String()
	v.mu.Lock()
	d, ok := v.files[path]
	switch {
	case ok && flags&vfs.OpenExclusive != 0 && flags&vfs.OpenCreate != 0:
		v.mu.Unlock()
		return nil, 0, errors.New(errors.PhaseVFS, errors.KindInvalidInput).
			Path(v.name, path).
			Detail("file exists").
			Build()
	case !ok && flags&vfs.OpenCreate == 0:
		v.mu.Unlock()
		return nil, 0, errors.NotFound(errors.PhaseVFS, "file", path)
	case !ok:
		d = &data{}
		v.files[path] = d
	}
	v.mu.Unlock()

	f := &File{
		FileLock: v.locks.Open(path),
		v:        v,
		d:        d,
		path:     path,
		flags:    flags,
	}
	return f, flags, nil
}

func (v *VFS) Delete(_ context.Context, name string, _ bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.files[name]; !ok {
		return errors.NotFound(errors.PhaseVFS, "file", name)
	}
	delete(v.files, name)
	return nil
}

func (v *VFS) Access(_ context.Context, name string, _ vfs.AccessFlag) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.files[name]
	return ok, nil
}

func (v *VFS) FullPathname(_ context.Context, name string) (string, error) {
	return name, nil
}

// Contents returns a copy of a named file.
func (v *VFS) Contents(name string) ([]byte, bool) {
	v.mu.Lock()
	d, ok := v.files[name]
	v.mu.Unlock()
	if !ok {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]byte(nil), d.buf...), true
}

// File is an open memory file. v is nil for private files.
type File struct {
	*vfs.FileLock
	v     *VFS
	d     *data
	path  string
	flags vfs.OpenFlag
}

func (f *File) Close(context.Context) error {
	f.Release()
	if f.v != nil && f.flags&vfs.OpenDeleteOnClose != 0 {
		f.v.mu.Lock()
		if f.v.files[f.path] == f.d {
			delete(f.v.files, f.path)
		}
		f.v.mu.Unlock()
	}
	return nil
}

func (f *File) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.InvalidInput(errors.PhaseVFS, "negative offset")
	}
	f.d.mu.RLock()
	defer f.d.mu.RUnlock()
	if off >= int64(len(f.d.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.d.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) WriteAt(_ context.Context, p []byte, off int64) error {
	if off < 0 {
		return errors.InvalidInput(errors.PhaseVFS, "negative offset")
	}
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(f.d.buf)) {
		f.d.buf = append(f.d.buf, make([]byte, end-int64(len(f.d.buf)))...)
	}
	copy(f.d.buf[off:], p)
	return nil
}

func (f *File) Truncate(_ context.Context, size int64) error {
	if size < 0 {
		return errors.InvalidInput(errors.PhaseVFS, "negative size")
	}
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	if size < int64(len(f.d.buf)) {
		clear(f.d.buf[size:])
		f.d.buf = f.d.buf[:size]
	}
	return nil
}

func (f *File) Sync(context.Context, vfs.SyncFlag) error { return nil }

func (f *File) Size(context.Context) (int64, error) {
	f.d.mu.RLock()
	defer f.d.mu.RUnlock()
	return int64(len(f.d.buf)), nil
}

func (f *File) FileControl(context.Context, int32, uint32) (int32, error) {
	return vfs.ResultNotFound, nil
}

func (f *File) SectorSize() int32 { return 0 }

func (f *File) DeviceCharacteristics() vfs.IOCap {
	return vfs.IOCapAtomic | vfs.IOCapPowersafeOverwrite | vfs.IOCapSafeAppend | vfs.IOCapSequential
}

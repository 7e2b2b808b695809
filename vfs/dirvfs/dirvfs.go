// Package dirvfs stores databases as files under one directory. Names
// cannot escape the directory. Batch atomic writes are committed by
// renaming a complete new copy of the file over the old one.
package dirvfs

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/vfs"
)

// Name is the default registration name.
const Name = "dir"

const maxPathname = 512

// VFS opens files below a root directory.
type VFS struct {
	name  string
	dir   string
	root  *os.Root
	locks *vfs.LockManager

	mu    sync.Mutex
	nodes map[string]*node
}

// node is the descriptor shared by every handle open on one path.
type node struct {
	rel string

	mu       sync.RWMutex
	f        *os.File
	writable bool

	refs int
}

// New opens dir, creating it when missing, and serves it as name, or Name
// when empty. Close releases the directory.
func New(name, dir string) (*VFS, error) {
	if name == "" {
		name = Name
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.PhaseVFS, errors.KindBackend, err, "create vfs directory")
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseVFS, errors.KindBackend, err, "open vfs directory")
	}
	return &VFS{
		name:  name,
		dir:   dir,
		root:  root,
		locks: vfs.NewLockManager(),
		nodes: make(map[string]*node),
	}, nil
}

func (v *VFS) Name() string     { return v.name }
func (v *VFS) MaxPathname() int { return maxPathname }

// Dir returns the directory served.
func (v *VFS) Dir() string { return v.dir }

// Locks exposes the lock manager shared by handles on the same path.
func (v *VFS) Locks() *vfs.LockManager { return v.locks }

// Close releases the root directory. Files still open keep working.
func (v *VFS) Close() error {
	return v.root.Close()
}

// rel turns an engine name into a clean path relative to the root.
func rel(name string) (string, error) {
	p := path.Clean("/" + strings.TrimLeft(name, "/"))
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return "", errors.InvalidInput(errors.PhaseVFS, "empty file name")
	}
	return p, nil
}

func notFound(err error, name string) error {
	if stderrors.Is(err, fs.ErrNotExist) {
		return errors.NotFound(errors.PhaseVFS, "file", name)
	}
	return err
}

func (v *VFS) Open(_ context.Context, name *vfs.Filename, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	p, err := rel(name.String())
	if err != nil {
		return nil, 0, err
	}
	n, err := v.acquire(p, flags)
	if err != nil {
		return nil, 0, err
	}
	out := flags
	if !n.writable {
		out = out&^vfs.OpenReadWrite | vfs.OpenReadOnly
	}
	return &File{FileLock: v.locks.Open(p), v: v, n: n, flags: flags}, out, nil
}

func (v *VFS) acquire(p string, flags vfs.OpenFlag) (*node, error) {
	writable := flags&vfs.OpenReadWrite != 0
	create := flags&vfs.OpenCreate != 0
	excl := create && flags&vfs.OpenExclusive != 0

	v.mu.Lock()
	defer v.mu.Unlock()
	if n := v.nodes[p]; n != nil {
		if excl {
			return nil, errors.New(errors.PhaseVFS, errors.KindInvalidInput).
				Path(v.name, p).
				Detail("file exists").
				Build()
		}
		if writable && !n.writable {
			f, err := v.root.OpenFile(p, os.O_RDWR, 0)
			if err != nil {
				return nil, notFound(err, p)
			}
			n.mu.Lock()
			old := n.f
			n.f, n.writable = f, true
			n.mu.Unlock()
			old.Close()
		}
		n.refs++
		return n, nil
	}

	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	if create {
		flag |= os.O_CREATE
		if dir := path.Dir(p); dir != "." {
			if err := v.root.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	if excl {
		flag |= os.O_EXCL
	}
	f, err := v.root.OpenFile(p, flag, 0o644)
	if err != nil && writable && stderrors.Is(err, fs.ErrPermission) {
		writable = false
		f, err = v.root.OpenFile(p, os.O_RDONLY, 0)
	}
	if err != nil {
		return nil, notFound(err, p)
	}
	n := &node{rel: p, f: f, writable: writable, refs: 1}
	v.nodes[p] = n
	return n, nil
}

func (v *VFS) release(n *node) error {
	v.mu.Lock()
	n.refs--
	last := n.refs == 0
	if last && v.nodes[n.rel] == n {
		delete(v.nodes, n.rel)
	}
	v.mu.Unlock()
	if !last {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.f.Close()
}

func (v *VFS) Delete(_ context.Context, name string, syncDir bool) error {
	p, err := rel(name)
	if err != nil {
		return err
	}
	v.mu.Lock()
	err = v.root.Remove(p)
	if err == nil {
		delete(v.nodes, p)
	}
	v.mu.Unlock()
	if err != nil {
		return notFound(err, p)
	}
	if syncDir {
		d, err := v.root.Open(path.Dir(p))
		if err != nil {
			return err
		}
		defer d.Close()
		return d.Sync()
	}
	return nil
}

func (v *VFS) Access(_ context.Context, name string, flags vfs.AccessFlag) (bool, error) {
	p, err := rel(name)
	if err != nil {
		return false, err
	}
	info, err := v.root.Stat(p)
	if stderrors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if flags == vfs.AccessReadWrite {
		return info.Mode().Perm()&0o200 != 0, nil
	}
	return true, nil
}

func (v *VFS) FullPathname(_ context.Context, name string) (string, error) {
	return rel(name)
}

// File is an open file. Handles on one path share a descriptor so that a
// committed batch is seen by all of them.
type File struct {
	*vfs.FileLock
	v     *VFS
	n     *node
	flags vfs.OpenFlag
	batch *batch
}

func (f *File) Close(context.Context) error {
	f.batch = nil
	f.Release()
	err := f.v.release(f.n)
	if f.flags&vfs.OpenDeleteOnClose != 0 {
		if rerr := f.v.root.Remove(f.n.rel); rerr != nil && !stderrors.Is(rerr, fs.ErrNotExist) && err == nil {
			err = rerr
		}
	}
	return err
}

func (f *File) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if f.batch != nil {
		return 0, errors.InvalidInput(errors.PhaseVFS, "read during atomic write")
	}
	f.n.mu.RLock()
	defer f.n.mu.RUnlock()
	return f.n.f.ReadAt(p, off)
}

func (f *File) writable() error {
	if f.n.writable {
		return nil
	}
	return errors.New(errors.PhaseVFS, errors.KindUnsupported).
		Path(f.v.name, f.n.rel).
		Detail("file is read-only").
		Build()
}

func (f *File) WriteAt(_ context.Context, p []byte, off int64) error {
	if err := f.writable(); err != nil {
		return err
	}
	if f.batch != nil {
		f.batch.write(p, off)
		return nil
	}
	f.n.mu.RLock()
	defer f.n.mu.RUnlock()
	_, err := f.n.f.WriteAt(p, off)
	return err
}

func (f *File) Truncate(_ context.Context, size int64) error {
	if err := f.writable(); err != nil {
		return err
	}
	if f.batch != nil {
		f.batch.truncate(size)
		return nil
	}
	f.n.mu.RLock()
	defer f.n.mu.RUnlock()
	return f.n.f.Truncate(size)
}

// Sync is a no-op inside a batch; the commit syncs.
func (f *File) Sync(_ context.Context, flags vfs.SyncFlag) error {
	if f.batch != nil {
		return nil
	}
	f.n.mu.RLock()
	defer f.n.mu.RUnlock()
	return datasync(f.n.f, flags&vfs.SyncDataOnly != 0)
}

func (f *File) Size(context.Context) (int64, error) {
	if f.batch != nil {
		return f.batch.size, nil
	}
	f.n.mu.RLock()
	defer f.n.mu.RUnlock()
	info, err := f.n.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f *File) FileControl(ctx context.Context, op int32, _ uint32) (int32, error) {
	switch op {
	case vfs.FcntlBeginAtomicWrite:
		if err := f.writable(); err != nil {
			return 0, err
		}
		size, err := f.Size(ctx)
		if err != nil {
			return 0, err
		}
		f.batch = &batch{size: size}
		return vfs.ResultOK, nil
	case vfs.FcntlCommitAtomicWrite:
		b := f.batch
		f.batch = nil
		if b == nil {
			return vfs.ResultOK, nil
		}
		if err := f.v.commit(f.n, b); err != nil {
			return 0, err
		}
		return vfs.ResultOK, nil
	case vfs.FcntlRollbackAtomicWrite:
		f.batch = nil
		return vfs.ResultOK, nil
	}
	return vfs.ResultNotFound, nil
}

func (f *File) SectorSize() int32 { return 0 }

func (f *File) DeviceCharacteristics() vfs.IOCap {
	return vfs.IOCapAtomic | vfs.IOCapBatchAtomic | vfs.IOCapPowersafeOverwrite | vfs.IOCapSafeAppend
}

func logCommit(n *node, b *batch, tmp string) {
	vfs.Logger().Debug("atomic batch committed",
		zap.String("file", n.rel),
		zap.String("temp", tmp),
		zap.Int("ops", len(b.ops)),
		zap.Int64("size", b.size))
}

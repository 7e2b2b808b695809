// Package localvfs maps database names onto local directories through a
// mount table kept in a bbolt database. A name resolves to the mount with
// the longest matching prefix; the rest of the name is opened below that
// mount's directory.
package localvfs

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/vfs"
	"github.com/wippyai/wasm-vfs/vfs/dirvfs"
)

// Name is the default registration name.
const Name = "local"

const maxPathname = 255

var mountsBucket = []byte("mounts")

// Mount binds a name prefix to a directory.
type Mount struct {
	Prefix string
	Dir    string
}

// VFS resolves names through the mount table.
type VFS struct {
	name string
	db   *bolt.DB

	mu   sync.Mutex
	dirs map[string]*dirvfs.VFS
}

// Open opens, or creates, the mount table at dbPath and serves it as name,
// or Name when empty.
func Open(name, dbPath string) (*VFS, error) {
	if name == "" {
		name = Name
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(errors.PhaseVFS, errors.KindBackend, err, "open mount table")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(mountsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(errors.PhaseVFS, errors.KindBackend, err, "create mount bucket")
	}
	return &VFS{name: name, db: db, dirs: make(map[string]*dirvfs.VFS)}, nil
}

func (v *VFS) Name() string     { return v.name }
func (v *VFS) MaxPathname() int { return maxPathname }

// Close closes the mount table and every mounted directory.
func (v *VFS) Close() error {
	v.mu.Lock()
	for _, d := range v.dirs {
		d.Close()
	}
	clear(v.dirs)
	v.mu.Unlock()
	return v.db.Close()
}

// normalize makes a name absolute and clean.
func normalize(name string) string {
	return path.Clean("/" + name)
}

func prefixKey(prefix string) string {
	p := normalize(prefix)
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// Mount binds prefix to dir, replacing any existing binding.
func (v *VFS) Mount(prefix, dir string) error {
	if dir == "" {
		return errors.InvalidInput(errors.PhaseVFS, "mount directory is empty")
	}
	key := prefixKey(prefix)
	err := v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(mountsBucket).Put([]byte(key), []byte(dir))
	})
	if err != nil {
		return errors.Wrap(errors.PhaseVFS, errors.KindBackend, err, "store mount")
	}
	vfs.Logger().Info("mounted", zap.String("vfs", v.name), zap.String("prefix", key), zap.String("dir", dir))
	return nil
}

// Unmount removes the binding of prefix.
func (v *VFS) Unmount(prefix string) error {
	key := prefixKey(prefix)
	return v.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(mountsBucket)
		if b.Get([]byte(key)) == nil {
			return errors.NotFound(errors.PhaseVFS, "mount", key)
		}
		return b.Delete([]byte(key))
	})
}

// Mounts lists the mount table sorted by prefix.
func (v *VFS) Mounts() ([]Mount, error) {
	var out []Mount
	err := v.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(mountsBucket).ForEach(func(k, val []byte) error {
			out = append(out, Mount{Prefix: string(k), Dir: string(val)})
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out, err
}

// resolve finds the mount of name and the path below it.
func (v *VFS) resolve(name string) (*dirvfs.VFS, string, error) {
	full := normalize(name)
	var best Mount
	err := v.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(mountsBucket).ForEach(func(k, val []byte) error {
			if strings.HasPrefix(full+"/", string(k)) && len(k) > len(best.Prefix) {
				best = Mount{Prefix: string(k), Dir: string(val)}
			}
			return nil
		})
	})
	if err != nil {
		return nil, "", errors.Wrap(errors.PhaseVFS, errors.KindBackend, err, "read mount table")
	}
	if best.Prefix == "" {
		return nil, "", errors.NotFound(errors.PhaseVFS, "mount for", full)
	}
	d, err := v.dir(best.Dir)
	if err != nil {
		return nil, "", err
	}
	return d, strings.TrimPrefix(full, best.Prefix), nil
}

func (v *VFS) dir(dir string) (*dirvfs.VFS, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d := v.dirs[dir]; d != nil {
		return d, nil
	}
	d, err := dirvfs.New(v.name, dir)
	if err != nil {
		return nil, err
	}
	v.dirs[dir] = d
	return d, nil
}

func (v *VFS) Open(ctx context.Context, name *vfs.Filename, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	d, rel, err := v.resolve(name.String())
	if err != nil {
		return nil, 0, err
	}
	return d.Open(ctx, vfs.NewFilename(rel, name.Params()...), flags)
}

func (v *VFS) Delete(ctx context.Context, name string, syncDir bool) error {
	d, rel, err := v.resolve(name)
	if err != nil {
		return err
	}
	return d.Delete(ctx, rel, syncDir)
}

// Access reports false for names outside every mount.
func (v *VFS) Access(ctx context.Context, name string, flags vfs.AccessFlag) (bool, error) {
	d, rel, err := v.resolve(name)
	if errors.IsKind(err, errors.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.Access(ctx, rel, flags)
}

func (v *VFS) FullPathname(_ context.Context, name string) (string, error) {
	return normalize(name), nil
}

package vfs

import (
	"context"
	"crypto/rand"
	"io"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	wasmvfs "github.com/wippyai/wasm-vfs"
	"github.com/wippyai/wasm-vfs/arena"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/metrics"
)

// DefaultMaxPathname is used for backends reporting no maximum.
const DefaultMaxPathname = 1024

// Config configures a Registry.
type Config struct {
	Observer metrics.Observer
	// Now is the clock behind xCurrentTimeInt64, time.Now by default.
	Now func() time.Time
	// Rand feeds xRandomness, crypto/rand by default.
	Rand io.Reader
}

type registration struct {
	vfs    VFS
	name   string
	errs   errorLog
	id     uint32
	filter OpenFlag
	async  bool
}

type fileHandle struct {
	file  File
	reg   *registration
	name  string
	errs  errorLog
	id    uint32
	async bool
}

// Registry owns the VFS registrations and open files of one engine
// instance, and serves the engine's vfs and vfs_io imports from them.
type Registry struct {
	caller wasmvfs.Caller
	arena  *arena.Arena
	obs    metrics.Observer
	now    func() time.Time
	rand   io.Reader

	mu     sync.Mutex
	vfses  map[uint32]*registration
	byName map[string]uint32
	files  map[uint32]*fileHandle
}

// NewRegistry creates a registry. Its host modules can be instantiated
// right away; Register needs Attach first.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		obs:    metrics.OrNop(cfg.Observer),
		now:    cfg.Now,
		rand:   cfg.Rand,
		vfses:  make(map[uint32]*registration),
		byName: make(map[string]uint32),
		files:  make(map[uint32]*fileHandle),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.rand == nil {
		r.rand = rand.Reader
	}
	return r
}

// Attach binds the registry to its engine instance. caller runs
// allocate_vfs and sqlite3_vfs_register; a interns backend names.
func (r *Registry) Attach(caller wasmvfs.Caller, a *arena.Arena) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caller = caller
	r.arena = a
}

// Register allocates an engine descriptor for v and registers it. The
// returned id is the descriptor address the engine passes back on every
// filesystem call. Names are unique within a registry.
func (r *Registry) Register(ctx context.Context, v VFS, opts Options) (uint32, error) {
	backend, async := unwrapDeferred(v)
	name := backend.Name()
	if name == "" {
		return 0, errors.InvalidInput(errors.PhaseVFS, "vfs name is empty")
	}
	r.mu.Lock()
	_, dup := r.byName[name]
	caller, a := r.caller, r.arena
	r.mu.Unlock()
	if caller == nil || a == nil {
		return 0, errors.NotInitialized(errors.PhaseVFS, "registry")
	}
	if dup {
		return 0, errors.New(errors.PhaseVFS, errors.KindRegistration).
			Path(name).
			Detail("vfs already registered").
			Build()
	}

	maxPath := backend.MaxPathname()
	if maxPath <= 0 {
		maxPath = DefaultMaxPathname
	}
	zName, err := a.Leak(name)
	if err != nil {
		return 0, err
	}
	res, err := caller.Call(ctx, "allocate_vfs", uint64(zName.Offset), uint64(maxPath))
	if err != nil {
		return 0, errors.Registration(errors.PhaseVFS, "vfs", name, err)
	}
	if len(res) == 0 || uint32(res[0]) == 0 {
		return 0, errors.New(errors.PhaseVFS, errors.KindOutOfMemory).
			Path(name).
			Detail("allocate_vfs returned NULL").
			Build()
	}
	id := uint32(res[0])

	reg := &registration{id: id, name: name, vfs: backend, async: async, filter: opts.FlagsFilter}
	r.mu.Lock()
	if _, taken := r.vfses[id]; taken {
		r.mu.Unlock()
		return 0, errors.Corruption(errors.PhaseVFS, "vfs descriptor %#x handed out twice", id)
	}
	r.vfses[id] = reg
	r.byName[name] = id
	r.mu.Unlock()

	makeDefault := uint64(0)
	if opts.Default {
		makeDefault = 1
	}
	res, err = caller.Call(ctx, "sqlite3_vfs_register", uint64(id), makeDefault)
	rc := ResultError
	if err == nil && len(res) > 0 {
		rc = int32(uint32(res[0]))
	}
	if rc != ResultOK {
		r.mu.Lock()
		delete(r.vfses, id)
		delete(r.byName, name)
		r.mu.Unlock()
		return 0, errors.New(errors.PhaseVFS, errors.KindRegistration).
			Path(name).
			Code(rc).
			Cause(err).
			Detail("sqlite3_vfs_register failed").
			Build()
	}

	Logger().Debug("vfs registered",
		zap.String("name", name),
		zap.Uint32("id", id),
		zap.Bool("default", opts.Default),
		zap.Bool("deferred", async))
	return id, nil
}

// Lookup returns the id of the VFS registered as name.
func (r *Registry) Lookup(name string) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	return id, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// OpenFiles returns the number of files the engine holds open.
func (r *Registry) OpenFiles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

// File returns the backend file behind an engine file id.
func (r *Registry) File(id uint32) (File, bool) {
	fh := r.file(id)
	if fh == nil {
		return nil, false
	}
	return fh.file, true
}

// Errors returns the error log of a VFS id, oldest first. File errors are
// logged both to the file and to its VFS.
func (r *Registry) Errors(vfsID uint32) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg := r.vfses[vfsID]; reg != nil {
		return reg.errs.list()
	}
	return nil
}

// FileErrors returns the error log of an open file id, oldest first.
func (r *Registry) FileErrors(fileID uint32) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fh := r.files[fileID]; fh != nil {
		return fh.errs.list()
	}
	return nil
}

// LastError returns the most recent error of a VFS id.
func (r *Registry) LastError(vfsID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg := r.vfses[vfsID]; reg != nil {
		return reg.errs.last()
	}
	return nil
}

// Close closes every file still open. Registrations live as long as the
// engine instance.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	files := r.files
	r.files = make(map[uint32]*fileHandle)
	r.mu.Unlock()

	var first error
	for _, fh := range files {
		if err := fh.file.Close(ctx); err != nil && first == nil {
			first = errors.Backend("xClose", ResultIOErrClose, err)
		}
	}
	return first
}

func (r *Registry) registration(id uint32) *registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vfses[id]
}

func (r *Registry) file(id uint32) *fileHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files[id]
}

// record logs a backend failure against the file (when known) and its VFS.
func (r *Registry) record(reg *registration, fh *fileHandle, err error) {
	r.mu.Lock()
	if fh != nil {
		fh.errs.add(err)
	}
	if reg != nil {
		reg.errs.add(err)
	}
	r.mu.Unlock()
}

package vfs

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"io/fs"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/arena"
	"github.com/wippyai/wasm-vfs/bridge"
	"github.com/wippyai/wasm-vfs/engine"
	"github.com/wippyai/wasm-vfs/errors"
)

// Import module names served by HostModules. Filesystem calls live in
// ModuleVFS; file calls are served under both names.
const (
	ModuleVFS = "vfs"
	ModuleIO  = "vfs_io"
)

// julianEpochMillis is the Unix epoch as a Julian day number in
// milliseconds.
const julianEpochMillis = 210866760000000

type hostFunc struct {
	fn     bridge.HostFunc
	name   string
	params []api.ValueType
}

// HostModules returns the vfs and vfs_io import modules. Every function is
// wrapped with bridge.Import, so backend calls may suspend the engine.
func (r *Registry) HostModules() []*engine.HostModule {
	vfsMod := engine.NewHostModule(ModuleVFS)
	ioMod := engine.NewHostModule(ModuleIO)
	results := []api.ValueType{engine.I32}
	for _, f := range r.vfsFuncs() {
		vfsMod.Func(f.name, f.params, results, bridge.Import(ModuleVFS+"."+f.name, f.fn))
	}
	for _, f := range r.fileFuncs() {
		vfsMod.Func(f.name, f.params, results, bridge.Import(ModuleVFS+"."+f.name, f.fn))
		ioMod.Func(f.name, f.params, results, bridge.Import(ModuleIO+"."+f.name, f.fn))
	}
	return []*engine.HostModule{vfsMod, ioMod}
}

func (r *Registry) vfsFuncs() []hostFunc {
	i32 := engine.I32
	return []hostFunc{
		{name: "xOpen", params: []api.ValueType{i32, i32, i32, i32, i32}, fn: r.xOpen},
		{name: "xDelete", params: []api.ValueType{i32, i32, i32}, fn: r.xDelete},
		{name: "xAccess", params: []api.ValueType{i32, i32, i32, i32}, fn: r.xAccess},
		{name: "xFullPathname", params: []api.ValueType{i32, i32, i32, i32}, fn: r.xFullPathname},
		{name: "xRandomness", params: []api.ValueType{i32, i32, i32}, fn: r.xRandomness},
		{name: "xSleep", params: []api.ValueType{i32, i32}, fn: r.xSleep},
		{name: "xGetLastError", params: []api.ValueType{i32, i32, i32}, fn: r.xGetLastError},
		{name: "xCurrentTimeInt64", params: []api.ValueType{i32, i32}, fn: r.xCurrentTimeInt64},
	}
}

func (r *Registry) fileFuncs() []hostFunc {
	i32, i64 := engine.I32, engine.I64
	return []hostFunc{
		{name: "xClose", params: []api.ValueType{i32}, fn: r.xClose},
		{name: "xRead", params: []api.ValueType{i32, i32, i32, i64}, fn: r.xRead},
		{name: "xWrite", params: []api.ValueType{i32, i32, i32, i64}, fn: r.xWrite},
		{name: "xTruncate", params: []api.ValueType{i32, i64}, fn: r.xTruncate},
		{name: "xSync", params: []api.ValueType{i32, i32}, fn: r.xSync},
		{name: "xFileSize", params: []api.ValueType{i32, i32}, fn: r.xFileSize},
		{name: "xLock", params: []api.ValueType{i32, i32}, fn: r.xLock},
		{name: "xUnlock", params: []api.ValueType{i32, i32}, fn: r.xUnlock},
		{name: "xCheckReservedLock", params: []api.ValueType{i32, i32}, fn: r.xCheckReservedLock},
		{name: "xFileControl", params: []api.ValueType{i32, i32, i32}, fn: r.xFileControl},
		{name: "xSectorSize", params: []api.ValueType{i32}, fn: r.xSectorSize},
		{name: "xDeviceCharacteristics", params: []api.ValueType{i32}, fn: r.xDeviceCharacteristics},
	}
}

// call runs op through the bridge. Deferred backends run it on another
// goroutine so the engine call suspends; the others run it inline.
func call[T any](ctx context.Context, async bool, op func(context.Context) (T, error)) (T, error) {
	return bridge.Await(ctx, func(ctx context.Context) *bridge.Future[T] {
		if async {
			return bridge.Go(ctx, op)
		}
		v, err := op(ctx)
		return bridge.Resolved(v, err)
	})
}

func do(ctx context.Context, async bool, op func(context.Context) error) error {
	_, err := call(ctx, async, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func (r *Registry) done(stack []uint64, op string, rc int32) {
	stack[0] = api.EncodeI32(rc)
	r.obs.VFSOp(op, rc)
}

// fail logs cause as a backend error and answers the engine with code.
func (r *Registry) fail(stack []uint64, op string, code int32, reg *registration, fh *fileHandle, cause error) {
	if errors.IsKind(cause, errors.KindOutOfMemory) {
		code = ResultIOErrNoMem
		if op == "xOpen" {
			code = ResultNoMem
		}
	}
	r.record(reg, fh, errors.Backend(op, code, cause))
	fields := []zap.Field{zap.String("op", op), zap.Int32("code", code), zap.Error(cause)}
	if fh != nil {
		fields = append(fields, zap.String("file", fh.name))
	} else if reg != nil {
		fields = append(fields, zap.String("vfs", reg.name))
	}
	Logger().Warn("vfs operation failed", fields...)
	r.done(stack, op, code)
}

func (r *Registry) unknown(stack []uint64, op, kind string, id uint32) {
	Logger().Warn("vfs operation on unknown id",
		zap.String("op", op),
		zap.String("kind", kind),
		zap.Uint32("id", id))
	r.done(stack, op, ResultIOErr)
}

type opened struct {
	file  File
	name  *Filename
	flags OpenFlag
}

func (r *Registry) xOpen(ctx context.Context, mod api.Module, stack []uint64) {
	const op = "xOpen"
	vfsID, namePtr, fileID := api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2])
	flags, flagsOut := OpenFlag(api.DecodeU32(stack[3])), api.DecodeU32(stack[4])
	mem := bridge.Memory(ctx, mod)

	reg := r.registration(vfsID)
	if reg == nil {
		mem.WriteU32(fileID, 0)
		r.unknown(stack, op, "vfs", vfsID)
		return
	}
	name, err := readFilename(mem, namePtr, flags)
	if err != nil {
		mem.WriteU32(fileID, 0)
		r.fail(stack, op, ResultCantOpen, reg, nil, err)
		return
	}
	if flags&reg.filter != 0 {
		mem.WriteU32(fileID, 0)
		r.fail(stack, op, ResultCantOpen, reg, nil, errors.New(errors.PhaseVFS, errors.KindUnsupported).
			Path(reg.name, name.String()).
			Detail("open flags %#x refused by filter %#x", uint32(flags), uint32(reg.filter)).
			Build())
		return
	}

	res, err := call(ctx, reg.async, func(ctx context.Context) (opened, error) {
		f, out, err := reg.vfs.Open(ctx, name, flags)
		return opened{file: f, name: name, flags: out}, err
	})
	if err == nil && res.file == nil {
		err = errors.New(errors.PhaseVFS, errors.KindInvalidData).Detail("backend returned no file").Build()
	}
	if err != nil {
		mem.WriteU32(fileID, 0)
		r.fail(stack, op, ResultCantOpen, reg, nil, err)
		return
	}

	var rejected error
	if flagsOut != 0 {
		rejected = mem.WriteU32(flagsOut, uint32(res.flags))
	}
	fh := &fileHandle{id: fileID, file: res.file, reg: reg, name: res.name.String(), async: reg.async}
	if rejected == nil {
		r.mu.Lock()
		if _, live := r.files[fileID]; live {
			rejected = errors.New(errors.PhaseVFS, errors.KindInvalidInput).
				Detail("file id %#x is already open", fileID).
				Build()
		} else {
			r.files[fileID] = fh
		}
		r.mu.Unlock()
	}
	if rejected != nil {
		res.file.Close(bridge.WithoutBridge(ctx))
		r.fail(stack, op, ResultCantOpen, reg, nil, rejected)
		return
	}

	Logger().Debug("file opened",
		zap.String("vfs", reg.name),
		zap.String("name", fh.name),
		zap.Uint32("id", fileID),
		zap.Uint32("flags", uint32(res.flags)))
	r.done(stack, op, ResultOK)
}

func (r *Registry) xDelete(ctx context.Context, mod api.Module, stack []uint64) {
	const op = "xDelete"
	vfsID, namePtr, syncDir := api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeI32(stack[2])
	reg := r.registration(vfsID)
	if reg == nil {
		r.unknown(stack, op, "vfs", vfsID)
		return
	}
	name, err := arena.ReadCString(bridge.Memory(ctx, mod), namePtr)
	if err != nil {
		r.fail(stack, op, ResultIOErrDelete, reg, nil, err)
		return
	}
	err = do(ctx, reg.async, func(ctx context.Context) error {
		return reg.vfs.Delete(ctx, name, syncDir != 0)
	})
	switch {
	case err == nil:
		r.done(stack, op, ResultOK)
	case errors.IsKind(err, errors.KindNotFound) || stderrors.Is(err, fs.ErrNotExist):
		r.fail(stack, op, ResultIOErrDeleteNoEnt, reg, nil, err)
	default:
		r.fail(stack, op, ResultIOErrDelete, reg, nil, err)
	}
}

func (r *Registry) xAccess(ctx context.Context, mod api.Module, stack []uint64) {
	const op = "xAccess"
	vfsID, namePtr := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	flags, out := AccessFlag(api.DecodeI32(stack[2])), api.DecodeU32(stack[3])
	reg := r.registration(vfsID)
	if reg == nil {
		r.unknown(stack, op, "vfs", vfsID)
		return
	}
	mem := bridge.Memory(ctx, mod)
	name, err := arena.ReadCString(mem, namePtr)
	if err != nil {
		r.fail(stack, op, ResultIOErrAccess, reg, nil, err)
		return
	}
	ok, err := call(ctx, reg.async, func(ctx context.Context) (bool, error) {
		return reg.vfs.Access(ctx, name, flags)
	})
	if err == nil {
		err = mem.WriteU32(out, boolU32(ok))
	}
	if err != nil {
		r.fail(stack, op, ResultIOErrAccess, reg, nil, err)
		return
	}
	r.done(stack, op, ResultOK)
}

func (r *Registry) xFullPathname(ctx context.Context, mod api.Module, stack []uint64) {
	const op = "xFullPathname"
	vfsID, namePtr := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	n, out := api.DecodeI32(stack[2]), api.DecodeU32(stack[3])
	reg := r.registration(vfsID)
	if reg == nil {
		r.unknown(stack, op, "vfs", vfsID)
		return
	}
	mem := bridge.Memory(ctx, mod)
	name, err := arena.ReadCString(mem, namePtr)
	if err != nil {
		r.fail(stack, op, ResultCantOpenFullPath, reg, nil, err)
		return
	}
	full, err := call(ctx, reg.async, func(ctx context.Context) (string, error) {
		return reg.vfs.FullPathname(ctx, name)
	})
	if err == nil && len(full)+1 > int(n) {
		err = errors.Overflow(errors.PhaseVFS, len(full)+1, "pathname buffer")
	}
	if err == nil {
		err = mem.Write(out, append([]byte(full), 0))
	}
	if err != nil {
		r.fail(stack, op, ResultCantOpenFullPath, reg, nil, err)
		return
	}
	r.done(stack, op, ResultOK)
}

func (r *Registry) xRandomness(ctx context.Context, mod api.Module, stack []uint64) {
	n, out := api.DecodeI32(stack[1]), api.DecodeU32(stack[2])
	if n <= 0 {
		stack[0] = 0
		r.obs.VFSOp("xRandomness", ResultOK)
		return
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.rand, buf); err != nil {
		Logger().Warn("randomness source failed", zap.Error(err))
		n = 0
	} else if err := bridge.Memory(ctx, mod).Write(out, buf); err != nil {
		Logger().Warn("randomness buffer out of bounds", zap.Error(err))
		n = 0
	}
	stack[0] = api.EncodeI32(n)
	r.obs.VFSOp("xRandomness", ResultOK)
}

// xSleep suspends the engine call for the requested time instead of
// blocking it, and reports the microseconds slept.
func (r *Registry) xSleep(ctx context.Context, _ api.Module, stack []uint64) {
	micros := api.DecodeI32(stack[1])
	if micros > 0 {
		d := time.Duration(micros) * time.Microsecond
		err := do(ctx, true, func(ctx context.Context) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			micros = 0
		}
	} else {
		micros = 0
	}
	stack[0] = api.EncodeI32(micros)
	r.obs.VFSOp("xSleep", ResultOK)
}

// xGetLastError copies the newest error message of the VFS into the
// engine's buffer, truncated and NUL terminated, and returns its code.
func (r *Registry) xGetLastError(ctx context.Context, mod api.Module, stack []uint64) {
	vfsID, n, out := api.DecodeU32(stack[0]), api.DecodeI32(stack[1]), api.DecodeU32(stack[2])
	code := ResultOK
	msg := ""
	if reg := r.registration(vfsID); reg == nil {
		code, msg = ResultIOErr, "unknown vfs"
	} else if err := r.LastError(vfsID); err != nil {
		msg = err.Error()
		var e *errors.Error
		if stderrors.As(err, &e) {
			code = e.Code
		}
	}
	if n > 0 {
		b := []byte(msg)
		if len(b) > int(n)-1 {
			b = b[:n-1]
		}
		bridge.Memory(ctx, mod).Write(out, append(b, 0))
	}
	stack[0] = api.EncodeI32(code)
	r.obs.VFSOp("xGetLastError", ResultOK)
}

func (r *Registry) xCurrentTimeInt64(ctx context.Context, mod api.Module, stack []uint64) {
	const op = "xCurrentTimeInt64"
	out := api.DecodeU32(stack[1])
	ms := r.now().UnixMilli() + julianEpochMillis
	if err := bridge.Memory(ctx, mod).WriteU64(out, uint64(ms)); err != nil {
		Logger().Warn("time buffer out of bounds", zap.Error(err))
		r.done(stack, op, ResultError)
		return
	}
	r.done(stack, op, ResultOK)
}

func (r *Registry) xClose(ctx context.Context, _ api.Module, stack []uint64) {
	const op = "xClose"
	id := api.DecodeU32(stack[0])
	fh := r.file(id)
	if fh == nil {
		r.unknown(stack, op, "file", id)
		return
	}
	err := do(ctx, fh.async, func(ctx context.Context) error {
		return fh.file.Close(ctx)
	})
	r.mu.Lock()
	delete(r.files, id)
	r.mu.Unlock()
	if err != nil {
		r.fail(stack, op, ResultIOErrClose, fh.reg, nil, err)
		return
	}
	r.done(stack, op, ResultOK)
}

// xRead zero fills whatever the backend could not supply and reports a
// short read for it.
func (r *Registry) xRead(ctx context.Context, mod api.Module, stack []uint64) {
	const op = "xRead"
	id, buf, n, off := api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeI32(stack[2]), int64(stack[3])
	fh := r.file(id)
	if fh == nil {
		r.unknown(stack, op, "file", id)
		return
	}
	if n < 0 {
		r.fail(stack, op, ResultIOErrRead, fh.reg, fh, errors.InvalidInput(errors.PhaseVFS, "negative read length"))
		return
	}
	data, err := call(ctx, fh.async, func(ctx context.Context) ([]byte, error) {
		p := make([]byte, n)
		got, err := fh.file.ReadAt(ctx, p, off)
		if stderrors.Is(err, io.EOF) || errors.IsKind(err, errors.KindShortRead) {
			err = nil
		}
		got = min(max(got, 0), len(p))
		return p[:got], err
	})
	if err != nil {
		r.fail(stack, op, ResultIOErrRead, fh.reg, fh, err)
		return
	}

	page := data
	if len(data) < int(n) {
		page = make([]byte, n)
		copy(page, data)
	}
	if err := bridge.Memory(ctx, mod).Write(buf, page); err != nil {
		r.fail(stack, op, ResultIOErrRead, fh.reg, fh, err)
		return
	}
	if len(data) < int(n) {
		r.done(stack, op, ResultIOErrShortRead)
		return
	}
	r.done(stack, op, ResultOK)
}

func (r *Registry) xWrite(ctx context.Context, mod api.Module, stack []uint64) {
	const op = "xWrite"
	id, buf, n, off := api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2]), int64(stack[3])
	fh := r.file(id)
	if fh == nil {
		r.unknown(stack, op, "file", id)
		return
	}
	view, err := bridge.Memory(ctx, mod).Read(buf, n)
	if err != nil {
		r.fail(stack, op, ResultIOErrWrite, fh.reg, fh, err)
		return
	}
	p := bytes.Clone(view)
	err = do(ctx, fh.async, func(ctx context.Context) error {
		return fh.file.WriteAt(ctx, p, off)
	})
	if err != nil {
		r.fail(stack, op, ResultIOErrWrite, fh.reg, fh, err)
		return
	}
	r.done(stack, op, ResultOK)
}

func (r *Registry) xTruncate(ctx context.Context, _ api.Module, stack []uint64) {
	const op = "xTruncate"
	id, size := api.DecodeU32(stack[0]), int64(stack[1])
	fh := r.file(id)
	if fh == nil {
		r.unknown(stack, op, "file", id)
		return
	}
	err := do(ctx, fh.async, func(ctx context.Context) error {
		return fh.file.Truncate(ctx, size)
	})
	if err != nil {
		r.fail(stack, op, ResultIOErrTruncate, fh.reg, fh, err)
		return
	}
	r.done(stack, op, ResultOK)
}

func (r *Registry) xSync(ctx context.Context, _ api.Module, stack []uint64) {
	const op = "xSync"
	id, flags := api.DecodeU32(stack[0]), SyncFlag(api.DecodeI32(stack[1]))
	fh := r.file(id)
	if fh == nil {
		r.unknown(stack, op, "file", id)
		return
	}
	err := do(ctx, fh.async, func(ctx context.Context) error {
		return fh.file.Sync(ctx, flags)
	})
	if err != nil {
		r.fail(stack, op, ResultIOErrFsync, fh.reg, fh, err)
		return
	}
	r.done(stack, op, ResultOK)
}

func (r *Registry) xFileSize(ctx context.Context, mod api.Module, stack []uint64) {
	const op = "xFileSize"
	id, out := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	fh := r.file(id)
	if fh == nil {
		r.unknown(stack, op, "file", id)
		return
	}
	size, err := call(ctx, fh.async, func(ctx context.Context) (int64, error) {
		return fh.file.Size(ctx)
	})
	if err == nil {
		err = bridge.Memory(ctx, mod).WriteU64(out, uint64(size))
	}
	if err != nil {
		r.fail(stack, op, ResultIOErrFstat, fh.reg, fh, err)
		return
	}
	r.done(stack, op, ResultOK)
}

// xLock answers SQLITE_BUSY, not an I/O error, for a lock that is merely
// unavailable.
func (r *Registry) xLock(ctx context.Context, _ api.Module, stack []uint64) {
	const op = "xLock"
	id, level := api.DecodeU32(stack[0]), LockLevel(api.DecodeI32(stack[1]))
	fh := r.file(id)
	if fh == nil {
		r.unknown(stack, op, "file", id)
		return
	}
	ok, err := call(ctx, fh.async, func(ctx context.Context) (bool, error) {
		return fh.file.Lock(ctx, level)
	})
	if errors.IsKind(err, errors.KindBusy) {
		ok, err = false, nil
	}
	switch {
	case err != nil:
		r.fail(stack, op, ResultIOErrLock, fh.reg, fh, err)
	case !ok:
		Logger().Debug("lock busy", zap.String("file", fh.name), zap.Stringer("level", level))
		r.done(stack, op, ResultBusy)
	default:
		r.done(stack, op, ResultOK)
	}
}

func (r *Registry) xUnlock(ctx context.Context, _ api.Module, stack []uint64) {
	const op = "xUnlock"
	id, level := api.DecodeU32(stack[0]), LockLevel(api.DecodeI32(stack[1]))
	fh := r.file(id)
	if fh == nil {
		r.unknown(stack, op, "file", id)
		return
	}
	err := do(ctx, fh.async, func(ctx context.Context) error {
		return fh.file.Unlock(ctx, level)
	})
	if err != nil {
		r.fail(stack, op, ResultIOErrUnlock, fh.reg, fh, err)
		return
	}
	r.done(stack, op, ResultOK)
}

func (r *Registry) xCheckReservedLock(ctx context.Context, mod api.Module, stack []uint64) {
	const op = "xCheckReservedLock"
	id, out := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	fh := r.file(id)
	if fh == nil {
		r.unknown(stack, op, "file", id)
		return
	}
	held, err := call(ctx, fh.async, func(ctx context.Context) (bool, error) {
		return fh.file.CheckReservedLock(ctx)
	})
	if err == nil {
		err = bridge.Memory(ctx, mod).WriteU32(out, boolU32(held))
	}
	if err != nil {
		r.fail(stack, op, ResultIOErrCheckReservedLock, fh.reg, fh, err)
		return
	}
	r.done(stack, op, ResultOK)
}

func (r *Registry) xFileControl(ctx context.Context, _ api.Module, stack []uint64) {
	const op = "xFileControl"
	id, opcode, arg := api.DecodeU32(stack[0]), api.DecodeI32(stack[1]), api.DecodeU32(stack[2])
	fh := r.file(id)
	if fh == nil {
		r.unknown(stack, op, "file", id)
		return
	}
	rc, err := call(ctx, fh.async, func(ctx context.Context) (int32, error) {
		return fh.file.FileControl(ctx, opcode, arg)
	})
	if err != nil {
		r.fail(stack, op, ResultIOErr, fh.reg, fh, err)
		return
	}
	r.done(stack, op, rc)
}

func (r *Registry) xSectorSize(_ context.Context, _ api.Module, stack []uint64) {
	var size int32
	if fh := r.file(api.DecodeU32(stack[0])); fh != nil {
		size = fh.file.SectorSize()
	}
	stack[0] = api.EncodeI32(size)
	r.obs.VFSOp("xSectorSize", ResultOK)
}

func (r *Registry) xDeviceCharacteristics(_ context.Context, _ api.Module, stack []uint64) {
	var caps IOCap
	if fh := r.file(api.DecodeU32(stack[0])); fh != nil {
		caps = fh.file.DeviceCharacteristics()
	}
	stack[0] = api.EncodeI32(int32(caps))
	r.obs.VFSOp("xDeviceCharacteristics", ResultOK)
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

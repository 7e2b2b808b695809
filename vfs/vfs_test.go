package vfs_test

import (
	"bytes"
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-vfs/arena"
	"github.com/wippyai/wasm-vfs/bridge"
	"github.com/wippyai/wasm-vfs/engine"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/internal/wasmtest"
	"github.com/wippyai/wasm-vfs/metrics"
	"github.com/wippyai/wasm-vfs/vfs"
	"github.com/wippyai/wasm-vfs/vfs/memvfs"
)

const mainDB = vfs.OpenMainDB | vfs.OpenReadWrite | vfs.OpenCreate

// harness runs the registry's imports behind a module that forwards
// "vfs.xOpen" and friends straight to them.
type harness struct {
	t    *testing.T
	ctx  context.Context
	reg  *vfs.Registry
	br   *bridge.Bridge
	inst *engine.Instance
	mem  *engine.Memory
}

func valTypes(ts []api.ValueType) []wasmtest.ValType {
	out := make([]wasmtest.ValType, len(ts))
	for i, t := range ts {
		out[i] = wasmtest.ValType(t)
	}
	return out
}

func newHarness(t *testing.T, cfg vfs.Config, bcfg bridge.Config) *harness {
	t.Helper()
	ctx := context.Background()
	reg := vfs.NewRegistry(cfg)
	hosts := reg.HostModules()

	var imports []wasmtest.Import
	for _, h := range hosts {
		for _, f := range h.Funcs() {
			imports = append(imports, wasmtest.Import{
				Module: h.Name(),
				Name:   f.Name,
				Type:   wasmtest.Sig(valTypes(f.Params), valTypes(f.Results)...),
			})
		}
	}

	e, err := engine.New(ctx, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { e.Close(ctx) })
	m, err := e.Compile(ctx, wasmtest.ForwardModule(imports, wasmtest.Options{Pages: 4}))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	inst, err := e.Instantiate(ctx, m, hosts...)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	t.Cleanup(func() { inst.Close(ctx) })

	br, err := bridge.Wrap(ctx, inst, bcfg)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	reg.Attach(br, arena.New(inst.Memory(), inst.Allocator(), nil))
	return &harness{t: t, ctx: ctx, reg: reg, br: br, inst: inst, mem: inst.Memory()}
}

func (h *harness) alloc(n uint32) uint32 {
	h.t.Helper()
	ptr, err := h.inst.Allocator().Alloc(n, 8)
	if err != nil || ptr == 0 {
		h.t.Fatalf("alloc(%d) = %d, %v", n, ptr, err)
	}
	return ptr
}

func (h *harness) bytes(b []byte) uint32 {
	h.t.Helper()
	ptr := h.alloc(uint32(len(b)) + 1)
	if err := h.mem.Write(ptr, b); err != nil {
		h.t.Fatalf("write: %v", err)
	}
	return ptr
}

func (h *harness) cstr(s string) uint32 {
	return h.bytes(append([]byte(s), 0))
}

// filename lays out a main database name followed by its parameters.
func (h *harness) filename(path string, kv ...string) uint32 {
	b := append([]byte(path), 0)
	for _, s := range kv {
		b = append(append(b, s...), 0)
	}
	return h.bytes(append(b, 0))
}

func (h *harness) read(ptr, n uint32) []byte {
	h.t.Helper()
	b, err := h.mem.Read(ptr, n)
	if err != nil {
		h.t.Fatalf("read: %v", err)
	}
	return bytes.Clone(b)
}

func (h *harness) u32(ptr uint32) uint32 {
	h.t.Helper()
	v, err := h.mem.ReadU32(ptr)
	if err != nil {
		h.t.Fatalf("read: %v", err)
	}
	return v
}

func (h *harness) u64(ptr uint32) uint64 {
	h.t.Helper()
	v, err := h.mem.ReadU64(ptr)
	if err != nil {
		h.t.Fatalf("read: %v", err)
	}
	return v
}

func (h *harness) call(name string, params ...uint64) int32 {
	h.t.Helper()
	res, err := h.br.Call(h.ctx, name, params...)
	if err != nil {
		h.t.Fatalf("%s: %v", name, err)
	}
	return api.DecodeI32(res[0])
}

func (h *harness) register(v vfs.VFS, opts vfs.Options) uint32 {
	h.t.Helper()
	id, err := h.reg.Register(h.ctx, v, opts)
	if err != nil {
		h.t.Fatalf("Register: %v", err)
	}
	return id
}

func (h *harness) openPtr(vfsID, namePtr uint32, flags vfs.OpenFlag) (fileID uint32, rc int32, outFlags uint32) {
	fileID = h.alloc(16)
	flagsOut := h.alloc(4)
	rc = h.call("vfs.xOpen", uint64(vfsID), uint64(namePtr), uint64(fileID), uint64(flags), uint64(flagsOut))
	return fileID, rc, h.u32(flagsOut)
}

func (h *harness) open(vfsID uint32, path string, flags vfs.OpenFlag) uint32 {
	h.t.Helper()
	name := h.cstr(path)
	if flags&vfs.OpenMainDB != 0 {
		name = h.filename(path)
	}
	fileID, rc, _ := h.openPtr(vfsID, name, flags)
	if rc != vfs.ResultOK {
		h.t.Fatalf("xOpen(%q) = %d", path, rc)
	}
	return fileID
}

func TestRegistry_MemoryDatabaseRoundTrip(t *testing.T) {
	h := newHarness(t, vfs.Config{}, bridge.Config{})
	vfsID := h.register(memvfs.New(""), vfs.Options{Default: true})

	id, ok := h.reg.Lookup(memvfs.Name)
	if !ok || id != vfsID {
		t.Fatalf("Lookup = %#x, %v; want %#x", id, ok, vfsID)
	}

	fileID, rc, outFlags := h.openPtr(vfsID, h.filename(":memory:"), mainDB)
	if rc != vfs.ResultOK {
		t.Fatalf("xOpen = %d", rc)
	}
	if outFlags != uint32(mainDB) {
		t.Errorf("flags out = %#x, want %#x", outFlags, uint32(mainDB))
	}

	data := []byte("hello world!")
	if rc := h.call("vfs_io.xWrite", uint64(fileID), uint64(h.bytes(data)), uint64(len(data)), 0); rc != vfs.ResultOK {
		t.Fatalf("xWrite = %d", rc)
	}
	buf := h.alloc(uint32(len(data)))
	if rc := h.call("vfs_io.xRead", uint64(fileID), uint64(buf), uint64(len(data)), 0); rc != vfs.ResultOK {
		t.Fatalf("xRead = %d", rc)
	}
	if diff := cmp.Diff(data, h.read(buf, uint32(len(data)))); diff != "" {
		t.Errorf("read mismatch (-want +got):\n%s", diff)
	}

	sizeOut := h.alloc(8)
	if rc := h.call("vfs_io.xFileSize", uint64(fileID), uint64(sizeOut)); rc != vfs.ResultOK {
		t.Fatalf("xFileSize = %d", rc)
	}
	if got := h.u64(sizeOut); got != 12 {
		t.Errorf("size = %d, want 12", got)
	}

	if got := h.reg.OpenFiles(); got != 1 {
		t.Errorf("OpenFiles = %d, want 1", got)
	}
	if rc := h.call("vfs_io.xClose", uint64(fileID)); rc != vfs.ResultOK {
		t.Fatalf("xClose = %d", rc)
	}
	if got := h.reg.OpenFiles(); got != 0 {
		t.Errorf("OpenFiles after close = %d, want 0", got)
	}
	if errs := h.reg.Errors(vfsID); len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestRegistry_FileCallsServedUnderBothModules(t *testing.T) {
	h := newHarness(t, vfs.Config{}, bridge.Config{})
	vfsID := h.register(memvfs.New(""), vfs.Options{})
	fileID := h.open(vfsID, "shared.db", mainDB)

	data := []byte{1, 2, 3, 4}
	if rc := h.call("vfs.xWrite", uint64(fileID), uint64(h.bytes(data)), 4, 0); rc != vfs.ResultOK {
		t.Fatalf("vfs.xWrite = %d", rc)
	}
	sizeOut := h.alloc(8)
	if rc := h.call("vfs_io.xFileSize", uint64(fileID), uint64(sizeOut)); rc != vfs.ResultOK {
		t.Fatalf("vfs_io.xFileSize = %d", rc)
	}
	if got := h.u64(sizeOut); got != 4 {
		t.Errorf("size = %d, want 4", got)
	}
}

func TestRegistry_LockGraduation(t *testing.T) {
	h := newHarness(t, vfs.Config{}, bridge.Config{})
	vfsID := h.register(memvfs.New(""), vfs.Options{})
	files := []uint32{
		h.open(vfsID, "locks.db", mainDB),
		h.open(vfsID, "locks.db", mainDB),
		h.open(vfsID, "locks.db", mainDB),
	}

	steps := []struct {
		name  string
		file  int
		op    string
		level vfs.LockLevel
		want  int32
	}{
		{"first reader", 0, "xLock", vfs.LockShared, vfs.ResultOK},
		{"second reader", 1, "xLock", vfs.LockShared, vfs.ResultOK},
		{"reserved without shared", 2, "xLock", vfs.LockReserved, vfs.ResultBusy},
		{"writer reserves", 0, "xLock", vfs.LockReserved, vfs.ResultOK},
		{"second writer refused", 1, "xLock", vfs.LockReserved, vfs.ResultBusy},
		{"exclusive waits for reader", 0, "xLock", vfs.LockExclusive, vfs.ResultBusy},
		{"pending blocks new reader", 2, "xLock", vfs.LockShared, vfs.ResultBusy},
		{"reader leaves", 1, "xUnlock", vfs.LockNone, vfs.ResultOK},
		{"exclusive granted", 0, "xLock", vfs.LockExclusive, vfs.ResultOK},
		{"writer steps down", 0, "xUnlock", vfs.LockShared, vfs.ResultOK},
		{"reader returns", 2, "xLock", vfs.LockShared, vfs.ResultOK},
	}
	for _, s := range steps {
		rc := h.call("vfs_io."+s.op, uint64(files[s.file]), uint64(s.level))
		if rc != s.want {
			t.Fatalf("%s: %s(%s) = %d, want %d", s.name, s.op, s.level, rc, s.want)
		}
	}

	out := h.alloc(4)
	if rc := h.call("vfs_io.xCheckReservedLock", uint64(files[1]), uint64(out)); rc != vfs.ResultOK {
		t.Fatalf("xCheckReservedLock = %d", rc)
	}
	if got := h.u32(out); got != 0 {
		t.Errorf("reserved = %d after writer stepped down, want 0", got)
	}
	if errs := h.reg.Errors(vfsID); len(errs) != 0 {
		t.Errorf("busy locks were logged as errors: %v", errs)
	}
}

func TestRegistry_CheckReservedLockSeesWriter(t *testing.T) {
	h := newHarness(t, vfs.Config{}, bridge.Config{})
	vfsID := h.register(memvfs.New(""), vfs.Options{})
	a := h.open(vfsID, "r.db", mainDB)
	b := h.open(vfsID, "r.db", mainDB)

	h.call("vfs_io.xLock", uint64(a), uint64(vfs.LockShared))
	h.call("vfs_io.xLock", uint64(a), uint64(vfs.LockReserved))
	out := h.alloc(4)
	if rc := h.call("vfs_io.xCheckReservedLock", uint64(b), uint64(out)); rc != vfs.ResultOK {
		t.Fatalf("xCheckReservedLock = %d", rc)
	}
	if got := h.u32(out); got != 1 {
		t.Errorf("reserved = %d, want 1", got)
	}
}

func TestRegistry_ShortReadIsZeroFilled(t *testing.T) {
	h := newHarness(t, vfs.Config{}, bridge.Config{})
	vfsID := h.register(memvfs.New(""), vfs.Options{})
	fileID := h.open(vfsID, "short.db", mainDB)

	h.call("vfs_io.xWrite", uint64(fileID), uint64(h.bytes([]byte{9, 8, 7, 6})), 4, 0)
	buf := h.bytes(bytes.Repeat([]byte{0xff}, 8))
	if rc := h.call("vfs_io.xRead", uint64(fileID), uint64(buf), 8, 0); rc != vfs.ResultIOErrShortRead {
		t.Fatalf("xRead = %d, want %d", rc, vfs.ResultIOErrShortRead)
	}
	if diff := cmp.Diff([]byte{9, 8, 7, 6, 0, 0, 0, 0}, h.read(buf, 8)); diff != "" {
		t.Errorf("buffer mismatch (-want +got):\n%s", diff)
	}

	past := h.bytes(bytes.Repeat([]byte{0xff}, 4))
	if rc := h.call("vfs_io.xRead", uint64(fileID), uint64(past), 4, 100); rc != vfs.ResultIOErrShortRead {
		t.Fatalf("xRead past end = %d, want %d", rc, vfs.ResultIOErrShortRead)
	}
	if diff := cmp.Diff(make([]byte, 4), h.read(past, 4)); diff != "" {
		t.Errorf("buffer mismatch (-want +got):\n%s", diff)
	}
	if errs := h.reg.FileErrors(fileID); len(errs) != 0 {
		t.Errorf("short reads were logged as errors: %v", errs)
	}
}

// faultyVFS opens memory files whose reads fail.
type faultyVFS struct {
	*memvfs.VFS
}

type faultyFile struct {
	vfs.File
}

var errDisk = stderrors.New("disk on fire")

func (v faultyVFS) Open(ctx context.Context, name *vfs.Filename, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	f, out, err := v.VFS.Open(ctx, name, flags)
	if err != nil {
		return nil, 0, err
	}
	return faultyFile{File: f}, out, nil
}

func (faultyFile) ReadAt(context.Context, []byte, int64) (int, error) {
	return 0, errDisk
}

// gate holds deferred backend calls until the bridge has suspended, so
// every deferred call really suspends.
type gate struct {
	metrics.Nop
	once    sync.Once
	release chan struct{}
}

func newGate() *gate {
	return &gate{release: make(chan struct{})}
}

func (g *gate) Suspended(string) {
	g.once.Do(func() { close(g.release) })
}

type gatedVFS struct {
	vfs.VFS
	g *gate
}

func (v gatedVFS) Open(ctx context.Context, name *vfs.Filename, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	select {
	case <-v.g.release:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	return v.VFS.Open(ctx, name, flags)
}

func TestRegistry_DeferredFailureIsLogged(t *testing.T) {
	g := newGate()
	h := newHarness(t, vfs.Config{}, bridge.Config{Observer: g})
	backend := gatedVFS{VFS: faultyVFS{VFS: memvfs.New("faulty")}, g: g}
	vfsID := h.register(vfs.Deferred(backend), vfs.Options{})

	fileID := h.open(vfsID, "broken.db", mainDB)
	if got := h.br.Stats().Suspends; got == 0 {
		t.Errorf("deferred open did not suspend")
	}

	buf := h.alloc(16)
	if rc := h.call("vfs_io.xRead", uint64(fileID), uint64(buf), 16, 0); rc != vfs.ResultIOErrRead {
		t.Fatalf("xRead = %d, want %d", rc, vfs.ResultIOErrRead)
	}

	fileErrs := h.reg.FileErrors(fileID)
	if len(fileErrs) != 1 {
		t.Fatalf("file errors = %v, want 1", fileErrs)
	}
	if !errors.IsKind(fileErrs[0], errors.KindBackend) || !stderrors.Is(fileErrs[0], errDisk) {
		t.Errorf("file error = %v, want backend error wrapping %v", fileErrs[0], errDisk)
	}
	if got := h.reg.Errors(vfsID); len(got) != 1 {
		t.Errorf("vfs errors = %v, want 1", got)
	}

	msg := h.alloc(256)
	if rc := h.call("vfs.xGetLastError", uint64(vfsID), 256, uint64(msg)); rc != vfs.ResultIOErrRead {
		t.Errorf("xGetLastError = %d, want %d", rc, vfs.ResultIOErrRead)
	}
	text, err := arena.ReadCString(h.mem, msg)
	if err != nil {
		t.Fatalf("ReadCString: %v", err)
	}
	if !strings.Contains(text, "disk on fire") {
		t.Errorf("last error message = %q", text)
	}

	short := h.alloc(8)
	h.call("vfs.xGetLastError", uint64(vfsID), 8, uint64(short))
	if got := h.read(short, 8); got[7] != 0 {
		t.Errorf("truncated message not terminated: %q", got)
	}
}

func TestRegistry_ErrorLogKeepsNewest(t *testing.T) {
	h := newHarness(t, vfs.Config{}, bridge.Config{})
	vfsID := h.register(faultyVFS{VFS: memvfs.New("faulty")}, vfs.Options{})
	fileID := h.open(vfsID, "broken.db", mainDB)

	buf := h.alloc(8)
	for i := 0; i < 40; i++ {
		h.call("vfs_io.xRead", uint64(fileID), uint64(buf), 8, uint64(i))
	}
	if got := len(h.reg.FileErrors(fileID)); got != 32 {
		t.Errorf("file log holds %d errors, want 32", got)
	}
	if got := len(h.reg.Errors(vfsID)); got != 32 {
		t.Errorf("vfs log holds %d errors, want 32", got)
	}
}

func TestRegistry_FlagsFilter(t *testing.T) {
	h := newHarness(t, vfs.Config{}, bridge.Config{})
	vfsID := h.register(memvfs.New(""), vfs.Options{FlagsFilter: vfs.OpenWAL})

	fileID := h.alloc(8)
	h.mem.WriteU32(fileID, 0xdeadbeef)
	rc := h.call("vfs.xOpen", uint64(vfsID), uint64(h.cstr("db-wal")), uint64(fileID),
		uint64(vfs.OpenWAL|vfs.OpenReadWrite|vfs.OpenCreate), 0)
	if rc != vfs.ResultCantOpen {
		t.Fatalf("xOpen = %d, want %d", rc, vfs.ResultCantOpen)
	}
	if got := h.u32(fileID); got != 0 {
		t.Errorf("file id slot = %#x, want 0", got)
	}
	errs := h.reg.Errors(vfsID)
	if len(errs) != 1 || !errors.IsKind(errs[0], errors.KindBackend) {
		t.Errorf("errors = %v", errs)
	}

	h.open(vfsID, "db", mainDB)
}

func TestRegistry_UnknownIDs(t *testing.T) {
	h := newHarness(t, vfs.Config{}, bridge.Config{})
	h.register(memvfs.New(""), vfs.Options{})
	slot := h.alloc(8)

	tests := []struct {
		name   string
		fn     string
		params []uint64
	}{
		{"read", "vfs_io.xRead", []uint64{0x7777, 0, 4, 0}},
		{"close", "vfs_io.xClose", []uint64{0x7777}},
		{"lock", "vfs_io.xLock", []uint64{0x7777, 1}},
		{"open", "vfs.xOpen", []uint64{0x7777, 0, uint64(slot), 0, 0}},
		{"delete", "vfs.xDelete", []uint64{0x7777, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rc := h.call(tt.fn, tt.params...); rc != vfs.ResultIOErr {
				t.Errorf("%s = %d, want %d", tt.fn, rc, vfs.ResultIOErr)
			}
		})
	}
}

// recordingVFS remembers the names it was asked to open.
type recordingVFS struct {
	*memvfs.VFS
	names []*vfs.Filename
}

func (v *recordingVFS) Open(ctx context.Context, name *vfs.Filename, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	v.names = append(v.names, name)
	return v.VFS.Open(ctx, name, flags)
}

func TestRegistry_OpenDecodesFilenames(t *testing.T) {
	h := newHarness(t, vfs.Config{}, bridge.Config{})
	rec := &recordingVFS{VFS: memvfs.New("")}
	vfsID := h.register(rec, vfs.Options{})

	_, rc, _ := h.openPtr(vfsID, h.filename("main.db", "vfs", "mem", "immutable", "1", "cache_size", "0x10"), mainDB)
	if rc != vfs.ResultOK {
		t.Fatalf("xOpen main = %d", rc)
	}
	_, rc, _ = h.openPtr(vfsID, h.cstr("main.db-journal"), vfs.OpenMainJournal|vfs.OpenReadWrite|vfs.OpenCreate)
	if rc != vfs.ResultOK {
		t.Fatalf("xOpen journal = %d", rc)
	}
	_, rc, _ = h.openPtr(vfsID, 0, vfs.OpenTempJournal|vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenDeleteOnClose)
	if rc != vfs.ResultOK {
		t.Fatalf("xOpen temp = %d", rc)
	}

	if len(rec.names) != 3 {
		t.Fatalf("opened %d names, want 3", len(rec.names))
	}
	main, journal, temp := rec.names[0], rec.names[1], rec.names[2]
	want := []vfs.Param{{Key: "vfs", Value: "mem"}, {Key: "immutable", Value: "1"}, {Key: "cache_size", Value: "0x10"}}
	if diff := cmp.Diff(want, main.Params()); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
	if main.String() != "main.db" || !main.Bool("immutable", false) || main.Int("cache_size", 0) != 16 {
		t.Errorf("main = %q immutable=%v cache_size=%d", main, main.Bool("immutable", false), main.Int("cache_size", 0))
	}
	if journal.String() != "main.db-journal" || len(journal.Params()) != 0 {
		t.Errorf("journal = %q %v", journal, journal.Params())
	}
	if !temp.Temp() || !strings.HasPrefix(temp.String(), "temp-") {
		t.Errorf("temp = %q, temp=%v", temp, temp.Temp())
	}
}

func TestFilename_Params(t *testing.T) {
	f := vfs.NewFilename("x.db",
		vfs.Param{Key: "a", Value: "yes"},
		vfs.Param{Key: "b", Value: "Off"},
		vfs.Param{Key: "c", Value: "2abc"},
		vfs.Param{Key: "d", Value: "maybe"},
		vfs.Param{Key: "n", Value: "42"},
		vfs.Param{Key: "h", Value: "0xff"},
		vfs.Param{Key: "bad", Value: "4x"},
		vfs.Param{Key: "a", Value: "no"},
	)

	bools := []struct {
		key  string
		def  bool
		want bool
	}{
		{"a", false, true},
		{"b", true, false},
		{"c", false, true},
		{"d", true, true},
		{"d", false, false},
		{"missing", true, true},
	}
	for _, tt := range bools {
		if got := f.Bool(tt.key, tt.def); got != tt.want {
			t.Errorf("Bool(%q, %v) = %v, want %v", tt.key, tt.def, got, tt.want)
		}
	}

	ints := []struct {
		key  string
		want int64
	}{
		{"n", 42},
		{"h", 255},
		{"bad", -1},
		{"missing", -1},
	}
	for _, tt := range ints {
		if got := f.Int(tt.key, -1); got != tt.want {
			t.Errorf("Int(%q) = %d, want %d", tt.key, got, tt.want)
		}
	}

	if got := f.Param("d", "x"); got != "maybe" {
		t.Errorf("Param(d) = %q", got)
	}
	if got := f.Param("zz", "x"); got != "x" {
		t.Errorf("Param(zz) = %q", got)
	}
}

func TestRegistry_PathOperations(t *testing.T) {
	h := newHarness(t, vfs.Config{}, bridge.Config{})
	mem := memvfs.New("")
	vfsID := h.register(mem, vfs.Options{})
	fileID := h.open(vfsID, "kept.db", mainDB)
	h.call("vfs_io.xClose", uint64(fileID))

	out := h.alloc(4)
	if rc := h.call("vfs.xAccess", uint64(vfsID), uint64(h.cstr("kept.db")), uint64(vfs.AccessExists), uint64(out)); rc != vfs.ResultOK {
		t.Fatalf("xAccess = %d", rc)
	}
	if got := h.u32(out); got != 1 {
		t.Errorf("exists = %d, want 1", got)
	}

	full := h.alloc(64)
	if rc := h.call("vfs.xFullPathname", uint64(vfsID), uint64(h.cstr("kept.db")), 64, uint64(full)); rc != vfs.ResultOK {
		t.Fatalf("xFullPathname = %d", rc)
	}
	if got, _ := arena.ReadCString(h.mem, full); got != "kept.db" {
		t.Errorf("full pathname = %q", got)
	}
	if rc := h.call("vfs.xFullPathname", uint64(vfsID), uint64(h.cstr("kept.db")), 4, uint64(full)); rc != vfs.ResultCantOpenFullPath {
		t.Errorf("xFullPathname into small buffer = %d, want %d", rc, vfs.ResultCantOpenFullPath)
	}

	if rc := h.call("vfs.xDelete", uint64(vfsID), uint64(h.cstr("kept.db")), 0); rc != vfs.ResultOK {
		t.Fatalf("xDelete = %d", rc)
	}
	if _, ok := mem.Contents("kept.db"); ok {
		t.Errorf("file survived delete")
	}
	if rc := h.call("vfs.xDelete", uint64(vfsID), uint64(h.cstr("kept.db")), 0); rc != vfs.ResultIOErrDeleteNoEnt {
		t.Errorf("second xDelete = %d, want %d", rc, vfs.ResultIOErrDeleteNoEnt)
	}
}

func TestRegistry_ClockRandomnessAndSleep(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	h := newHarness(t, vfs.Config{
		Now:  func() time.Time { return now },
		Rand: bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8}),
	}, bridge.Config{})
	vfsID := h.register(memvfs.New(""), vfs.Options{})

	out := h.alloc(8)
	if rc := h.call("vfs.xCurrentTimeInt64", uint64(vfsID), uint64(out)); rc != vfs.ResultOK {
		t.Fatalf("xCurrentTimeInt64 = %d", rc)
	}
	if got, want := h.u64(out), uint64(1_700_000_000_000+210866760000000); got != want {
		t.Errorf("time = %d, want %d", got, want)
	}

	buf := h.alloc(4)
	if n := h.call("vfs.xRandomness", uint64(vfsID), 4, uint64(buf)); n != 4 {
		t.Fatalf("xRandomness = %d, want 4", n)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4}, h.read(buf, 4)); diff != "" {
		t.Errorf("random bytes mismatch (-want +got):\n%s", diff)
	}

	if got := h.call("vfs.xSleep", uint64(vfsID), 1000); got != 1000 {
		t.Errorf("xSleep = %d, want 1000", got)
	}
	if h.br.Stats().Suspends == 0 {
		t.Errorf("sleep did not suspend")
	}
	if got := h.call("vfs.xSleep", uint64(vfsID), 0); got != 0 {
		t.Errorf("xSleep(0) = %d, want 0", got)
	}
}

func TestRegistry_RegisterErrors(t *testing.T) {
	ctx := context.Background()
	unattached := vfs.NewRegistry(vfs.Config{})
	if _, err := unattached.Register(ctx, memvfs.New(""), vfs.Options{}); !errors.IsKind(err, errors.KindNotInitialized) {
		t.Errorf("Register before Attach = %v, want not initialized", err)
	}

	h := newHarness(t, vfs.Config{}, bridge.Config{})
	h.register(memvfs.New(""), vfs.Options{})
	if _, err := h.reg.Register(ctx, memvfs.New(""), vfs.Options{}); !errors.IsKind(err, errors.KindRegistration) {
		t.Errorf("duplicate Register = %v, want registration error", err)
	}
	h.register(memvfs.New("other"), vfs.Options{})
	if diff := cmp.Diff([]string{"mem", "other"}, h.reg.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_DeviceQueries(t *testing.T) {
	h := newHarness(t, vfs.Config{}, bridge.Config{})
	vfsID := h.register(memvfs.New(""), vfs.Options{})
	fileID := h.open(vfsID, "dev.db", mainDB)

	caps := vfs.IOCap(h.call("vfs_io.xDeviceCharacteristics", uint64(fileID)))
	if caps&vfs.IOCapAtomic == 0 {
		t.Errorf("caps = %#x, want atomic", caps)
	}
	if got := h.call("vfs_io.xSectorSize", uint64(fileID)); got != 0 {
		t.Errorf("sector size = %d", got)
	}
	if rc := h.call("vfs_io.xFileControl", uint64(fileID), uint64(vfs.FcntlSizeHint), 0); rc != vfs.ResultNotFound {
		t.Errorf("xFileControl = %d, want %d", rc, vfs.ResultNotFound)
	}
}

func TestRegistry_CloseClosesOpenFiles(t *testing.T) {
	h := newHarness(t, vfs.Config{}, bridge.Config{})
	mem := memvfs.New("")
	vfsID := h.register(mem, vfs.Options{})
	h.open(vfsID, "a.db", mainDB)
	h.open(vfsID, "a.db", mainDB)
	if got := mem.Locks().Status("a.db").Handles; got != 2 {
		t.Fatalf("handles = %d, want 2", got)
	}
	if err := h.reg.Close(h.ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := mem.Locks().Status("a.db").Handles; got != 0 {
		t.Errorf("handles after Close = %d, want 0", got)
	}
}

package engine

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasmvfs "github.com/wippyai/wasm-vfs"
	"github.com/wippyai/wasm-vfs/errors"
)

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// WASI instantiates wasi_snapshot_preview1 into every instance runtime,
	// for engine builds linked against wasi-libc.
	WASI bool
}

// Engine compiles engine modules and creates isolated instances.
//
// Host modules are resolved by name, and an engine module always imports
// the same names (env, vfs, ...), so every instance gets its own wazero
// runtime. Compilation is shared through a compilation cache.
type Engine struct {
	cache      wazero.CompilationCache
	runtimeCfg wazero.RuntimeConfig
	probe      wazero.Runtime
	cfg        Config
}

// New creates an engine. cfg may be nil.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	e := &Engine{cache: wazero.NewCompilationCache()}
	if cfg != nil {
		e.cfg = *cfg
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCompilationCache(e.cache)
	if e.cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(e.cfg.MemoryLimitPages)
	}
	e.runtimeCfg = runtimeCfg
	e.probe = wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	return e, nil
}

// Close releases the compilation cache. Instances must be closed first.
func (e *Engine) Close(ctx context.Context) error {
	err := e.probe.Close(ctx)
	if cerr := e.cache.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// ImportDef names one function import of a module.
type ImportDef struct {
	Module string
	Name   string
}

func (d ImportDef) String() string { return d.Module + "." + d.Name }

// Module is a compiled engine module.
type Module struct {
	exports map[string]api.FunctionDefinition
	bytes   []byte
	imports []ImportDef
}

// Compile validates wasm and warms the compilation cache.
func (e *Engine) Compile(ctx context.Context, wasm []byte) (*Module, error) {
	compiled, err := e.probe.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}
	defer compiled.Close(ctx)

	m := &Module{
		bytes:   wasm,
		exports: compiled.ExportedFunctions(),
	}
	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		m.imports = append(m.imports, ImportDef{Module: mod, Name: name})
	}
	return m, nil
}

// Imports lists the function imports in declaration order.
func (m *Module) Imports() []ImportDef {
	return m.imports
}

// Exports lists exported function names, sorted.
func (m *Module) Exports() []string {
	names := make([]string, 0, len(m.exports))
	for name := range m.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExportDefinition returns the signature of an export, or nil.
func (m *Module) ExportDefinition(name string) api.FunctionDefinition {
	return m.exports[name]
}

// Instantiate creates an instance of m linked against hosts. The start
// function is not run; callers invoke _start through the bridge.
func (e *Engine) Instantiate(ctx context.Context, m *Module, hosts ...*HostModule) (*Instance, error) {
	r := wazero.NewRuntimeWithConfig(ctx, e.runtimeCfg)

	provided := make(map[string]map[string]bool)
	if e.cfg.WASI {
		if _, err := InstantiateWASI(ctx, r); err != nil {
			r.Close(ctx)
			return nil, errors.Registration(errors.PhaseHost, wasiModuleName, "*", err)
		}
	}
	for _, h := range hosts {
		if err := h.instantiate(ctx, r); err != nil {
			r.Close(ctx)
			return nil, err
		}
		provided[h.name] = h.names()
	}

	var missing []string
	wasi := false
	for _, imp := range m.imports {
		if imp.Module == wasiModuleName && e.cfg.WASI {
			wasi = true
			continue
		}
		if !provided[imp.Module][imp.Name] {
			missing = append(missing, imp.String())
		}
	}
	if len(missing) > 0 {
		r.Close(ctx)
		return nil, errors.NewMissingImportsError(missing)
	}

	compiled, err := r.CompileModule(ctx, m.bytes)
	if err != nil {
		r.Close(ctx)
		return nil, errors.Load("compile module", err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName("engine").
		WithStartFunctions().
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)
	mod, err := r.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		r.Close(ctx)
		return nil, errors.Instantiation(err)
	}

	inst := &Instance{
		runtime: r,
		module:  mod,
		funcs:   make(map[string]api.Function),
		wasi:    wasi,
	}
	if mem := mod.Memory(); mem != nil {
		inst.memory = NewMemory(mem)
	}
	inst.alloc = &allocator{
		mallocFn: mod.ExportedFunction("malloc"),
		freeFn:   mod.ExportedFunction("free"),
		stackBuf: make([]uint64, 1),
	}
	return inst, nil
}

// Instance is a running engine module. Direct calls through Call do not
// go through the bridge.
type Instance struct {
	runtime wazero.Runtime
	module  api.Module
	memory  *Memory
	alloc   *allocator
	funcs   map[string]api.Function
	wasi    bool
	mu      sync.RWMutex
}

// Module returns the underlying wazero module.
func (i *Instance) Module() api.Module {
	return i.module
}

// Memory returns the exported linear memory, or nil.
func (i *Instance) Memory() *Memory {
	return i.memory
}

// WASI reports whether the module imports wasi_snapshot_preview1 functions
// served natively by wazero. Those calls do not pass through host modules.
func (i *Instance) WASI() bool {
	return i.wasi
}

// Allocator returns an allocator backed by the malloc/free exports.
func (i *Instance) Allocator() wasmvfs.Allocator {
	return i.alloc
}

// Function returns an exported function by name, or nil.
func (i *Instance) Function(name string) api.Function {
	i.mu.RLock()
	fn, ok := i.funcs[name]
	i.mu.RUnlock()
	if ok {
		return fn
	}

	fn = i.module.ExportedFunction(name)
	i.mu.Lock()
	i.funcs[name] = fn
	i.mu.Unlock()
	return fn
}

// Call invokes an export directly.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.Function(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", name)
	}
	return fn.Call(ctx, params...)
}

func (i *Instance) Close(ctx context.Context) error {
	if i.runtime == nil {
		return nil
	}
	err := i.runtime.Close(ctx)
	i.runtime = nil
	i.module = nil
	i.memory = nil
	i.funcs = nil
	return err
}

var _ wasmvfs.Caller = (*Instance)(nil)

// allocator implements wasmvfs.Allocator with the engine's malloc/free.
// The engine's malloc is 8-byte aligned, which covers every align we ask for.
type allocator struct {
	mallocFn api.Function
	freeFn   api.Function
	stackBuf []uint64
	mu       sync.Mutex
}

func (a *allocator) Alloc(size, align uint32) (uint32, error) {
	if a.mallocFn == nil {
		return 0, errors.NotFound(errors.PhaseArena, "export", "malloc")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stackBuf[0] = uint64(size)
	if err := a.mallocFn.CallWithStack(context.Background(), a.stackBuf[:1]); err != nil {
		return 0, err
	}
	return uint32(a.stackBuf[0]), nil
}

func (a *allocator) Free(ptr, size, align uint32) {
	if a.freeFn == nil || ptr == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stackBuf[0] = uint64(ptr)
	if err := a.freeFn.CallWithStack(context.Background(), a.stackBuf[:1]); err != nil {
		Logger().Warn("free failed",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err))
	}
}

var _ wasmvfs.Allocator = (*allocator)(nil)

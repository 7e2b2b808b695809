// Package engine loads the compiled database engine module and gives each
// caller an isolated instance of it.
//
// # Engines and Instances
//
// An Engine owns a compilation cache. Compile validates a module once;
// Instantiate then builds a fresh wazero runtime per instance, links the
// host modules passed to it and instantiates the engine module without
// running its start function:
//
//	e, _ := engine.New(ctx, &engine.Config{MemoryLimitPages: 4096})
//	m, _ := e.Compile(ctx, wasm)
//	inst, _ := e.Instantiate(ctx, m, hosts...)
//	defer inst.Close(ctx)
//
// A separate runtime per instance keeps import names such as "env" and
// "vfs" private to that instance.
//
// # Imports
//
// Every function import of the module must be provided by one of the host
// modules, or by WASI preview1 when Config.WASI is set. Otherwise
// Instantiate fails with *errors.MissingImportsError listing every
// unresolved import.
//
// # Memory and Allocation
//
// Memory adapts the exported linear memory to wasmvfs.Memory with
// bounds-checked little-endian access. Allocator calls the module's
// malloc and free exports.
//
// # Asyncify
//
// Asyncify drives the Binaryen asyncify control exports over a data
// buffer the caller reserves. The bridge package uses it to suspend the
// engine while a host import waits; modules without the exports are
// replayed instead.
//
// # Thread Safety
//
// An Engine and a compiled Module are safe for concurrent use. An Instance
// is not; the bridge and worker packages serialize calls into it.
package engine

// Package wasmvfs hosts a compiled, synchronous SQLite-style engine module
// on wazero and connects it to storage that is only reachable through
// blocking or asynchronous Go APIs.
//
// The engine's compiled control flow cannot suspend, so suspension is
// emulated: an import that has to wait unwinds the engine stack, the host
// waits for the operation, and the same export is re-entered until it
// returns for real.
//
// # Architecture Overview
//
//	wasmvfs/             Root package with Memory, Allocator and Caller interfaces
//	├── engine/          wazero runtime, host modules, memory adapter, asyncify driver
//	├── bridge/          Suspend/resume bridge (stack-switch and replay strategies)
//	├── arena/           Scoped scratch allocations in linear memory
//	├── value/           Tagged values and engine bind/read marshaling
//	├── resource/        Handle table for host objects referenced by the engine
//	├── vfs/             VFS registry, import dispatch, lock graduation
//	│   ├── memvfs/      In-process storage
//	│   ├── dirvfs/      Sandboxed directory storage
//	│   ├── localvfs/    Named mounts persisted in bbolt
//	│   └── httpvfs/     Read-only HTTP range storage
//	├── runtime/         Instance assembly, env imports, extra host modules
//	├── worker/          Ping-pong worker owning one instance
//	├── metrics/         Prometheus observer
//	├── cmd/run/         Command-line runner
//	├── config/          TOML configuration
//	└── errors/          Structured error types
//
// # Quick Start
//
//	rt, err := runtime.FromConfig(ctx, config.Default(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	inst, err := rt.Open(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	if _, err := inst.Register(ctx, vfs.Deferred(memvfs.New("files")), false); err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := inst.Call(ctx, "sqlite3_libversion_number")
//
// # Thread Safety
//
// An Instance runs one top-level call at a time. A second call entering while
// one is in flight (including while it is suspended) is a protocol corruption
// error. Use worker.Worker to share an instance between goroutines.
package wasmvfs

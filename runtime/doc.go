// Package runtime assembles engine instances.
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx, runtime.Config{
//	    Backends: []runtime.Backend{
//	        {VFS: memvfs.New(""), Options: vfs.Options{Default: true}},
//	    },
//	})
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
//	res, err := inst.Call(ctx, "sqlite3_libversion_number")
//
// # Instance Assembly
//
// Every instance gets its own VFS registry, handle table and bridge. Open
// performs, in order:
//
//  1. Instantiate the module with the env, vfs, vfs_io and value imports
//     plus any modules from Config.Hosts
//  2. Wrap the instance with a bridge and attach the arena and registry
//  3. Run _initialize, or _start, through the bridge
//  4. Register Config.Backends in order
//
// The env module forwards the engine's log lines to Logger: result code 0
// and notices at debug level, everything else at warn level.
//
// # Configuration Files
//
// FromConfig builds a runtime from a config.Config, creating one backend
// per [[vfs]] table. Directory and mount-table backends are closed with the
// runtime.
//
// # Extra Imports
//
// Engine builds that import functions beyond the built-in modules get them
// from a HostRegistry:
//
//	hosts := runtime.NewHostRegistry()
//	hosts.RegisterFunc("app", "notify", params, nil, fn)
//	rt, err := runtime.New(ctx, runtime.Config{Hosts: hosts})
//
// Functions are wrapped with bridge.Import and may suspend with
// bridge.Await.
package runtime

package value

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-vfs/bridge"
	"github.com/wippyai/wasm-vfs/engine"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/resource"
)

// ModuleName is the import module of the handle release callback.
const ModuleName = "value"

// HostModule returns the "value" import module. Its release(handle)
// function is called by the engine when it destroys a value carrying a
// handle. Releasing a handle that is not live breaks the bridge.
func HostModule(handles *resource.Table) *engine.HostModule {
	return engine.NewHostModule(ModuleName).
		Func("release", []api.ValueType{engine.I32}, nil,
			bridge.Import(ModuleName+".release", func(ctx context.Context, _ api.Module, stack []uint64) {
				h := resource.Handle(uint32(stack[0]))
				if _, err := handles.Release(h); err != nil {
					bridge.Fatal(ctx, errors.New(errors.PhaseMarshal, errors.KindCorruption).
						Detail("engine released handle %d twice", h).
						Cause(err).
						Build())
				}
			}))
}

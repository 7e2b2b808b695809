package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const wasiModuleName = wasi_snapshot_preview1.ModuleName

// InstantiateWASI instantiates WASI preview1 for engine builds linked
// against wasi-libc. proc_exit and the clock/random functions come from
// wazero; the engine module's own config supplies walltime and entropy.
func InstantiateWASI(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	builder := r.NewHostModuleBuilder(wasiModuleName)
	wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(builder)
	return builder.Instantiate(ctx)
}

package runtime

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/arena"
	"github.com/wippyai/wasm-vfs/bridge"
	"github.com/wippyai/wasm-vfs/engine"
	"github.com/wippyai/wasm-vfs/vfs"
)

// EnvModule is the import module of the engine's log sink and OS hooks.
const EnvModule = "env"

// resultNotice is the primary code of informational engine log lines.
const resultNotice = 27

// envModule serves env.log, the target of the engine's log callback, and
// the sqlite3_os_init / sqlite3_os_end hooks. Backends are registered after
// start-up rather than from the init hook, since registering calls back
// into the engine.
func envModule() *engine.HostModule {
	i32 := engine.I32
	return engine.NewHostModule(EnvModule).
		Func("log", []api.ValueType{i32, i32, i32}, nil, bridge.Import(EnvModule+".log", engineLog)).
		Func("sqlite3_os_init", nil, []api.ValueType{i32}, bridge.Import(EnvModule+".sqlite3_os_init", osHook("init"))).
		Func("sqlite3_os_end", nil, []api.ValueType{i32}, bridge.Import(EnvModule+".sqlite3_os_end", osHook("end")))
}

func engineLog(_ context.Context, mod api.Module, stack []uint64) {
	code := api.DecodeI32(stack[1])
	msg, err := arena.ReadCString(engine.NewMemory(mod.Memory()), api.DecodeU32(stack[2]))
	if err != nil {
		Logger().Warn("unreadable engine log line", zap.Int32("code", code), zap.Error(err))
		return
	}
	if code == vfs.ResultOK || code&0xff == resultNotice {
		Logger().Debug(msg, zap.Int32("code", code))
		return
	}
	Logger().Warn(msg, zap.Int32("code", code))
}

func osHook(phase string) bridge.HostFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		Logger().Debug("engine os hook", zap.String("phase", phase))
		stack[0] = api.EncodeI32(vfs.ResultOK)
	}
}

package runtime

import (
	"sort"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-vfs/bridge"
	"github.com/wippyai/wasm-vfs/engine"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/value"
	"github.com/wippyai/wasm-vfs/vfs"
)

// reserved are the import modules every instance gets from the runtime.
var reserved = map[string]bool{
	EnvModule:        true,
	vfs.ModuleVFS:    true,
	vfs.ModuleIO:     true,
	value.ModuleName: true,
}

// HostRegistry collects extra import modules for engine builds that import
// more than env, vfs, vfs_io and value. Functions are wrapped with
// bridge.Import, so they may Await like the built-in imports.
type HostRegistry struct {
	modules map[string]*engine.HostModule
	mu      sync.RWMutex
}

func NewHostRegistry() *HostRegistry {
	return &HostRegistry{
		modules: make(map[string]*engine.HostModule),
	}
}

// RegisterFunc adds module.name. Registering the same name again replaces
// the earlier function.
func (r *HostRegistry) RegisterFunc(module, name string, params, results []api.ValueType, fn bridge.HostFunc) error {
	if module == "" {
		return errors.InvalidInput(errors.PhaseHost, "module name cannot be empty")
	}
	if name == "" {
		return errors.InvalidInput(errors.PhaseHost, "function name cannot be empty")
	}
	if fn == nil {
		return errors.InvalidInput(errors.PhaseHost, "function cannot be nil")
	}
	if reserved[module] {
		return errors.New(errors.PhaseHost, errors.KindRegistration).
			Path(module, name).
			Detail("module is provided by the runtime").
			Build()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.modules[module]
	if m == nil {
		m = engine.NewHostModule(module)
		r.modules[module] = m
	}
	m.Func(name, params, results, bridge.Import(module+"."+name, fn))
	return nil
}

// Modules returns the registered modules sorted by name.
func (r *HostRegistry) Modules() []*engine.HostModule {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*engine.HostModule, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

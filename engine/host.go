package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-vfs/errors"
)

// Value types used by host function signatures.
var (
	I32 = api.ValueTypeI32
	I64 = api.ValueTypeI64
	F64 = api.ValueTypeF64
)

// HostFunc is one host function export.
type HostFunc struct {
	Fn      api.GoModuleFunc
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// HostModule groups host functions under one import module name.
type HostModule struct {
	name  string
	funcs []HostFunc
}

// NewHostModule creates an empty host module named name.
func NewHostModule(name string) *HostModule {
	return &HostModule{name: name}
}

// Name returns the import module name.
func (h *HostModule) Name() string {
	return h.name
}

// Func adds a function. Later definitions replace earlier ones with the same name.
func (h *HostModule) Func(name string, params, results []api.ValueType, fn api.GoModuleFunc) *HostModule {
	for i := range h.funcs {
		if h.funcs[i].Name == name {
			h.funcs[i] = HostFunc{Name: name, Params: params, Results: results, Fn: fn}
			return h
		}
	}
	h.funcs = append(h.funcs, HostFunc{Name: name, Params: params, Results: results, Fn: fn})
	return h
}

// Funcs returns the functions in definition order.
func (h *HostModule) Funcs() []HostFunc {
	return h.funcs
}

func (h *HostModule) names() map[string]bool {
	out := make(map[string]bool, len(h.funcs))
	for _, f := range h.funcs {
		out[f.Name] = true
	}
	return out
}

func (h *HostModule) instantiate(ctx context.Context, r wazero.Runtime) error {
	b := r.NewHostModuleBuilder(h.name)
	for _, f := range h.funcs {
		b = b.NewFunctionBuilder().
			WithGoModuleFunction(f.Fn, f.Params, f.Results).
			WithName(f.Name).
			Export(f.Name)
	}
	if _, err := b.Instantiate(ctx); err != nil {
		return errors.Registration(errors.PhaseHost, h.name, "*", err)
	}
	return nil
}

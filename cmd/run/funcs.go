package main

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-vfs/runtime"
)

// funcInfo is an exported function and its core signature.
type funcInfo struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
}

func (f funcInfo) String() string {
	params := make([]string, len(f.params))
	for i, p := range f.params {
		params[i] = api.ValueTypeName(p)
	}
	s := f.name + "(" + strings.Join(params, ", ") + ")"
	if len(f.results) > 0 {
		results := make([]string, len(f.results))
		for i, r := range f.results {
			results[i] = api.ValueTypeName(r)
		}
		s += " -> " + strings.Join(results, ", ")
	}
	return s
}

// exportedFuncs lists the instance's functions, skipping the asyncify
// control exports.
func exportedFuncs(inst *runtime.Instance) []funcInfo {
	defs := inst.Bridge().Instance().Module().ExportedFunctionDefinitions()
	out := make([]funcInfo, 0, len(defs))
	for name, def := range defs {
		if strings.HasPrefix(name, "asyncify_") {
			continue
		}
		out = append(out, funcInfo{name: name, params: def.ParamTypes(), results: def.ResultTypes()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func findFunc(funcs []funcInfo, name string) (funcInfo, bool) {
	for _, f := range funcs {
		if f.name == name {
			return f, true
		}
	}
	return funcInfo{}, false
}

// encodeArgs converts command-line arguments to export arguments. An i32
// argument that is not a number is passed as the address of a C string
// holding it.
func encodeArgs(f funcInfo, args []string) ([]runtime.Arg, error) {
	if len(args) != len(f.params) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", f.name, len(f.params), len(args))
	}
	out := make([]runtime.Arg, len(args))
	for i, arg := range args {
		v, err := encodeArg(f.params[i], arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func encodeArg(t api.ValueType, arg string) (runtime.Arg, error) {
	switch t {
	case api.ValueTypeI32:
		n, err := strconv.ParseInt(arg, 0, 64)
		if err != nil {
			return runtime.TextArg(strings.Trim(arg, `"`)), nil
		}
		if n < math.MinInt32 || n > math.MaxUint32 {
			return runtime.Arg{}, fmt.Errorf("%s does not fit i32", arg)
		}
		return runtime.ValueArg(uint64(uint32(n))), nil
	case api.ValueTypeI64:
		n, err := strconv.ParseInt(arg, 0, 64)
		if err != nil {
			return runtime.Arg{}, fmt.Errorf("%q is not an i64", arg)
		}
		return runtime.ValueArg(api.EncodeI64(n)), nil
	case api.ValueTypeF32:
		x, err := strconv.ParseFloat(arg, 32)
		if err != nil {
			return runtime.Arg{}, fmt.Errorf("%q is not an f32", arg)
		}
		return runtime.ValueArg(api.EncodeF32(float32(x))), nil
	case api.ValueTypeF64:
		x, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return runtime.Arg{}, fmt.Errorf("%q is not an f64", arg)
		}
		return runtime.ValueArg(api.EncodeF64(x)), nil
	}
	return runtime.Arg{}, fmt.Errorf("unsupported parameter type %s", api.ValueTypeName(t))
}

func formatResults(f funcInfo, res []uint64) string {
	out := make([]string, len(res))
	for i, v := range res {
		t := api.ValueTypeI64
		if i < len(f.results) {
			t = f.results[i]
		}
		switch t {
		case api.ValueTypeI32:
			out[i] = strconv.FormatInt(int64(api.DecodeI32(v)), 10)
		case api.ValueTypeF32:
			out[i] = strconv.FormatFloat(float64(api.DecodeF32(v)), 'g', -1, 32)
		case api.ValueTypeF64:
			out[i] = strconv.FormatFloat(api.DecodeF64(v), 'g', -1, 64)
		default:
			out[i] = strconv.FormatInt(int64(v), 10)
		}
	}
	return strings.Join(out, ", ")
}

package wasmtest

import (
	"bytes"
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func TestLEB128(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"u32 0", u32(0), []byte{0x00}},
		{"u32 127", u32(127), []byte{0x7f}},
		{"u32 128", u32(128), []byte{0x80, 0x01}},
		{"u32 1024", u32(1024), []byte{0x80, 0x08}},
		{"s64 -1", s64(-1), []byte{0x7f}},
		{"s64 -8", s64(-8), []byte{0x78}},
		{"s64 63", s64(63), []byte{0x3f}},
		{"s64 64", s64(64), []byte{0xc0, 0x00}},
		{"s64 -65", s64(-65), []byte{0xbf, 0x7f}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.got, tt.want) {
				t.Errorf("got %x, want %x", tt.got, tt.want)
			}
		})
	}
}

func instantiate(t *testing.T, bin []byte, get func(x uint32) uint32) api.Module {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	_, err := r.NewHostModuleBuilder("host").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = uint64(get(uint32(stack[0])))
		}), []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("get").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = 7
		}), nil, []api.ValueType{api.ValueTypeI32}).
		Export("nest").
		Instantiate(ctx)
	if err != nil {
		t.Fatalf("host module: %v", err)
	}

	mod, err := r.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithStartFunctions())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	return mod
}

func TestReplayModule_RunsSynchronously(t *testing.T) {
	ctx := context.Background()
	mod := instantiate(t, ReplayModule(Options{}), func(x uint32) uint32 { return x * 10 })

	res, err := mod.ExportedFunction("run").Call(ctx, 3)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res[0] != 70 {
		t.Errorf("run(3) = %d, want 70", res[0])
	}

	res, err = mod.ExportedFunction("sum").Call(ctx, 4)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if res[0] != 60 {
		t.Errorf("sum(4) = %d, want 60", res[0])
	}

	res, err = mod.ExportedFunction("nest").Call(ctx)
	if err != nil {
		t.Fatalf("nest: %v", err)
	}
	if res[0] != 7 {
		t.Errorf("nest() = %d, want 7", res[0])
	}
}

func TestReplayModule_Malloc(t *testing.T) {
	ctx := context.Background()
	mod := instantiate(t, ReplayModule(Options{}), func(x uint32) uint32 { return x })

	malloc := mod.ExportedFunction("malloc")
	a, err := malloc.Call(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	b, err := malloc.Call(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if a[0] != HeapBase {
		t.Errorf("first malloc = %d, want %d", a[0], HeapBase)
	}
	if b[0] != HeapBase+8 {
		t.Errorf("second malloc = %d, want %d", b[0], HeapBase+8)
	}

	failing := instantiate(t, ReplayModule(Options{FailMalloc: true}), func(x uint32) uint32 { return x })
	res, err := failing.ExportedFunction("malloc").Call(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != 0 {
		t.Errorf("failing malloc = %d, want 0", res[0])
	}
}

func TestAsyncifiedModule_NormalState(t *testing.T) {
	ctx := context.Background()
	mod := instantiate(t, AsyncifiedModule(Options{}), func(x uint32) uint32 { return x + 100 })

	res, err := mod.ExportedFunction("run").Call(ctx, 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res[0] != 203 {
		t.Errorf("run(1) = %d, want 203", res[0])
	}
	state, err := mod.ExportedFunction("asyncify_get_state").Call(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state[0] != 0 {
		t.Errorf("state = %d, want 0", state[0])
	}
}

func TestForwardModule(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	var gotOff int64
	_, err := r.NewHostModuleBuilder("vfs").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			gotOff = int64(stack[3])
			stack[0] = uint64(stack[2])
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI64},
			[]api.ValueType{api.ValueTypeI32}).
		Export("xRead").
		Instantiate(ctx)
	if err != nil {
		t.Fatal(err)
	}

	bin := ForwardModule([]Import{{
		Module: "vfs", Name: "xRead",
		Type: Sig([]ValType{I32, I32, I32, I64}, I32),
	}}, Options{})
	mod, err := r.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithStartFunctions())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}

	res, err := mod.ExportedFunction("vfs.xRead").Call(ctx, 1, 2, 12, 1<<40)
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != 12 || gotOff != 1<<40 {
		t.Errorf("forwarded result %d off %d", res[0], gotOff)
	}

	vfsPtr, err := mod.ExportedFunction("allocate_vfs").Call(ctx, 0, 64)
	if err != nil {
		t.Fatal(err)
	}
	if vfsPtr[0] == 0 {
		t.Error("allocate_vfs returned NULL")
	}
}

func TestFakeModule_Allocator(t *testing.T) {
	m := NewModule(4096)
	p, err := m.Alloc(10, 4)
	if err != nil || p == 0 {
		t.Fatalf("Alloc = %d, %v", p, err)
	}
	m.Free(p, 10, 4)
	m.Free(p, 10, 4)
	if m.Allocs != 1 || m.Frees != 1 || m.DoubleFrees != 1 {
		t.Errorf("allocs=%d frees=%d double=%d", m.Allocs, m.Frees, m.DoubleFrees)
	}

	m.FailAlloc = true
	p, err = m.Alloc(10, 4)
	if err != nil || p != 0 {
		t.Errorf("failing Alloc = %d, %v", p, err)
	}
}

func TestReplayModule_StackPointer(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want bool
	}{
		{"exported", Options{}, true},
		{"left out", Options{NoStackPointer: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := instantiate(t, ReplayModule(tt.opts), func(x uint32) uint32 { return x })
			g, ok := mod.ExportedGlobal("__stack_pointer").(api.MutableGlobal)
			if ok != tt.want {
				t.Fatalf("mutable __stack_pointer exported = %v, want %v", ok, tt.want)
			}
			if ok && g.Get() != StackTop {
				t.Errorf("__stack_pointer = %d, want %d", g.Get(), StackTop)
			}
		})
	}
}

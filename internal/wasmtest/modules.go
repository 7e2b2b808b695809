package wasmtest

// HeapBase is where the bump allocator of the prefab modules starts.
const HeapBase = 1024

// Options tweaks the prefab modules.
type Options struct {
	// FailMalloc makes malloc always return 0.
	FailMalloc bool
	// Pages is the memory size in 64KiB pages, default 2.
	Pages uint32
	// Start exports a _start that stores 1 at StartFlag.
	Start bool
	// NoStackPointer leaves out the __stack_pointer export.
	NoStackPointer bool
}

// StackTop is the initial value of the exported __stack_pointer.
const StackTop = HeapBase

// StartFlag is the address _start writes to.
const StartFlag = 16

func (o Options) pages() uint32 {
	if o.Pages == 0 {
		return 2
	}
	return o.Pages
}

var (
	sigI32toI32  = Sig([]ValType{I32}, I32)
	sigI32       = Sig([]ValType{I32})
	sigToI32     = Sig(nil, I32)
	sigVoid      = Sig(nil)
	sigI32I32    = Sig([]ValType{I32, I32})
	sigI32I32I32 = Sig([]ValType{I32, I32}, I32)
)

// allocator adds an 8-byte aligned bump malloc and a no-op free, both
// exported. heap is the index of the heap top global.
func allocator(b *Builder, heap uint32, opts Options) (malloc, free uint32) {
	if opts.FailMalloc {
		malloc = b.Func(sigI32toI32, nil, I32Const(0))
	} else {
		// local 0 = size, local 1 = old top
		malloc = b.Func(sigI32toI32, []ValType{I32},
			GlobalGet(heap), LocalSet(1),
			GlobalGet(heap), LocalGet(0), Op(OpI32Add),
			I32Const(7), Op(OpI32Add),
			I32Const(-8), Op(OpI32And),
			GlobalSet(heap),
			LocalGet(1),
		)
	}
	free = b.Func(sigI32, nil)
	b.Export("malloc", malloc)
	b.Export("free", free)
	return malloc, free
}

// stackPointer adds the mutable __stack_pointer global that clang-built
// modules export, unless opts says otherwise.
func stackPointer(b *Builder, opts Options) {
	if opts.NoStackPointer {
		return
	}
	b.ExportGlobal("__stack_pointer", b.Global(StackTop))
}

// ReplayModule imports host.get (i32)->i32 and host.nest ()->i32, and exports:
//
//	run(x)  = get(x) + get(x+1)
//	sum(n)  = get(0) + get(1) + ... + get(n-1)
//	nest()  = nest()
//	stash(x) = (mem[80] += 1) + get(x) + mem[64], after a discarded get(100)
//
// It has no asyncify exports, so the bridge has to replay it. It exports
// __stack_pointer unless opts.NoStackPointer is set.
func ReplayModule(opts Options) []byte {
	b := New()
	get := b.Import("host", "get", sigI32toI32)
	nest := b.Import("host", "nest", sigToI32)
	b.Memory(opts.pages())
	heap := b.Global(HeapBase)
	allocator(b, heap, opts)
	stackPointer(b, opts)

	run := b.Func(sigI32toI32, nil,
		LocalGet(0), Call(get),
		LocalGet(0), I32Const(1), Op(OpI32Add), Call(get),
		Op(OpI32Add),
	)
	b.Export("run", run)

	// local 0 = n, local 1 = i, local 2 = acc
	sum := b.Func(sigI32toI32, []ValType{I32, I32},
		Block(),
		Loop(),
		LocalGet(1), LocalGet(0), Op(OpI32GeU), BrIf(1),
		LocalGet(2), LocalGet(1), Call(get), Op(OpI32Add), LocalSet(2),
		LocalGet(1), I32Const(1), Op(OpI32Add), LocalSet(1),
		Br(0),
		End(),
		End(),
		LocalGet(2),
	)
	b.Export("sum", sum)

	b.Export("nest", b.Func(sigToI32, nil, Call(nest)))

	stash := b.Func(sigI32toI32, nil,
		I32Const(80), I32Const(80), I32Load(0), I32Const(1), Op(OpI32Add), I32Store(0),
		I32Const(100), Call(get), Op(OpDrop),
		LocalGet(0), Call(get),
		I32Const(64), I32Load(0), Op(OpI32Add),
		I32Const(80), I32Load(0), Op(OpI32Add),
	)
	b.Export("stash", stash)
	return b.Bytes()
}

// AsyncifiedModule is a hand-instrumented equivalent of what wasm-opt
// --asyncify produces for
//
//	run(x) = get(x) + get(x+1)
//
// with host.get (i32)->i32 imported. It exports the five asyncify control
// functions. Each unwind stores {call site, first result} (8 bytes) at the
// data buffer's current pointer and traps with unreachable when the buffer
// is too small.
func AsyncifiedModule(opts Options) []byte {
	b := New()
	get := b.Import("host", "get", sigI32toI32)
	b.Memory(opts.pages())
	heap := b.Global(HeapBase)
	state := b.Global(0)
	data := b.Global(0)
	allocator(b, heap, opts)

	b.Export("asyncify_get_state", b.Func(sigToI32, nil, GlobalGet(state)))
	b.Export("asyncify_start_unwind", b.Func(sigI32, nil,
		LocalGet(0), GlobalSet(data), I32Const(1), GlobalSet(state)))
	b.Export("asyncify_stop_unwind", b.Func(sigVoid, nil,
		I32Const(0), GlobalSet(state)))
	b.Export("asyncify_start_rewind", b.Func(sigI32, nil,
		LocalGet(0), GlobalSet(data), I32Const(2), GlobalSet(state)))
	b.Export("asyncify_stop_rewind", b.Func(sigVoid, nil,
		I32Const(0), GlobalSet(state)))

	// save(site, r1); local 2 = current pointer
	save := b.Func(sigI32I32, []ValType{I32},
		GlobalGet(data), I32Load(0), LocalSet(2),
		LocalGet(2), I32Const(8), Op(OpI32Add), GlobalGet(data), I32Load(4), Op(OpI32GtU),
		If(), Op(OpUnreachable), End(),
		LocalGet(2), LocalGet(0), I32Store(0),
		LocalGet(2), LocalGet(1), I32Store(4),
		GlobalGet(data), LocalGet(2), I32Const(8), Op(OpI32Add), I32Store(0),
	)

	// run(x); local 1 = r1, local 2 = r2, local 3 = saved call site
	run := b.Func(sigI32toI32, []ValType{I32, I32, I32},
		// rewinding: pop {site, r1}
		GlobalGet(state), I32Const(2), Op(OpI32Eq),
		If(),
		GlobalGet(data), GlobalGet(data), I32Load(0), I32Const(8), Op(OpI32Sub), I32Store(0),
		GlobalGet(data), I32Load(0), I32Load(0), LocalSet(3),
		GlobalGet(data), I32Load(0), I32Load(4), LocalSet(1),
		End(),

		// call site 1, skipped when rewinding into call site 2
		Block(),
		GlobalGet(state), I32Const(2), Op(OpI32Eq),
		LocalGet(3), I32Const(2), Op(OpI32Eq),
		Op(OpI32And), BrIf(0),
		LocalGet(0), Call(get), LocalSet(1),
		GlobalGet(state), I32Const(1), Op(OpI32Eq),
		If(),
		I32Const(1), LocalGet(1), Call(save), I32Const(0), Op(OpReturn),
		End(),
		End(),

		// call site 2
		LocalGet(0), I32Const(1), Op(OpI32Add), Call(get), LocalSet(2),
		GlobalGet(state), I32Const(1), Op(OpI32Eq),
		If(),
		I32Const(2), LocalGet(1), Call(save), I32Const(0), Op(OpReturn),
		End(),

		LocalGet(1), LocalGet(2), Op(OpI32Add),
	)
	b.Export("run", run)
	return b.Bytes()
}

// Import describes a function import to forward.
type Import struct {
	Module string
	Name   string
	Type   FuncType
}

// ForwardModule imports every entry of imports and exports a function named
// "module.name" with the same signature that calls straight through to it.
// It also exports memory, malloc, free, allocate_vfs (returns a fresh 88
// byte block), sqlite3_vfs_register (returns 0) and, with opts.Start,
// _start.
func ForwardModule(imports []Import, opts Options) []byte {
	b := New()
	idx := make([]uint32, len(imports))
	for i, imp := range imports {
		idx[i] = b.Import(imp.Module, imp.Name, imp.Type)
	}
	b.Memory(opts.pages())
	heap := b.Global(HeapBase)
	malloc, _ := allocator(b, heap, opts)
	stackPointer(b, opts)

	b.Export("allocate_vfs", b.Func(sigI32I32I32, nil, I32Const(88), Call(malloc)))
	b.Export("sqlite3_vfs_register", b.Func(sigI32I32I32, nil, I32Const(0)))
	if opts.Start {
		b.Export("_start", b.Func(sigVoid, nil, I32Const(StartFlag), I32Const(1), I32Store(0)))
	}

	for i, imp := range imports {
		var body []byte
		for p := range imp.Type.Params {
			body = append(body, LocalGet(uint32(p))...)
		}
		body = append(body, Call(idx[i])...)
		b.Export(imp.Module+"."+imp.Name, b.Func(imp.Type, nil, body))
	}
	return b.Bytes()
}

// WASIModule imports wasi_snapshot_preview1.random_get and host.get
// (i32)->i32, and exports
//
//	seeded() = get(mem[0]) - mem[0], after random_get(0, 4)
//
// which is 0 whenever get is the identity and random_get runs once.
func WASIModule(opts Options) []byte {
	b := New()
	random := b.Import("wasi_snapshot_preview1", "random_get", sigI32I32I32)
	get := b.Import("host", "get", sigI32toI32)
	b.Memory(opts.pages())
	heap := b.Global(HeapBase)
	allocator(b, heap, opts)
	stackPointer(b, opts)

	seeded := b.Func(sigToI32, nil,
		I32Const(0), I32Const(4), Call(random), Op(OpDrop),
		I32Const(0), I32Load(0), Call(get),
		I32Const(0), I32Load(0),
		Op(OpI32Sub),
	)
	b.Export("seeded", seeded)
	return b.Bytes()
}

package wasmtest

// Opcodes used by the test modules.
const (
	OpUnreachable byte = 0x00
	OpBlock       byte = 0x02
	OpLoop        byte = 0x03
	OpIf          byte = 0x04
	OpElse        byte = 0x05
	OpEnd         byte = 0x0b
	OpBr          byte = 0x0c
	OpBrIf        byte = 0x0d
	OpReturn      byte = 0x0f
	OpCall        byte = 0x10
	OpDrop        byte = 0x1a
	OpLocalGet    byte = 0x20
	OpLocalSet    byte = 0x21
	OpLocalTee    byte = 0x22
	OpGlobalGet   byte = 0x23
	OpGlobalSet   byte = 0x24
	OpI32Load     byte = 0x28
	OpI32Store    byte = 0x36
	OpI32Const    byte = 0x41
	OpI64Const    byte = 0x42
	OpI32Eqz      byte = 0x45
	OpI32Eq       byte = 0x46
	OpI32GtU      byte = 0x4b
	OpI32GeU      byte = 0x4f
	OpI32Add      byte = 0x6a
	OpI32Sub      byte = 0x6b
	OpI32And      byte = 0x71

	// BlockVoid is the empty block type.
	BlockVoid byte = 0x40
)

// Code concatenates instruction fragments into one body.
func Code(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Op returns raw opcode bytes.
func Op(b ...byte) []byte { return b }

func I32Const(v int32) []byte { return append([]byte{OpI32Const}, s64(int64(v))...) }

func I64Const(v int64) []byte { return append([]byte{OpI64Const}, s64(v)...) }

func LocalGet(i uint32) []byte { return append([]byte{OpLocalGet}, u32(i)...) }

func LocalSet(i uint32) []byte { return append([]byte{OpLocalSet}, u32(i)...) }

func GlobalGet(i uint32) []byte { return append([]byte{OpGlobalGet}, u32(i)...) }

func GlobalSet(i uint32) []byte { return append([]byte{OpGlobalSet}, u32(i)...) }

func Call(i uint32) []byte { return append([]byte{OpCall}, u32(i)...) }

func Br(depth uint32) []byte { return append([]byte{OpBr}, u32(depth)...) }

func BrIf(depth uint32) []byte { return append([]byte{OpBrIf}, u32(depth)...) }

// I32Load loads with natural alignment from addr+offset.
func I32Load(offset uint32) []byte { return append([]byte{OpI32Load, 0x02}, u32(offset)...) }

// I32Store stores with natural alignment to addr+offset.
func I32Store(offset uint32) []byte { return append([]byte{OpI32Store, 0x02}, u32(offset)...) }

// If opens an if block without results.
func If() []byte { return []byte{OpIf, BlockVoid} }

// Block opens a block without results.
func Block() []byte { return []byte{OpBlock, BlockVoid} }

// Loop opens a loop without results.
func Loop() []byte { return []byte{OpLoop, BlockVoid} }

func End() []byte { return []byte{OpEnd} }

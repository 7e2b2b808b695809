// Package wasmtest builds small WebAssembly binaries and fake engine modules
// for tests.
package wasmtest

import (
	"bytes"
	"fmt"
)

// ValType is a core value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
	F32 ValType = 0x7d
	F64 ValType = 0x7c
)

const (
	sectionType     byte = 1
	sectionImport   byte = 2
	sectionFunction byte = 3
	sectionMemory   byte = 5
	sectionGlobal   byte = 6
	sectionExport   byte = 7
	sectionCode     byte = 10

	kindFunc   byte = 0x00
	kindMemory byte = 0x02
	kindGlobal byte = 0x03
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Sig is shorthand for building a FuncType.
func Sig(params []ValType, results ...ValType) FuncType {
	return FuncType{Params: params, Results: results}
}

func (ft FuncType) equal(o FuncType) bool {
	return bytes.Equal(valBytes(ft.Params), valBytes(o.Params)) &&
		bytes.Equal(valBytes(ft.Results), valBytes(o.Results))
}

func valBytes(vs []ValType) []byte {
	out := make([]byte, len(vs))
	for i, v := range vs {
		out[i] = byte(v)
	}
	return out
}

type importEntry struct {
	module, name string
	typeIdx      uint32
}

type funcEntry struct {
	typeIdx uint32
	locals  []ValType
	body    []byte
}

type globalEntry struct {
	init    int32
	mutable bool
}

type exportEntry struct {
	name string
	kind byte
	idx  uint32
}

// Builder assembles a module. All imports must be declared before the
// first Func.
type Builder struct {
	types    []FuncType
	imports  []importEntry
	funcs    []funcEntry
	globals  []globalEntry
	exports  []exportEntry
	memPages uint32
}

// New creates an empty module builder.
func New() *Builder {
	return &Builder{}
}

func (b *Builder) typeIndex(ft FuncType) uint32 {
	for i, t := range b.types {
		if t.equal(ft) {
			return uint32(i)
		}
	}
	b.types = append(b.types, ft)
	return uint32(len(b.types) - 1)
}

// Import declares a function import and returns its function index.
func (b *Builder) Import(module, name string, ft FuncType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must precede functions")
	}
	b.imports = append(b.imports, importEntry{module: module, name: name, typeIdx: b.typeIndex(ft)})
	return uint32(len(b.imports) - 1)
}

// Func defines a function and returns its index. body excludes the final end.
func (b *Builder) Func(ft FuncType, locals []ValType, body ...[]byte) uint32 {
	b.funcs = append(b.funcs, funcEntry{
		typeIdx: b.typeIndex(ft),
		locals:  locals,
		body:    Code(body...),
	})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// NextFunc returns the index the next Func call will get.
func (b *Builder) NextFunc() uint32 {
	return uint32(len(b.imports) + len(b.funcs))
}

// Global defines a mutable i32 global and returns its index.
func (b *Builder) Global(init int32) uint32 {
	b.globals = append(b.globals, globalEntry{init: init, mutable: true})
	return uint32(len(b.globals) - 1)
}

// Memory defines the module memory and exports it as "memory".
func (b *Builder) Memory(pages uint32) {
	b.memPages = pages
	b.exports = append(b.exports, exportEntry{name: "memory", kind: kindMemory, idx: 0})
}

// Export exports a function.
func (b *Builder) Export(name string, funcIdx uint32) {
	b.exports = append(b.exports, exportEntry{name: name, kind: kindFunc, idx: funcIdx})
}

// ExportGlobal exports a global.
func (b *Builder) ExportGlobal(name string, globalIdx uint32) {
	b.exports = append(b.exports, exportEntry{name: name, kind: kindGlobal, idx: globalIdx})
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	var w bytes.Buffer
	w.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	if len(b.types) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(b.types)))
		for _, ft := range b.types {
			sec.WriteByte(0x60)
			writeValTypes(&sec, ft.Params)
			writeValTypes(&sec, ft.Results)
		}
		writeSection(&w, sectionType, sec.Bytes())
	}

	if len(b.imports) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(b.imports)))
		for _, imp := range b.imports {
			writeName(&sec, imp.module)
			writeName(&sec, imp.name)
			sec.WriteByte(kindFunc)
			writeU32(&sec, imp.typeIdx)
		}
		writeSection(&w, sectionImport, sec.Bytes())
	}

	if len(b.funcs) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			writeU32(&sec, f.typeIdx)
		}
		writeSection(&w, sectionFunction, sec.Bytes())
	}

	if b.memPages > 0 {
		var sec bytes.Buffer
		writeU32(&sec, 1)
		sec.WriteByte(0x00) // min only
		writeU32(&sec, b.memPages)
		writeSection(&w, sectionMemory, sec.Bytes())
	}

	if len(b.globals) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(b.globals)))
		for _, g := range b.globals {
			sec.WriteByte(byte(I32))
			if g.mutable {
				sec.WriteByte(0x01)
			} else {
				sec.WriteByte(0x00)
			}
			sec.Write(I32Const(g.init))
			sec.WriteByte(OpEnd)
		}
		writeSection(&w, sectionGlobal, sec.Bytes())
	}

	if len(b.exports) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(b.exports)))
		for _, e := range b.exports {
			writeName(&sec, e.name)
			sec.WriteByte(e.kind)
			writeU32(&sec, e.idx)
		}
		writeSection(&w, sectionExport, sec.Bytes())
	}

	if len(b.funcs) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			var body bytes.Buffer
			writeLocals(&body, f.locals)
			body.Write(f.body)
			body.WriteByte(OpEnd)
			writeU32(&sec, uint32(body.Len()))
			sec.Write(body.Bytes())
		}
		writeSection(&w, sectionCode, sec.Bytes())
	}

	return w.Bytes()
}

func writeSection(w *bytes.Buffer, id byte, data []byte) {
	w.WriteByte(id)
	writeU32(w, uint32(len(data)))
	w.Write(data)
}

func writeValTypes(w *bytes.Buffer, types []ValType) {
	writeU32(w, uint32(len(types)))
	for _, t := range types {
		w.WriteByte(byte(t))
	}
}

func writeName(w *bytes.Buffer, s string) {
	writeU32(w, uint32(len(s)))
	w.WriteString(s)
}

// writeLocals groups consecutive locals of the same type.
func writeLocals(w *bytes.Buffer, locals []ValType) {
	type group struct {
		n uint32
		t ValType
	}
	var groups []group
	for _, l := range locals {
		if len(groups) > 0 && groups[len(groups)-1].t == l {
			groups[len(groups)-1].n++
			continue
		}
		groups = append(groups, group{n: 1, t: l})
	}
	writeU32(w, uint32(len(groups)))
	for _, g := range groups {
		writeU32(w, g.n)
		w.WriteByte(byte(g.t))
	}
}

// String renders the builder summary for test failure messages.
func (b *Builder) String() string {
	return fmt.Sprintf("module{types=%d imports=%d funcs=%d globals=%d exports=%d}",
		len(b.types), len(b.imports), len(b.funcs), len(b.globals), len(b.exports))
}

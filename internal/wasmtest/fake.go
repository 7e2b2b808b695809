package wasmtest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
)

// Memory is a byte-slice linear memory.
type Memory struct {
	Data []byte
}

// NewMemory creates a zeroed memory of size bytes.
func NewMemory(size int) *Memory {
	return &Memory{Data: make([]byte, size)}
}

func (m *Memory) check(offset, length uint32) error {
	if uint64(offset)+uint64(length) > uint64(len(m.Data)) {
		return fmt.Errorf("out of bounds: offset=%d, length=%d", offset, length)
	}
	return nil
}

func (m *Memory) Read(offset uint32, length uint32) ([]byte, error) {
	if err := m.check(offset, length); err != nil {
		return nil, err
	}
	return m.Data[offset : offset+length], nil
}

func (m *Memory) Write(offset uint32, data []byte) error {
	if err := m.check(offset, uint32(len(data))); err != nil {
		return err
	}
	copy(m.Data[offset:], data)
	return nil
}

func (m *Memory) ReadU8(offset uint32) (uint8, error) {
	if err := m.check(offset, 1); err != nil {
		return 0, err
	}
	return m.Data[offset], nil
}

func (m *Memory) ReadU16(offset uint32) (uint16, error) {
	if err := m.check(offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(m.Data[offset:]), nil
}

func (m *Memory) ReadU32(offset uint32) (uint32, error) {
	if err := m.check(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.Data[offset:]), nil
}

func (m *Memory) ReadU64(offset uint32) (uint64, error) {
	if err := m.check(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.Data[offset:]), nil
}

func (m *Memory) WriteU8(offset uint32, value uint8) error {
	return m.Write(offset, []byte{value})
}

func (m *Memory) WriteU16(offset uint32, value uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], value)
	return m.Write(offset, b[:])
}

func (m *Memory) WriteU32(offset uint32, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return m.Write(offset, b[:])
}

func (m *Memory) WriteU64(offset uint32, value uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], value)
	return m.Write(offset, b[:])
}

func (m *Memory) Size() uint32 {
	return uint32(len(m.Data))
}

// ExportFunc is a Go stand-in for an engine export.
type ExportFunc func(ctx context.Context, params []uint64) ([]uint64, error)

// CallRecord is one recorded export call.
type CallRecord struct {
	Name   string
	Params []uint64
}

// Module is a Go fake of an engine instance: byte-slice memory, a bump
// allocator with leak and double-free tracking, and named exports.
type Module struct {
	*Memory

	Exports map[string]ExportFunc
	Calls   []CallRecord
	live    map[uint32]uint32
	heap    uint32

	// FailAlloc makes Alloc report out of memory.
	FailAlloc   bool
	Allocs      int
	Frees       int
	DoubleFrees int

	mu sync.Mutex
}

// NewModule creates a fake module with size bytes of memory.
func NewModule(size int) *Module {
	return &Module{
		Memory:  NewMemory(size),
		Exports: make(map[string]ExportFunc),
		live:    make(map[uint32]uint32),
		heap:    HeapBase,
	}
}

// Alloc returns (0, nil) on exhaustion, like malloc.
func (m *Module) Alloc(size, align uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAlloc {
		return 0, nil
	}
	if align < 8 {
		align = 8
	}
	ptr := (m.heap + align - 1) &^ (align - 1)
	if uint64(ptr)+uint64(size) > uint64(len(m.Data)) {
		return 0, nil
	}
	m.heap = ptr + size
	m.live[ptr] = size
	m.Allocs++
	return ptr, nil
}

func (m *Module) Free(ptr, size, align uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ptr == 0 {
		return
	}
	if _, ok := m.live[ptr]; !ok {
		m.DoubleFrees++
		return
	}
	delete(m.live, ptr)
	m.Frees++
}

// Live returns the number of outstanding allocations.
func (m *Module) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Call invokes a registered export. malloc and free are built in.
func (m *Module) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, CallRecord{Name: name, Params: append([]uint64(nil), params...)})
	fn := m.Exports[name]
	m.mu.Unlock()

	switch {
	case fn != nil:
		return fn(ctx, params)
	case name == "malloc":
		ptr, err := m.Alloc(uint32(params[0]), 8)
		return []uint64{uint64(ptr)}, err
	case name == "free":
		m.Free(uint32(params[0]), 0, 0)
		return nil, nil
	}
	return nil, fmt.Errorf("export %q not found", name)
}

// CString reads a NUL-terminated string at ptr.
func (m *Module) CString(ptr uint32) string {
	end := ptr
	for int(end) < len(m.Data) && m.Data[end] != 0 {
		end++
	}
	return string(m.Data[ptr:end])
}

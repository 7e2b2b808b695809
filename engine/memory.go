package engine

import (
	"github.com/tetratelabs/wazero/api"

	wasmvfs "github.com/wippyai/wasm-vfs"
	"github.com/wippyai/wasm-vfs/errors"
)

// Memory wraps wazero memory to implement wasmvfs.Memory
type Memory struct {
	mem api.Memory
}

// NewMemory adapts a wazero memory. Host functions use it on mod.Memory().
func NewMemory(mem api.Memory) *Memory {
	return &Memory{mem: mem}
}

func (m *Memory) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseRuntime, offset, length)
	}
	return data, nil
}

func (m *Memory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return errors.OutOfBounds(errors.PhaseRuntime, offset, uint32(len(data)))
	}
	return nil
}

func (m *Memory) ReadU8(offset uint32) (uint8, error) {
	v, ok := m.mem.ReadByte(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseRuntime, offset, 1)
	}
	return v, nil
}

func (m *Memory) ReadU16(offset uint32) (uint16, error) {
	v, ok := m.mem.ReadUint16Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseRuntime, offset, 2)
	}
	return v, nil
}

func (m *Memory) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseRuntime, offset, 4)
	}
	return v, nil
}

func (m *Memory) ReadU64(offset uint32) (uint64, error) {
	v, ok := m.mem.ReadUint64Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseRuntime, offset, 8)
	}
	return v, nil
}

func (m *Memory) WriteU8(offset uint32, value uint8) error {
	if !m.mem.WriteByte(offset, value) {
		return errors.OutOfBounds(errors.PhaseRuntime, offset, 1)
	}
	return nil
}

func (m *Memory) WriteU16(offset uint32, value uint16) error {
	if !m.mem.WriteUint16Le(offset, value) {
		return errors.OutOfBounds(errors.PhaseRuntime, offset, 2)
	}
	return nil
}

func (m *Memory) WriteU32(offset uint32, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return errors.OutOfBounds(errors.PhaseRuntime, offset, 4)
	}
	return nil
}

func (m *Memory) WriteU64(offset uint32, value uint64) error {
	if !m.mem.WriteUint64Le(offset, value) {
		return errors.OutOfBounds(errors.PhaseRuntime, offset, 8)
	}
	return nil
}

func (m *Memory) Size() uint32 {
	if m.mem == nil {
		return 0
	}
	return m.mem.Size()
}

var _ wasmvfs.Memory = (*Memory)(nil)
var _ wasmvfs.MemorySizer = (*Memory)(nil)

package bridge

import (
	"context"
	"encoding/binary"
	"slices"

	"github.com/tetratelabs/wazero/api"

	wasmvfs "github.com/wippyai/wasm-vfs"
	"github.com/wippyai/wasm-vfs/engine"
)

type memWrite struct {
	data   []byte
	offset uint32
}

// journal records host writes made while a replayed import runs at the
// frontier, so that later passes can repeat them after memory is restored.
type journal struct {
	*engine.Memory
	b *Bridge
}

// Memory returns the memory an import body should write results through.
// During a replayed call the writes are remembered with the import's result
// and repeated whenever a later pass is answered from the memo log.
func Memory(ctx context.Context, mod api.Module) wasmvfs.Memory {
	m := engine.NewMemory(mod.Memory())
	b := FromContext(ctx)
	if b == nil || b.strategy != StrategyReplay {
		return m
	}
	return &journal{Memory: m, b: b}
}

func (j *journal) record(offset uint32, data []byte) {
	if j.b.recording {
		j.b.writes = append(j.b.writes, memWrite{offset: offset, data: slices.Clone(data)})
	}
}

func (j *journal) Write(offset uint32, data []byte) error {
	if err := j.Memory.Write(offset, data); err != nil {
		return err
	}
	j.record(offset, data)
	return nil
}

func (j *journal) WriteU8(offset uint32, v uint8) error {
	return j.Write(offset, []byte{v})
}

func (j *journal) WriteU16(offset uint32, v uint16) error {
	return j.Write(offset, binary.LittleEndian.AppendUint16(nil, v))
}

func (j *journal) WriteU32(offset uint32, v uint32) error {
	return j.Write(offset, binary.LittleEndian.AppendUint32(nil, v))
}

func (j *journal) WriteU64(offset uint32, v uint64) error {
	return j.Write(offset, binary.LittleEndian.AppendUint64(nil, v))
}

// snapshot copies linear memory at the start of a replayed call.
func (b *Bridge) snapshot() {
	if b.mem == nil {
		return
	}
	data, ok := b.mem.Read(0, b.mem.Size())
	if !ok {
		return
	}
	b.image = append(b.image[:0], data...)
}

// restore puts memory back to the snapshot. Pages grown since are zeroed,
// as memory cannot shrink.
func (b *Bridge) restore() {
	if b.mem == nil || b.image == nil {
		return
	}
	b.mem.Write(0, b.image)
	n := uint32(len(b.image))
	if size := b.mem.Size(); size > n {
		if tail, ok := b.mem.Read(n, size-n); ok {
			clear(tail)
		}
	}
}

func (b *Bridge) replayWrites(writes []memWrite) {
	for _, w := range writes {
		b.mem.Write(w.offset, w.data)
	}
}

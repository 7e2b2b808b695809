package arena

import (
	"bytes"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	wasmvfs "github.com/wippyai/wasm-vfs"
	"github.com/wippyai/wasm-vfs/bridge"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/metrics"
)

// Align is the alignment of every block and of every item within it.
const Align = 4

// Span is a region of linear memory. The zero Span is the null span.
type Span struct {
	Offset uint32
	Length uint32
}

// IsNull reports whether s is the null span.
func (s Span) IsNull() bool {
	return s.Offset == 0
}

// End returns the offset just past the span.
func (s Span) End() uint32 {
	return s.Offset + s.Length
}

// Item is one region requested from Borrow.
type Item struct {
	// Data is copied in as the initial contents.
	Data []byte
	// Size reserves extra zero-filled room past Data.
	Size uint32
	// Terminate appends a NUL byte that is not counted in the span length.
	Terminate bool
}

// Bytes requests a copy of b.
func Bytes(b []byte) Item {
	return Item{Data: b}
}

// String requests a copy of s without terminator.
func String(s string) Item {
	return Item{Data: []byte(s)}
}

// CString requests a NUL-terminated copy of s.
func CString(s string) Item {
	return Item{Data: []byte(s), Terminate: true}
}

// Scratch requests n zero-filled bytes.
func Scratch(n uint32) Item {
	return Item{Size: n}
}

func (it Item) length() uint64 {
	n := uint64(len(it.Data))
	if uint64(it.Size) > n {
		n = uint64(it.Size)
	}
	return n
}

func (it Item) footprint() uint64 {
	n := it.length()
	if it.Terminate {
		n++
	}
	return n
}

// Stats counts scratch blocks. Leaked constants are not included in
// Allocs and Frees.
type Stats struct {
	Allocs uint64
	Frees  uint64
	Leaked uint64
}

// Arena hands out scratch blocks of linear memory that are released when
// their scope ends.
type Arena struct {
	mem   wasmvfs.Memory
	alloc wasmvfs.Allocator
	obs   metrics.Observer

	mu     sync.Mutex
	leaked map[string]Span

	allocs  atomic.Uint64
	frees   atomic.Uint64
	nleaked atomic.Uint64
}

// New creates an arena over mem, allocating through alloc.
func New(mem wasmvfs.Memory, alloc wasmvfs.Allocator, obs metrics.Observer) *Arena {
	return &Arena{
		mem:    mem,
		alloc:  alloc,
		obs:    metrics.OrNop(obs),
		leaked: make(map[string]Span),
	}
}

// Memory returns the memory the arena writes to.
func (a *Arena) Memory() wasmvfs.Memory {
	return a.mem
}

// Stats returns a snapshot of the counters.
func (a *Arena) Stats() Stats {
	return Stats{
		Allocs: a.allocs.Load(),
		Frees:  a.frees.Load(),
		Leaked: a.nleaked.Load(),
	}
}

// block is one live scratch allocation.
type block struct {
	a    *Arena
	ptr  uint32
	size uint32
	once sync.Once
}

func (b *block) release() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		b.a.alloc.Free(b.ptr, b.size, Align)
		b.a.frees.Add(1)
		b.a.obs.Freed()
	})
}

// place allocates one block for items and writes their initial contents.
// A nil block with nil error means no memory was needed.
func (a *Arena) place(items []Item) (*block, []Span, error) {
	var total uint64
	offsets := make([]uint64, len(items))
	for i, it := range items {
		total = alignUp(total)
		offsets[i] = total
		total += it.footprint()
	}
	spans := make([]Span, len(items))
	if total == 0 {
		return nil, spans, nil
	}
	if total > 1<<32-1 {
		return nil, nil, errors.New(errors.PhaseArena, errors.KindOutOfMemory).
			Detail("scratch request of %d bytes exceeds linear memory", total).
			Value(total).
			Build()
	}

	size := uint32(total)
	ptr, err := a.alloc.Alloc(size, Align)
	if err != nil {
		return nil, nil, errors.Wrap(errors.PhaseArena, errors.KindOutOfMemory, err, "malloc")
	}
	if ptr == 0 {
		return nil, nil, errors.OutOfMemory(errors.PhaseArena, size)
	}
	b := &block{a: a, ptr: ptr, size: size}
	a.allocs.Add(1)
	a.obs.Allocated(size)

	for i, it := range items {
		off := ptr + uint32(offsets[i])
		n := uint32(it.length())
		spans[i] = Span{Offset: off, Length: n}

		buf := make([]byte, it.footprint())
		copy(buf, it.Data)
		if err := a.mem.Write(off, buf); err != nil {
			b.release()
			return nil, nil, errors.Wrap(errors.PhaseArena, errors.KindOutOfBounds, err, "write scratch")
		}
	}
	return b, spans, nil
}

// Borrow allocates one block holding every item, runs body with their
// spans and frees the block when body returns or panics. When allocation
// fails body is not called and the error is an OutOfMemory error.
func Borrow[T any](a *Arena, items []Item, body func(spans []Span) (T, error)) (T, error) {
	b, spans, err := a.place(items)
	if err != nil {
		var zero T
		return zero, err
	}
	defer b.release()
	return body(spans)
}

// Do is Borrow for bodies without a result.
func (a *Arena) Do(items []Item, body func(spans []Span) error) error {
	_, err := Borrow(a, items, func(spans []Span) (struct{}, error) {
		return struct{}{}, body(spans)
	})
	return err
}

// BorrowAsync is Borrow for bodies that finish later. The block is freed
// once the returned future settles and is waited on, whether it succeeded
// or failed.
func BorrowAsync[T any](a *Arena, items []Item, body func(spans []Span) *bridge.Future[T]) *bridge.Future[T] {
	b, spans, err := a.place(items)
	if err != nil {
		var zero T
		return bridge.Resolved(zero, err)
	}

	f := func() (f *bridge.Future[T]) {
		defer func() {
			if f == nil {
				b.release()
			}
		}()
		return body(spans)
	}()
	if f == nil {
		var zero T
		return bridge.Resolved(zero, nil)
	}
	return bridge.Finally(f, b.release)
}

// Leak interns s as a NUL-terminated constant that is never freed. Later
// calls with the same s return the same span. The empty string is the null
// span.
func (a *Arena) Leak(s string) (Span, error) {
	if s == "" {
		return Span{}, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if sp, ok := a.leaked[s]; ok {
		return sp, nil
	}

	size := uint32(len(s) + 1)
	ptr, err := a.alloc.Alloc(size, Align)
	if err != nil {
		return Span{}, errors.Wrap(errors.PhaseArena, errors.KindOutOfMemory, err, "malloc")
	}
	if ptr == 0 {
		return Span{}, errors.OutOfMemory(errors.PhaseArena, size)
	}
	buf := make([]byte, size)
	copy(buf, s)
	if err := a.mem.Write(ptr, buf); err != nil {
		a.alloc.Free(ptr, size, Align)
		return Span{}, errors.Wrap(errors.PhaseArena, errors.KindOutOfBounds, err, "write constant")
	}

	sp := Span{Offset: ptr, Length: uint32(len(s))}
	a.leaked[s] = sp
	a.nleaked.Add(1)
	Logger().Debug("interned constant", zap.String("value", s), zap.Uint32("ptr", ptr))
	return sp, nil
}

// Read copies the bytes of s out of linear memory.
func (a *Arena) Read(s Span) ([]byte, error) {
	if s.Length == 0 {
		return []byte{}, nil
	}
	data, err := a.mem.Read(s.Offset, s.Length)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseArena, errors.KindOutOfBounds, err, "read span")
	}
	return bytes.Clone(data), nil
}

// maxCString bounds ReadCString when the memory size is unknown.
const maxCString = 1 << 20

// ReadCString reads the NUL-terminated string at ptr. A NULL ptr reads as
// the empty string. The scan stops at the end of memory.
func ReadCString(mem wasmvfs.Memory, ptr uint32) (string, error) {
	if ptr == 0 {
		return "", nil
	}
	limit := uint64(maxCString)
	if sz, ok := mem.(wasmvfs.MemorySizer); ok {
		if uint64(ptr) >= uint64(sz.Size()) {
			return "", errors.OutOfBounds(errors.PhaseArena, ptr, 1)
		}
		limit = uint64(sz.Size()) - uint64(ptr)
	}

	const chunk = 256
	var out []byte
	for off := uint64(0); off < limit; off += chunk {
		n := uint64(chunk)
		if off+n > limit {
			n = limit - off
		}
		data, err := mem.Read(ptr+uint32(off), uint32(n))
		if err != nil {
			return "", errors.Wrap(errors.PhaseArena, errors.KindOutOfBounds, err, "read string")
		}
		if i := bytes.IndexByte(data, 0); i >= 0 {
			return string(append(out, data[:i]...)), nil
		}
		out = append(out, data...)
	}
	return "", errors.New(errors.PhaseArena, errors.KindInvalidData).
		Detail("unterminated string at %d", ptr).
		Build()
}

func alignUp(n uint64) uint64 {
	return (n + Align - 1) &^ (Align - 1)
}

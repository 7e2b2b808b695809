package resource

import (
	"sync"

	"github.com/wippyai/wasm-vfs/errors"
)

// LocalBackend is the in-memory slot store behind a Table.
type LocalBackend struct {
	entries  []entry
	freeList []uint32
	mu       sync.RWMutex
	closed   bool
}

type entry struct {
	value  any
	typeID uint32
	gen    uint8
	valid  bool
}

// NewLocalBackend creates an empty store.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		entries:  make([]entry, 0, 64),
		freeList: make([]uint32, 0, 16),
	}
}

// Create stores a value and returns a handle.
func (b *LocalBackend) Create(typeID uint32, value any) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.New(errors.PhaseMarshal, errors.KindClosed).Detail("handle table closed").Build()
	}

	if len(b.freeList) > 0 {
		slot := b.freeList[len(b.freeList)-1]
		b.freeList = b.freeList[:len(b.freeList)-1]
		e := &b.entries[slot]
		e.gen++
		e.typeID = typeID
		e.value = value
		e.valid = true
		return makeHandle(slot, e.gen), nil
	}

	if len(b.entries) >= MaxHandles {
		return 0, errors.New(errors.PhaseMarshal, errors.KindOutOfMemory).
			Detail("handle table full (%d entries)", MaxHandles).
			Build()
	}
	b.entries = append(b.entries, entry{typeID: typeID, value: value, valid: true})
	return makeHandle(uint32(len(b.entries)-1), 0), nil
}

// lookup returns the live entry for handle. Callers hold mu.
func (b *LocalBackend) lookup(handle Handle) *entry {
	if handle == 0 {
		return nil
	}
	slot := handle.slot()
	if int(slot) >= len(b.entries) {
		return nil
	}
	e := &b.entries[slot]
	if !e.valid || e.gen != handle.generation() {
		return nil
	}
	return e
}

// Get retrieves a value by handle.
func (b *LocalBackend) Get(handle Handle) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e := b.lookup(handle)
	if e == nil {
		return nil, false
	}
	return e.value, true
}

// TypeID returns the type ID for a handle.
func (b *LocalBackend) TypeID(handle Handle) (uint32, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e := b.lookup(handle)
	if e == nil {
		return 0, false
	}
	return e.typeID, true
}

// Drop removes a live entry and returns its value.
func (b *LocalBackend) Drop(handle Handle) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.lookup(handle)
	if e == nil {
		return nil, false
	}
	value := e.value
	e.valid = false
	e.value = nil
	b.freeList = append(b.freeList, handle.slot())
	return value, true
}

// Close drops every entry, calling Drop on values that implement Dropper.
func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for i := range b.entries {
		if b.entries[i].valid {
			if d, ok := b.entries[i].value.(Dropper); ok {
				d.Drop()
			}
			b.entries[i].valid = false
			b.entries[i].value = nil
		}
	}

	b.entries = nil
	b.freeList = nil
	return nil
}

// Len returns the number of live entries.
func (b *LocalBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.entries) - len(b.freeList)
}

// Each iterates over all live entries.
func (b *LocalBackend) Each(fn func(Handle, uint32, any) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i, e := range b.entries {
		if e.valid {
			if !fn(makeHandle(uint32(i), e.gen), e.typeID, e.value) {
				break
			}
		}
	}
}

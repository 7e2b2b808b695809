package resource

import (
	"sync"

	"github.com/wippyai/wasm-vfs/errors"
)

// Table maps handles to host objects the engine holds without
// interpreting. Every handle is released exactly once.
type Table struct {
	backend   *LocalBackend
	observers []Observer
	obsMu     sync.RWMutex
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		backend: NewLocalBackend(),
	}
}

// Insert adds a value and returns its handle.
func (t *Table) Insert(typeID uint32, value any) (Handle, error) {
	handle, err := t.backend.Create(typeID, value)
	if err != nil {
		return 0, err
	}

	t.notify(Event{
		Type:   EventCreated,
		Handle: handle,
		TypeID: typeID,
		Value:  value,
	})
	return handle, nil
}

// Get retrieves a value by handle.
func (t *Table) Get(handle Handle) (any, bool) {
	return t.backend.Get(handle)
}

// Lookup is Get returning a stale-handle error for unknown handles.
func (t *Table) Lookup(handle Handle) (any, error) {
	v, ok := t.backend.Get(handle)
	if !ok {
		return nil, errors.StaleHandle(errors.PhaseMarshal, "handle", uint32(handle))
	}
	return v, nil
}

// Release removes handle and calls Drop on its value. Releasing a handle
// that is not live is a stale-handle error.
func (t *Table) Release(handle Handle) (any, error) {
	typeID, _ := t.backend.TypeID(handle)
	value, ok := t.backend.Drop(handle)
	if !ok {
		return nil, errors.StaleHandle(errors.PhaseMarshal, "handle", uint32(handle))
	}

	if d, ok := value.(Dropper); ok {
		d.Drop()
	}

	t.notify(Event{
		Type:   EventReleased,
		Handle: handle,
		TypeID: typeID,
		Value:  value,
	})
	return value, nil
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *Table) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	return t.backend.Len()
}

// Clear releases every live handle.
func (t *Table) Clear() {
	// Collect handles first to avoid holding the lock during Release
	var handles []Handle
	t.backend.Each(func(h Handle, typeID uint32, value any) bool {
		handles = append(handles, h)
		return true
	})
	for _, h := range handles {
		t.Release(h)
	}
}

// Close drops every value and stops accepting inserts.
func (t *Table) Close() error {
	return t.backend.Close()
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnResourceEvent(e)
	}
}

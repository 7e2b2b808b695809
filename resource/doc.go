// Package resource is the handle table that lets engine memory refer to
// host objects.
//
// The engine stores a handle as an opaque pointer-sized value and never
// dereferences it. When the engine destroys the value it calls the
// value.release import, which releases the handle:
//
//	table := resource.NewTable()
//	h, err := table.Insert(resource.TypeStream, r)
//	...
//	v, err := table.Release(h) // a second Release is a stale-handle error
//
// Values implementing Dropper are dropped on release and on Close.
package resource

// Package arena moves bytes between Go and the engine's linear memory.
//
// Scratch memory is borrowed for the duration of a scope and freed on
// every exit path:
//
//	n, err := arena.Borrow(a, []arena.Item{arena.CString(path), arena.Scratch(8)},
//	    func(spans []arena.Span) (uint32, error) {
//	        res, err := caller.Call(ctx, "open", uint64(spans[0].Offset), uint64(spans[1].Offset))
//	        ...
//	    })
//
// All items of one Borrow share a single malloc'd block, each aligned to
// four bytes. Constants that live as long as the instance, such as VFS
// names, are interned once with Leak and never freed.
package arena

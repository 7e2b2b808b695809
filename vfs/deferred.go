package vfs

// deferredVFS marks a backend whose operations run on their own goroutine.
type deferredVFS struct {
	VFS
}

// Deferred wraps v so that every operation the engine makes on it, and on
// files it opens, runs on a separate goroutine while the engine call is
// suspended. Use it for backends that wait on the network or disk.
func Deferred(v VFS) VFS {
	if _, ok := v.(deferredVFS); ok {
		return v
	}
	return deferredVFS{VFS: v}
}

// unwrapDeferred returns the backend inside a Deferred wrapper and whether
// there was one.
func unwrapDeferred(v VFS) (VFS, bool) {
	if d, ok := v.(deferredVFS); ok {
		return d.VFS, true
	}
	return v, false
}
